// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/config"
	"github.com/rhodeslab/akauth/internal/device"
	"github.com/rhodeslab/akauth/internal/logging"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/internal/web"
)

// loginOutput is printed after a successful login.
type loginOutput struct {
	UID          string `yaml:"uid"`
	Region       string `yaml:"region"`
	ChannelUID   string `yaml:"channel_uid,omitempty"`
	ChannelToken string `yaml:"channel_token,omitempty"`
	Token        string `yaml:"token,omitempty"`
	Payload      string `yaml:"payload,omitempty"`
}

// loginHandshake is the handshake surface used by the login command.
// *auth.Handshake satisfies it.
type loginHandshake interface {
	web.Handshaker
	LoginWithToken(ctx context.Context, channelUID, token string, r region.Code) (*auth.Session, error)
	LoginAsGuest(ctx context.Context, r region.Code) (*auth.Session, auth.ChannelCredentials, error)
}

// sessionIssuer issues site sessions. *sitesession.Bridge satisfies it.
type sessionIssuer interface {
	Issue(ctx context.Context, s *auth.Session, extras sitesession.Extras) (sitesession.Token, sitesession.Payload, error)
}

// loginOptions selects the login method. Guest wins over a channel token,
// which wins over the emailed code.
type loginOptions struct {
	Email        string
	Guest        bool
	ChannelUID   string
	ChannelToken string
	Region       region.Code
}

// NewLoginCmd creates the login subcommand.
func NewLoginCmd() *cobra.Command {
	var (
		opts       loginOptions
		regionName string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with an emailed code, a channel token, or as a guest",
		Long: `Log in to the game backend. By default a login code is requested for
an account and read from stdin. --guest creates a new guest account and
prints its channel uid and token; pass them back with --channel-uid and
--token to log in to the same account again.

When a site secret and a shared token store are configured, a site session
token and payload usable against the web API are printed too.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if regionName == "" {
				regionName = cfg.DefaultRegion
			}
			if opts.Region, err = region.Parse(regionName); err != nil {
				return err
			}
			if (opts.ChannelUID == "") != (opts.ChannelToken == "") {
				return oops.Code("INVALID_FLAGS").Errorf("--channel-uid and --token must be given together")
			}

			logger := logging.Setup("akauth", version, cfg.LogFormat, cfg.Level(), cmd.ErrOrStderr())
			client := upstream.NewClient(upstream.WithTimeout(cfg.UpstreamTimeout), upstream.WithLogger(logger))
			regions := region.NewStore(region.NewHTTPFetcher(client),
				region.WithRetries(cfg.RegionFetchRetries),
				region.WithLogger(logger),
			)
			hs := auth.NewHandshake(client, regions, device.NewProvider(), auth.WithHandshakeLogger(logger))

			issuer, closeRegistry, err := loginIssuer(cmd.Context(), cfg, logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeRegistry()

			return runLogin(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), hs, issuer, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "account email (prompted when empty)")
	cmd.Flags().StringVar(&regionName, "region", "", "account region (default: default-region)")
	cmd.Flags().BoolVar(&opts.Guest, "guest", false, "create a guest account and log in to it")
	cmd.Flags().StringVar(&opts.ChannelUID, "channel-uid", "", "channel uid from an earlier login")
	cmd.Flags().StringVar(&opts.ChannelToken, "token", "", "channel token from an earlier login")
	cmd.MarkFlagsMutuallyExclusive("guest", "token")
	cmd.MarkFlagsMutuallyExclusive("guest", "email")
	cmd.MarkFlagsMutuallyExclusive("token", "email")

	return cmd
}

// loginIssuer opens the configured token store for site sessions. It
// returns a nil issuer when no site secret is set, and when the store is
// in-process memory: a token issued there would vanish with this command,
// so a warning is written to warn instead.
func loginIssuer(ctx context.Context, cfg config.Config, logger *slog.Logger, warn io.Writer) (sessionIssuer, func(), error) {
	noop := func() {}
	if cfg.SiteSecret == "" {
		return nil, noop, nil
	}
	if cfg.TokenStore == config.TokenStoreMemory {
		fmt.Fprintln(warn, "warning: token-store is memory; no site session issued (use redis or postgres to share sessions with serve)")
		return nil, noop, nil
	}

	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return nil, noop, err
	}
	bridge, err := sitesession.NewBridge([]byte(cfg.SiteSecret), registry,
		sitesession.WithTTL(cfg.SessionTTL),
		sitesession.WithLogger(logger),
	)
	if err != nil {
		closeRegistry()
		return nil, noop, err
	}
	return bridge, closeRegistry, nil
}

// runLogin logs in with the method opts selects, prompting on out and
// reading answers from in. issuer may be nil, in which case no site
// session is issued.
func runLogin(ctx context.Context, in io.Reader, out io.Writer, hs loginHandshake, issuer sessionIssuer, opts loginOptions) error {
	var (
		s      *auth.Session
		result loginOutput
		err    error
	)
	switch {
	case opts.Guest:
		var creds auth.ChannelCredentials
		if s, creds, err = hs.LoginAsGuest(ctx, opts.Region); err != nil {
			return err
		}
		result.ChannelUID, result.ChannelToken = creds.UID, creds.Token
	case opts.ChannelToken != "":
		if s, err = hs.LoginWithToken(ctx, opts.ChannelUID, opts.ChannelToken, opts.Region); err != nil {
			return err
		}
	default:
		if s, err = loginWithCode(ctx, bufio.NewScanner(in), out, hs, &opts); err != nil {
			return err
		}
	}

	result.UID, result.Region = s.UID(), string(s.Region())
	if issuer != nil {
		token, payload, err := issuer.Issue(ctx, s, sitesession.Extras{YostarEmail: opts.Email})
		if err != nil {
			return err
		}
		result.Token, result.Payload = string(token), string(payload)
	}

	enc := yaml.NewEncoder(out)
	defer enc.Close() //nolint:errcheck // output already flushed by Encode
	if err := enc.Encode(result); err != nil {
		return oops.Code("OUTPUT_FAILED").Wrap(err)
	}
	return nil
}

// loginWithCode prompts for a missing email, requests a code and logs in
// with it. The prompted email is stored back into opts.
func loginWithCode(ctx context.Context, scanner *bufio.Scanner, out io.Writer, hs web.Handshaker, opts *loginOptions) (*auth.Session, error) {
	if opts.Email == "" {
		email, err := prompt(scanner, out, "Email: ")
		if err != nil {
			return nil, err
		}
		opts.Email = email
	}

	if err := hs.RequestCode(ctx, opts.Email, opts.Region); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "A login code was sent to %s\n", opts.Email)

	code, err := prompt(scanner, out, "Code: ")
	if err != nil {
		return nil, err
	}
	return hs.Login(ctx, opts.Email, code, opts.Region)
}

// prompt writes label and returns the next non-empty input line.
func prompt(scanner *bufio.Scanner, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", oops.Code("INPUT_FAILED").Wrap(err)
		}
		return "", oops.Code("INPUT_FAILED").Errorf("no input for %q", strings.TrimSpace(label))
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return "", oops.Code("INPUT_FAILED").Errorf("empty input for %q", strings.TrimSpace(label))
	}
	return line, nil
}
