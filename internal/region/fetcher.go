// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package region

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"

	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/upstream"
)

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithNetworkConfigURL overrides the network-config endpoint of one region.
func WithNetworkConfigURL(code Code, url string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.routes[code] = url
	}
}

// HTTPFetcher loads region metadata from the backend config endpoints.
//
// A fetch is two calls: the network-config route yields the service domain
// table, and the "hv" service from that table yields the versions.
type HTTPFetcher struct {
	client *upstream.Client
	routes map[Code]string
}

// NewHTTPFetcher creates a fetcher using the compiled-in network-config routes.
func NewHTTPFetcher(client *upstream.Client, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: client,
		routes: maps.Clone(networkConfigURLs),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type networkEnvelope struct {
	Content string `json:"content"`
}

type networkContent struct {
	FuncVer string `json:"funcVer"`
	Configs map[string]struct {
		Network map[string]any `json:"network"`
	} `json:"configs"`
}

type versionInfo struct {
	ResVersion    string `json:"resVersion"`
	ClientVersion string `json:"clientVersion"`
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, code Code) (Config, error) {
	domains, err := f.fetchDomains(ctx, code)
	if err != nil {
		return Config{}, err
	}

	hv, ok := domains[ServiceVersion]
	if !ok || hv == "" {
		return Config{}, malformed(code, "network config has no %q domain", ServiceVersion)
	}

	resp, err := f.client.Get(ctx, upstream.JoinURL(hv, ""), nil)
	if err != nil {
		return Config{}, err
	}
	if err := checkStatus(code, resp); err != nil {
		return Config{}, err
	}

	var ver versionInfo
	if err := resp.Decode(&ver); err != nil {
		return Config{}, err
	}

	return Config{
		ResourceVersion: ver.ResVersion,
		ClientVersion:   ver.ClientVersion,
		NetworkDomains:  domains,
	}, nil
}

func (f *HTTPFetcher) fetchDomains(ctx context.Context, code Code) (map[string]string, error) {
	url, ok := f.routes[code]
	if !ok {
		return nil, oops.Code(CodeUnknownRegion).With("region", string(code)).Wrap(ErrUnknownRegion)
	}

	resp, err := f.client.Get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(code, resp); err != nil {
		return nil, err
	}

	var envelope networkEnvelope
	if err := resp.Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope.Content == "" {
		return nil, malformed(code, "network config content is empty")
	}

	var content networkContent
	if err := json.Unmarshal([]byte(envelope.Content), &content); err != nil {
		return nil, oops.Code(CodeConfigMalformed).
			With("region", string(code)).
			Wrap(fmt.Errorf("%w: %w", ErrConfigMalformed, err))
	}

	entry, ok := content.Configs[content.FuncVer]
	if !ok {
		return nil, malformed(code, "network config has no entry for funcVer %q", content.FuncVer)
	}

	domains := make(map[string]string, len(entry.Network))
	for name, v := range entry.Network {
		if s, ok := v.(string); ok && s != "" {
			domains[name] = s
		}
	}
	if len(domains) == 0 {
		return nil, malformed(code, "network config domain table is empty")
	}
	return domains, nil
}

// checkStatus maps server errors to retryable unavailability and other
// non-2xx answers to malformed config.
func checkStatus(code Code, resp *upstream.Response) error {
	if resp.OK() {
		return nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return oops.Code(upstream.CodeUnavailable).
			With("region", string(code)).
			With("status", resp.StatusCode).
			Wrap(upstream.ErrUnavailable)
	}
	return oops.Code(CodeConfigMalformed).
		With("region", string(code)).
		With("status", resp.StatusCode).
		Wrapf(ErrConfigMalformed, "unexpected status %d", resp.StatusCode)
}

func malformed(code Code, format string, args ...any) error {
	return oops.Code(CodeConfigMalformed).
		With("region", string(code)).
		Wrapf(ErrConfigMalformed, format, args...)
}
