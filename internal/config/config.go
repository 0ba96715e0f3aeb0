// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package config loads akauth settings from defaults, a YAML file,
// environment secrets and command-line flags, in that order.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gobwas/glob"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
)

// Token store backends.
const (
	TokenStoreMemory   = "memory"
	TokenStoreRedis    = "redis"
	TokenStorePostgres = "postgres"
)

// Config holds every runtime setting.
type Config struct {
	ListenAddr         string        `koanf:"listen-addr"`
	MetricsAddr        string        `koanf:"metrics-addr"`
	LogFormat          string        `koanf:"log-format"`
	LogLevel           string        `koanf:"log-level"`
	DefaultRegion      string        `koanf:"default-region"`
	UpstreamTimeout    time.Duration `koanf:"upstream-timeout"`
	RegionFetchRetries uint64        `koanf:"region-fetch-retries"`
	SessionTTL         time.Duration `koanf:"session-ttl"`
	CookieSecure       bool          `koanf:"cookie-secure"`
	TokenStore         string        `koanf:"token-store"`
	AllowedEndpoints   []string      `koanf:"allowed-endpoints"`
	SiteSecret         string        `koanf:"site-secret" env:"AKAUTH_SITE_SECRET"`
	RedisURL           string        `koanf:"redis-url" env:"AKAUTH_REDIS_URL"`
	DatabaseURL        string        `koanf:"database-url" env:"AKAUTH_DATABASE_URL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:         "127.0.0.1:8080",
		MetricsAddr:        "127.0.0.1:9100",
		LogFormat:          "json",
		LogLevel:           "info",
		DefaultRegion:      string(region.Default),
		UpstreamTimeout:    10 * time.Second,
		RegionFetchRetries: 3,
		SessionTTL:         sitesession.DefaultTTL,
		CookieSecure:       true,
		TokenStore:         TokenStoreMemory,
	}
}

// RegisterFlags adds a flag for every non-secret key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "path to config file (default: XDG config dir)")
	fs.String("listen-addr", d.ListenAddr, "web API listen address")
	fs.String("metrics-addr", d.MetricsAddr, "metrics and health listen address (empty = disabled)")
	fs.String("log-format", d.LogFormat, "log format (json, text)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("default-region", d.DefaultRegion, "region used when a request names none")
	fs.Duration("upstream-timeout", d.UpstreamTimeout, "timeout of each upstream call")
	fs.Uint64("region-fetch-retries", d.RegionFetchRetries, "retries of a failed region config fetch")
	fs.Duration("session-ttl", d.SessionTTL, "lifetime of a site session")
	fs.Bool("cookie-secure", d.CookieSecure, "set the Secure attribute on session cookies")
	fs.String("token-store", d.TokenStore, "site token registry (memory, redis, postgres)")
	fs.StringSlice("allowed-endpoints", nil, "glob patterns of game endpoints the web API may call")
}

// Load builds the configuration. An empty path skips the file; a missing
// file at an explicit path is an error unless optional is set. Only flags
// the user changed override earlier layers.
func Load(path string, optional bool, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !optional || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
			}
		} else if err := k.Unmarshal("", &cfg); err != nil {
			return Config{}, oops.Code("CONFIG_PARSE_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if flags != nil {
		k := koanf.New(".")
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || f.Name == "config" {
				return "", nil
			}
			return f.Name, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	return cfg, nil
}

// Validate checks every field.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return invalid("listen-addr", "must not be empty")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return invalid("log-format", "must be json or text")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return invalid("log-level", "must be debug, info, warn or error")
	}
	r, err := region.Parse(c.DefaultRegion)
	if err != nil || !r.Supported() {
		return invalid("default-region", "must be a supported region")
	}
	if c.UpstreamTimeout <= 0 {
		return invalid("upstream-timeout", "must be positive")
	}
	if c.SessionTTL < time.Minute {
		return invalid("session-ttl", "must be at least one minute")
	}
	for _, p := range c.AllowedEndpoints {
		if _, err := glob.Compile(p, '/'); err != nil {
			return invalid("allowed-endpoints", "invalid pattern "+p)
		}
	}
	if len(c.SiteSecret) < sitesession.MinSecretLength {
		return invalid("site-secret", "must be set (AKAUTH_SITE_SECRET) and at least 16 bytes")
	}
	switch c.TokenStore {
	case TokenStoreMemory:
	case TokenStoreRedis:
		if c.RedisURL == "" {
			return invalid("redis-url", "required when token-store is redis")
		}
	case TokenStorePostgres:
		if c.DatabaseURL == "" {
			return invalid("database-url", "required when token-store is postgres")
		}
	default:
		return invalid("token-store", "must be memory, redis or postgres")
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.LogLevel)) //nolint:errcheck // Validate rejects bad levels
	return level
}

// LogValue implements slog.LogValuer without exposing secrets or credentials
// embedded in connection URLs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("listen_addr", c.ListenAddr),
		slog.String("metrics_addr", c.MetricsAddr),
		slog.String("log_level", c.LogLevel),
		slog.String("default_region", c.DefaultRegion),
		slog.Duration("upstream_timeout", c.UpstreamTimeout),
		slog.Duration("session_ttl", c.SessionTTL),
		slog.String("token_store", c.TokenStore),
		slog.Int("allowed_endpoints", len(c.AllowedEndpoints)),
		slog.Bool("site_secret_set", c.SiteSecret != ""),
	)
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func invalid(key, msg string) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf("%s %s", key, msg)
}
