// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhodeslab/akauth/internal/config"
	"github.com/rhodeslab/akauth/internal/observability"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
	"github.com/rhodeslab/akauth/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// RegistryFactory opens the site token registry named by the config.
	// Default: openRegistry
	RegistryFactory func(ctx context.Context, cfg config.Config) (sitesession.Registry, func(), error)

	// WebServerFactory creates the web API server.
	// Default: web.NewServer
	WebServerFactory func(addr string, handler http.Handler, logger *slog.Logger) Server

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer with the akauth metrics
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// RegionFetcher loads region configs for the region store.
	// Default: region.NewHTTPFetcher over the upstream client
	RegionFetcher region.Fetcher

	// SweepInterval is the period of the expired token sweep.
	// Default: defaultSweepInterval
	SweepInterval time.Duration
}

// Server interface wraps the methods used from web.Server.
type Server interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Server
	Metrics() *observability.Metrics
}

// Migrator interface wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (store.Status, error)
	Close() error
}
