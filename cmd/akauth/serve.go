// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/config"
	"github.com/rhodeslab/akauth/internal/device"
	"github.com/rhodeslab/akauth/internal/logging"
	"github.com/rhodeslab/akauth/internal/observability"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
	"github.com/rhodeslab/akauth/internal/sitesession/postgres"
	"github.com/rhodeslab/akauth/internal/sitesession/redisstore"
	"github.com/rhodeslab/akauth/internal/store"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/internal/web"
	"github.com/rhodeslab/akauth/pkg/errutil"
)

const (
	defaultSweepInterval = 10 * time.Minute
	shutdownTimeout      = 5 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web API",
		Long: `Start the web API that logs users in, keeps their site sessions
and forwards authenticated game calls, plus the metrics and health server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServeWithDeps(ctx, cfg, cmd, nil)
		},
	}
}

// runServeWithDeps runs the service until ctx is done or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.RegistryFactory == nil {
		deps.RegistryFactory = openRegistry
	}
	if deps.WebServerFactory == nil {
		deps.WebServerFactory = func(addr string, handler http.Handler, logger *slog.Logger) Server {
			return web.NewServer(addr, handler, logger)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready,
				auth.RegisterMetrics,
				region.RegisterMetrics,
				web.RegisterMetrics,
			)
		}
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = defaultSweepInterval
	}

	if err := cfg.Validate(); err != nil {
		return oops.With("operation", "validate config").Wrap(err)
	}

	logger := logging.SetDefault("akauth", version, cfg.LogFormat, cfg.Level())
	logger.Info("starting akauth", "config", cfg)

	client := upstream.NewClient(
		upstream.WithTimeout(cfg.UpstreamTimeout),
		upstream.WithLogger(logger),
	)
	if deps.RegionFetcher == nil {
		deps.RegionFetcher = region.NewHTTPFetcher(client)
	}
	regions := region.NewStore(deps.RegionFetcher,
		region.WithRetries(cfg.RegionFetchRetries),
		region.WithLogger(logger),
	)
	handshake := auth.NewHandshake(client, regions, device.NewProvider(),
		auth.WithHandshakeLogger(logger),
		auth.WithLoginObserver(func(ctx context.Context, s *auth.Session) {
			logger.InfoContext(ctx, "user logged in", "uid", s.UID(), "region", string(s.Region()))
		}),
	)
	dispatcher, err := auth.NewDispatcher(client, regions, auth.WithDispatcherLogger(logger))
	if err != nil {
		return err
	}

	registry, closeRegistry, err := deps.RegistryFactory(ctx, cfg)
	if err != nil {
		return oops.With("token_store", cfg.TokenStore).Wrap(err)
	}
	defer closeRegistry()

	bridge, err := sitesession.NewBridge([]byte(cfg.SiteSecret), registry,
		sitesession.WithTTL(cfg.SessionTTL),
		sitesession.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	handler, err := web.NewHandler(handshake, dispatcher, bridge,
		web.WithAllowedEndpoints(cfg.AllowedEndpoints...),
		web.WithCookieSecure(cfg.CookieSecure),
		web.WithDefaultRegion(region.Code(cfg.DefaultRegion)),
		web.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool

	webServer := deps.WebServerFactory(cfg.ListenAddr, handler, logger)
	webErrCh, err := webServer.Start()
	if err != nil {
		return oops.With("operation", "start web server").Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, webErrCh, "web")

	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, ready.Load)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			stopServer(webServer, "web")
			return oops.With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		obsServer.Metrics().BuildInfo.WithLabelValues(version).Set(1)
	}

	go warmRegions(ctx, regions, logger)
	go sweepTokens(ctx, bridge, deps.SweepInterval, obsServer, logger)

	ready.Store(true)
	cmd.Printf("akauth listening on %s\n", webServer.Addr())
	logger.Info("akauth ready", "addr", webServer.Addr())

	<-ctx.Done()
	ready.Store(false)
	logger.Info("shutting down...")

	stopServer(webServer, "web")
	if obsServer != nil {
		stopServer(obsServer, "observability")
	}

	logger.Info("shutdown complete")
	return nil
}

// openRegistry opens the token registry selected by cfg.TokenStore.
func openRegistry(ctx context.Context, cfg config.Config) (sitesession.Registry, func(), error) {
	switch cfg.TokenStore {
	case config.TokenStoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, oops.Code("CONFIG_INVALID").With("key", "redis-url").Wrap(err)
		}
		rdb := redis.NewClient(opts)
		reg := redisstore.New(rdb, redisstore.DefaultPrefix)
		if err := reg.Ping(ctx); err != nil {
			_ = rdb.Close() //nolint:errcheck // ping error takes precedence
			return nil, nil, err
		}
		return reg, func() {
			if err := rdb.Close(); err != nil {
				slog.Warn("error closing redis client", "error", err)
			}
		}, nil
	case config.TokenStorePostgres:
		pool, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewRegistry(pool), pool.Close, nil
	default:
		return sitesession.NewMemoryRegistry(), func() {}, nil
	}
}

// warmRegions loads every region config so the first login does not pay
// for the fetch. Failures are retried lazily by the store.
func warmRegions(ctx context.Context, regions *region.Store, logger *slog.Logger) {
	for code, err := range regions.LoadAll(ctx) {
		errutil.LogErrorContext(ctx, logger.With("region", string(code)), slog.LevelWarn, "region config preload failed", err)
	}
}

// sweepTokens removes expired site tokens every interval until ctx is done.
func sweepTokens(ctx context.Context, bridge *sitesession.Bridge, interval time.Duration, obs ObservabilityServer, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := bridge.Sweep(ctx)
			if err != nil {
				errutil.LogErrorContext(ctx, logger, slog.LevelWarn, "site token sweep failed", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired site tokens removed", "count", n)
				if obs != nil {
					obs.Metrics().TokensSwept.Add(float64(n))
				}
			}
		}
	}
}

func stopServer(s Server, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping server", "server", name, "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when an error is received, the channel is closed, or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
