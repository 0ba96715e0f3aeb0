// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package region

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/pkg/errutil"
)

// Default store configuration values.
const (
	defaultFetchRetries = 2
	defaultRetryBase    = 200 * time.Millisecond
)

// Fetcher loads a region's metadata from the backend.
type Fetcher interface {
	Fetch(ctx context.Context, code Code) (Config, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, code Code) (Config, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, code Code) (Config, error) {
	return f(ctx, code)
}

// StoreOption configures Store behavior.
type StoreOption func(*storeConfig)

type storeConfig struct {
	retries   uint64
	retryBase time.Duration
	logger    *slog.Logger
}

// WithRetries sets how many times a transient fetch failure is retried.
func WithRetries(n uint64) StoreOption {
	return func(c *storeConfig) {
		c.retries = n
	}
}

// WithRetryBase sets the initial backoff between fetch attempts.
func WithRetryBase(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		if d > 0 {
			c.retryBase = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Store caches region metadata for the process.
//
// Cache hits take only a read lock. A miss triggers one fetch per region no
// matter how many callers are waiting on it; misses for different regions
// run independently. Failed fetches leave no entry behind.
type Store struct {
	fetcher Fetcher
	cfg     storeConfig

	mu          sync.RWMutex
	entries     map[Code]Config
	generations map[Code]uint64

	flights singleflight.Group
}

// NewStore creates an empty Store backed by fetcher.
func NewStore(fetcher Fetcher, opts ...StoreOption) *Store {
	cfg := storeConfig{
		retries:   defaultFetchRetries,
		retryBase: defaultRetryBase,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		fetcher:     fetcher,
		cfg:         cfg,
		entries:     make(map[Code]Config),
		generations: make(map[Code]uint64),
	}
}

// Get returns the cached config for code, fetching it first if needed.
// Waiting callers honor ctx; the shared fetch itself keeps running for the
// other waiters when one of them gives up.
func (s *Store) Get(ctx context.Context, code Code) (Config, error) {
	if !code.Valid() {
		return Config{}, oops.Code(CodeUnknownRegion).
			With("region", string(code)).
			Wrap(ErrUnknownRegion)
	}

	if cfg, ok := s.lookup(code); ok {
		return cfg, nil
	}

	ch := s.flights.DoChan(string(code), func() (any, error) {
		return s.load(context.WithoutCancel(ctx), code)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Config{}, res.Err
		}
		cfg, _ := res.Val.(Config)
		return cfg.Clone(), nil
	case <-ctx.Done():
		return Config{}, oops.Code(CodeConfigUnavailable).
			With("region", string(code)).
			Wrap(fmt.Errorf("%w: %w", ErrConfigUnavailable, ctx.Err()))
	}
}

// Cached returns the entry for code without fetching.
func (s *Store) Cached(code Code) (Config, bool) {
	return s.lookup(code)
}

// Invalidate drops the entry for code so the next Get refetches it.
func (s *Store) Invalidate(code Code) {
	s.mu.Lock()
	delete(s.entries, code)
	s.generations[code]++
	s.mu.Unlock()
	s.flights.Forget(string(code))

	s.cfg.logger.Info("region config invalidated", "region", string(code))
}

// InvalidateAll drops every entry.
func (s *Store) InvalidateAll() {
	for _, code := range All {
		s.Invalidate(code)
	}
}

// LoadAll fetches every region concurrently and returns the failures keyed
// by region. Regions that loaded successfully stay cached.
func (s *Store) LoadAll(ctx context.Context) map[Code]error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[Code]error)
	)
	for _, code := range All {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Get(ctx, code); err != nil {
				mu.Lock()
				errs[code] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

func (s *Store) lookup(code Code) (Config, bool) {
	s.mu.RLock()
	cfg, ok := s.entries[code]
	s.mu.RUnlock()
	if !ok {
		return Config{}, false
	}
	return cfg.Clone(), true
}

func (s *Store) load(ctx context.Context, code Code) (Config, error) {
	s.mu.RLock()
	cfg, ok := s.entries[code]
	generation := s.generations[code]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	start := time.Now()
	backoff := retry.WithMaxRetries(s.cfg.retries, retry.NewExponential(s.cfg.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetched, fetchErr := s.fetcher.Fetch(ctx, code)
		if fetchErr != nil {
			if upstream.IsTransient(fetchErr) {
				return retry.RetryableError(fetchErr)
			}
			return fetchErr
		}
		if validateErr := fetched.Validate(); validateErr != nil {
			return validateErr
		}
		cfg = fetched
		return nil
	})
	if err != nil {
		recordFetch(code, statusFailure)
		wrapped := oops.Code(CodeConfigUnavailable).
			With("region", string(code)).
			With("duration", time.Since(start)).
			Wrap(fmt.Errorf("%w: %w", ErrConfigUnavailable, err))
		errutil.LogErrorContext(ctx, s.cfg.logger, slog.LevelWarn, "region config load failed", wrapped)
		return Config{}, wrapped
	}

	s.mu.Lock()
	if s.generations[code] == generation {
		s.entries[code] = cfg
	}
	s.mu.Unlock()

	recordFetch(code, statusSuccess)
	recordLoaded(code, time.Now())
	s.cfg.logger.InfoContext(ctx, "region config loaded",
		"region", string(code),
		"resource_version", cfg.ResourceVersion,
		"client_version", cfg.ClientVersion,
		"domains", len(cfg.NetworkDomains),
	)
	return cfg, nil
}
