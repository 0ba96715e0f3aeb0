// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/pkg/errutil"
)

// Upstream error identifiers that end a session.
var (
	rejectedErrors = map[string]bool{
		"invalid_secret": true,
	}
	desyncErrors = map[string]bool{
		"seqnum_mismatch": true,
		"invalid_seqnum":  true,
	}
)

// Authenticated request headers.
const (
	headerUID    = "uid"
	headerSecret = "secret"
	headerSeqnum = "seqnum"
)

type serviceRoute struct {
	pattern string
	matcher glob.Glob
	service string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	routes []routeSpec
	logger *slog.Logger
}

type routeSpec struct {
	pattern string
	service string
}

// WithServiceRoute sends endpoints matching pattern to service instead of
// the game server. Patterns use glob syntax with '/' as separator; the first
// matching route wins.
func WithServiceRoute(pattern, service string) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.routes = append(c.routes, routeSpec{pattern: pattern, service: service})
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// SendOption configures a single Send call.
type SendOption func(*sendConfig)

type sendConfig struct {
	region  region.Code
	service string
}

// WithRegion sends the call to r instead of the session's region.
func WithRegion(r region.Code) SendOption {
	return func(c *sendConfig) {
		c.region = r
	}
}

// WithService sends the call to service regardless of the configured routes.
func WithService(service string) SendOption {
	return func(c *sendConfig) {
		c.service = service
	}
}

// Dispatcher sends authenticated calls on behalf of a Session.
//
// Every call consumes exactly one sequence number. The number is taken under
// the session lock; the network call happens after the lock is released, so
// concurrent calls on one session send distinct numbers but may arrive in
// any order.
type Dispatcher struct {
	client  *upstream.Client
	configs ConfigSource
	routes  []serviceRoute
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. It fails if a route pattern does not
// compile.
func NewDispatcher(client *upstream.Client, configs ConfigSource, opts ...DispatcherOption) (*Dispatcher, error) {
	cfg := dispatcherConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	routes := make([]serviceRoute, 0, len(cfg.routes))
	for _, spec := range cfg.routes {
		g, err := glob.Compile(spec.pattern, '/')
		if err != nil {
			return nil, oops.Code("AUTH_ROUTE_INVALID").
				With("pattern", spec.pattern).
				Wrap(err)
		}
		routes = append(routes, serviceRoute{pattern: spec.pattern, matcher: g, service: spec.service})
	}

	return &Dispatcher{
		client:  client,
		configs: configs,
		routes:  routes,
		logger:  cfg.logger,
	}, nil
}

// ServiceFor returns the service an endpoint is routed to.
func (d *Dispatcher) ServiceFor(endpoint string) string {
	endpoint = strings.Trim(endpoint, "/")
	for _, r := range d.routes {
		if r.matcher.Match(endpoint) {
			return r.service
		}
	}
	return region.ServiceGame
}

// Send makes one authenticated call and returns the raw upstream response.
//
// Non-2xx answers are returned as responses unless they mean the session is
// no longer accepted; in that case the session is invalidated and the error
// wraps ErrUpstreamAuthRejected or ErrSequenceDesync. A transport failure
// after the sequence number was taken leaves it consumed.
func (d *Dispatcher) Send(ctx context.Context, endpoint string, s *Session, body any, opts ...SendOption) (resp *upstream.Response, err error) {
	var sc sendConfig
	for _, opt := range opts {
		opt(&sc)
	}

	if s == nil || s.UID() == "" {
		return nil, oops.Code(CodeNotAuthenticated).
			With("endpoint", endpoint).
			Wrap(ErrNotAuthenticated)
	}
	if cause := s.Err(); cause != nil {
		return nil, oops.Code(CodeSessionInvalid).
			With("endpoint", endpoint).
			With("uid", s.UID()).
			Wrap(fmt.Errorf("%w: %w", ErrSessionInvalid, cause))
	}

	r := sc.region
	if r == "" {
		r = s.Region()
	}
	service := sc.service
	if service == "" {
		service = d.ServiceFor(endpoint)
	}

	ctx, span := tracer.Start(ctx, "auth.dispatch",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("service", service),
			attribute.String("region", string(r)),
		))
	start := time.Now()
	status := StatusSuccess
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		RecordDispatch(service, status, time.Since(start))
	}()

	url, err := d.resolve(ctx, r, service, endpoint)
	if err != nil {
		status = StatusNoRegionConf
		return nil, err
	}

	creds, err := s.Next()
	if err != nil {
		status = StatusInvalid
		return nil, err
	}
	span.SetAttributes(attribute.Int64("seqnum", int64(creds.Seqnum))) //nolint:gosec // seqnum stays far below MaxInt64

	header := http.Header{}
	header.Set(headerUID, creds.UID)
	header.Set(headerSecret, creds.Secret)
	header.Set(headerSeqnum, creds.SeqnumHeader())

	resp, err = d.client.PostJSON(ctx, url, header, body)
	if err != nil {
		status = StatusUnavailable
		if errors.Is(err, upstream.ErrTimeout) {
			status = StatusTimeout
		}
		wrapped := oops.With("endpoint", endpoint).
			With("uid", creds.UID).
			With("seqnum", creds.Seqnum).
			Wrap(err)
		errutil.LogErrorContext(ctx, d.logger, slog.LevelWarn, "authenticated call failed", wrapped)
		return nil, wrapped
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if fatal := classify(resp); fatal != nil {
		status = StatusRejected
		if errors.Is(fatal, ErrSequenceDesync) {
			status = StatusDesync
		}
		wrapped := oops.With("endpoint", endpoint).
			With("uid", creds.UID).
			With("seqnum", creds.Seqnum).
			With("status", resp.StatusCode).
			Wrap(fatal)
		s.Invalidate(wrapped)
		errutil.LogErrorContext(ctx, d.logger, slog.LevelWarn, "session ended by upstream", wrapped)
		return nil, wrapped
	}

	if !resp.OK() {
		status = StatusUpstreamErr
	}
	d.logger.DebugContext(ctx, "authenticated call",
		"endpoint", endpoint,
		"uid", creds.UID,
		"seqnum", creds.Seqnum,
		"status", resp.StatusCode,
	)
	return resp, nil
}

func (d *Dispatcher) resolve(ctx context.Context, r region.Code, service, endpoint string) (string, error) {
	cfg, err := d.configs.Get(ctx, r)
	if err != nil {
		return "", err
	}
	base, ok := cfg.Domain(service)
	if !ok {
		return "", missingDomain(r, service)
	}
	return upstream.JoinURL(base, endpoint), nil
}

// classify returns a fatal error when resp says the session is no longer
// accepted, or nil otherwise. The error identifier is honored on any status.
func classify(resp *upstream.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	// Bodies that are not JSON objects carry no error identifier.
	_ = resp.Decode(&body) //nolint:errcheck // best effort

	ident := strings.ToLower(strings.TrimSpace(body.Error))
	switch {
	case desyncErrors[ident]:
		return oops.Code(CodeSequenceDesync).
			With("upstream_error", ident).
			Wrap(ErrSequenceDesync)
	case rejectedErrors[ident], resp.StatusCode == http.StatusUnauthorized:
		return oops.Code(CodeUpstreamRejected).
			With("upstream_error", ident).
			Wrap(ErrUpstreamAuthRejected)
	default:
		return nil
	}
}
