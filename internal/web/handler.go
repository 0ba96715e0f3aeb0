// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package web exposes login and authenticated game calls as a small
// cookie-based JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/logging"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/pkg/errutil"
)

// MaxRequestBytes bounds request bodies.
const MaxRequestBytes = 1 << 20

// HeaderRequestID carries the request id; one is generated when absent.
const HeaderRequestID = "X-Request-Id"

// Handshaker runs logins.
type Handshaker interface {
	RequestCode(ctx context.Context, email string, r region.Code) error
	Login(ctx context.Context, email, code string, r region.Code) (*auth.Session, error)
}

// Sender makes authenticated game calls.
type Sender interface {
	Send(ctx context.Context, endpoint string, s *auth.Session, body any, opts ...auth.SendOption) (*upstream.Response, error)
}

// SessionBridge persists sessions between requests.
type SessionBridge interface {
	Issue(ctx context.Context, s *auth.Session, extras sitesession.Extras) (sitesession.Token, sitesession.Payload, error)
	Resolve(ctx context.Context, token sitesession.Token, payload sitesession.Payload) (*auth.Session, sitesession.Extras, error)
	Advance(ctx context.Context, token sitesession.Token, s *auth.Session, extras sitesession.Extras) (sitesession.Payload, error)
	Revoke(ctx context.Context, token sitesession.Token) error
	TTL() time.Duration
}

// Option configures a Handler.
type Option func(*Handler) error

// WithAllowedEndpoints limits game calls to endpoints matching one of the
// glob patterns. Without it every endpoint is refused.
func WithAllowedEndpoints(patterns ...string) Option {
	return func(h *Handler) error {
		for _, p := range patterns {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return oops.Code("WEB_ENDPOINT_PATTERN_INVALID").With("pattern", p).Wrap(err)
			}
			h.allowed = append(h.allowed, g)
		}
		return nil
	}
}

// WithCookieSecure sets the Secure attribute on session cookies.
func WithCookieSecure(secure bool) Option {
	return func(h *Handler) error {
		h.cookieSecure = secure
		return nil
	}
}

// WithDefaultRegion sets the region used when a request names none.
func WithDefaultRegion(r region.Code) Option {
	return func(h *Handler) error {
		if !r.Valid() {
			return oops.Code(region.CodeUnknownRegion).With("region", string(r)).Wrap(region.ErrUnknownRegion)
		}
		h.defaultRegion = r
		return nil
	}
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) error {
		if l != nil {
			h.logger = l
		}
		return nil
	}
}

// Handler serves the JSON API.
type Handler struct {
	handshake     Handshaker
	sender        Sender
	bridge        SessionBridge
	allowed       []glob.Glob
	cookieSecure  bool
	defaultRegion region.Code
	logger        *slog.Logger
	mux           *http.ServeMux
}

// NewHandler creates a Handler.
func NewHandler(hs Handshaker, sender Sender, bridge SessionBridge, opts ...Option) (*Handler, error) {
	h := &Handler{
		handshake:     hs,
		sender:        sender,
		bridge:        bridge,
		cookieSecure:  true,
		defaultRegion: region.Default,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/code", h.handleRequestCode)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)
	mux.HandleFunc("POST /api/game/{endpoint...}", h.handleGame)
	h.mux = mux
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = ulid.Make().String()
	}
	w.Header().Set(HeaderRequestID, id)
	r = r.WithContext(logging.WithRequestID(r.Context(), id))

	_, route := h.mux.Handler(r)
	rec := &statusRecorder{ResponseWriter: w}
	start := time.Now()
	h.mux.ServeHTTP(rec, r)
	recordRequest(route, rec.code(), time.Since(start))
}

type codeRequest struct {
	Email  string `json:"email"`
	Region string `json:"region"`
}

type loginRequest struct {
	Email  string `json:"email"`
	Code   string `json:"code"`
	Region string `json:"region"`
}

type loginResponse struct {
	UID    string `json:"uid"`
	Region string `json:"region"`
}

func (h *Handler) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	code, ok := h.region(w, req.Region)
	if !ok {
		return
	}
	if err := h.handshake.RequestCode(r.Context(), req.Email, code); err != nil {
		h.fail(w, r, "login code request failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	code, ok := h.region(w, req.Region)
	if !ok {
		return
	}

	s, err := h.handshake.Login(r.Context(), req.Email, req.Code, code)
	if err != nil {
		h.fail(w, r, "login failed", err)
		return
	}

	token, payload, err := h.bridge.Issue(r.Context(), s, sitesession.Extras{YostarEmail: strings.TrimSpace(req.Email)})
	if err != nil {
		h.fail(w, r, "site session issue failed", err)
		return
	}

	h.setToken(w, token)
	h.setPayload(w, payload)
	writeJSON(w, http.StatusOK, loginResponse{UID: s.UID(), Region: string(s.Region())})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := credentials(r)
	if err := h.bridge.Revoke(r.Context(), token); err != nil {
		errutil.LogErrorContext(r.Context(), h.logger, slog.LevelWarn, "site session revoke failed", err)
	}
	h.clearCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleGame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpoint := r.PathValue("endpoint")

	token, payload := credentials(r)
	if token == "" || payload == "" {
		writeError(w, http.StatusUnauthorized, ErrCodeNotAuthenticated, "not authenticated")
		return
	}
	if !h.allowedEndpoint(endpoint) {
		writeError(w, http.StatusForbidden, ErrCodeEndpointNotAllowed, "endpoint is not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "request body could not be read")
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "request body is not JSON")
		return
	}

	s, extras, err := h.bridge.Resolve(ctx, token, payload)
	if err != nil {
		h.logger.DebugContext(ctx, "site session rejected", "error", err)
		h.clearCookies(w)
		writeError(w, http.StatusUnauthorized, ErrCodeNotAuthenticated, "not authenticated")
		return
	}
	before := s.Seqnum()

	resp, err := h.sender.Send(ctx, endpoint, s, json.RawMessage(body))
	if auth.IsSessionFatal(err) {
		if revokeErr := h.bridge.Revoke(ctx, token); revokeErr != nil {
			errutil.LogErrorContext(ctx, h.logger, slog.LevelWarn, "site session revoke failed", revokeErr)
		}
		h.clearCookies(w)
		SessionsExpired.Inc()
		h.logger.InfoContext(ctx, "session expired", "uid", s.UID(), "endpoint", endpoint)
		writeError(w, http.StatusUnauthorized, ErrCodeSessionExpired, sessionExpiredMessage)
		return
	}

	if s.Seqnum() != before && !h.persist(ctx, w, token, s, extras) {
		if revokeErr := h.bridge.Revoke(ctx, token); revokeErr != nil {
			errutil.LogErrorContext(ctx, h.logger, slog.LevelWarn, "site session revoke failed", revokeErr)
		}
		h.clearCookies(w)
		SessionsExpired.Inc()
		writeError(w, http.StatusServiceUnavailable, ErrCodeSessionUnsaved, sessionUnsavedMessage)
		return
	}

	if err != nil {
		h.fail(w, r, "game call failed", err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	//nolint:errcheck // client may have disconnected
	w.Write(resp.Body)
}

// persist writes the advanced payload back to the client. It reports false
// when the payload could not be signed; the client then holds a consumed
// seqnum and the session cannot continue.
func (h *Handler) persist(ctx context.Context, w http.ResponseWriter, token sitesession.Token, s *auth.Session, extras sitesession.Extras) bool {
	payload, err := h.bridge.Advance(ctx, token, s, extras)
	if err != nil {
		errutil.LogErrorContext(ctx, h.logger, slog.LevelError, "site session advance failed", err)
		return false
	}
	h.setPayload(w, payload)
	return true
}

func (h *Handler) allowedEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	for _, g := range h.allowed {
		if g.Match(endpoint) {
			return true
		}
	}
	return false
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxRequestBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "request body is not valid JSON")
		return false
	}
	return true
}

func (h *Handler) region(w http.ResponseWriter, s string) (region.Code, bool) {
	if strings.TrimSpace(s) == "" {
		return h.defaultRegion, true
	}
	code, err := region.Parse(s)
	if err != nil {
		status, body := errorResponse(err)
		writeJSON(w, status, body)
		return "", false
	}
	return code, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, body := errorResponse(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError && !upstreamFault(err) {
		level = slog.LevelError
	}
	errutil.LogErrorContext(r.Context(), h.logger, level, msg, err)
	writeJSON(w, status, body)
}

// upstreamFault reports whether err was caused by the game servers rather
// than by this service.
func upstreamFault(err error) bool {
	return errors.Is(err, upstream.ErrTimeout) ||
		errors.Is(err, upstream.ErrUnavailable) ||
		errors.Is(err, auth.ErrRequestRefused)
}
