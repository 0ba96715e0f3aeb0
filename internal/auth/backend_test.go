// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package auth_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/device"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/upstream"
)

// Upstream paths served by fakeBackend.
const (
	pathRequestCode = "/passport/account/yostar_auth_request"
	pathSubmit      = "/passport/account/yostar_auth_submit"
	pathCreateLogin = "/passport/user/yostar_createlogin"
	pathCreateGuest = "/passport/user/create"
	pathPassport    = "/passport/user/login"
	pathDeviceToken = "/u8/user/v1/getToken"
	pathSecret      = "/gs/account/login"
)

// testIdentity is the device identity used by every handshake test.
var testIdentity = device.Identity{
	DeviceID:  "0f3c3e7e-1c1d-4b7a-9d55-2f1b1f9f0a11",
	DeviceID2: "861234567890123",
	DeviceID3: "9a0e5f2c-7b63-4d3f-8a4b-1e2d3c4b5a69",
}

type recordedRequest struct {
	Path   string
	Header http.Header
	Body   map[string]any
}

// fakeBackend emulates the identity provider, device token, and game
// servers on one httptest server.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	requests  []recordedRequest
	overrides map[string]http.HandlerFunc
	game      http.HandlerFunc

	// lastSeq is the highest seqnum accepted per uid when rejectStale is set.
	rejectStale bool
	lastSeq     map[string]uint64
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:         t,
		overrides: make(map[string]http.HandlerFunc),
		lastSeq:   make(map[string]uint64),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) URL() string { return b.srv.URL }

// override replaces the handler of one path.
func (b *fakeBackend) override(path string, h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[path] = h
}

// onGame replaces the handler of authenticated game calls.
func (b *fakeBackend) onGame(h http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.game = h
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	b.mu.Lock()
	b.requests = append(b.requests, recordedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	h, ok := b.overrides[r.URL.Path]
	game := b.game
	b.mu.Unlock()

	if ok {
		h(w, r)
		return
	}

	switch r.URL.Path {
	case pathRequestCode:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0})
	case pathSubmit:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "yostar_uid": "y1", "yostar_token": "yt1"})
	case pathCreateLogin:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "uid": 100200, "token": "ct1"})
	case pathCreateGuest:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "uid": 300400, "token": "gt1"})
	case pathPassport:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "accessToken": "at1"})
	case pathDeviceToken:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "uid": "u1", "token": "dt1"})
	case pathSecret:
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "secret": "s1"})
	default:
		if !strings.HasPrefix(r.URL.Path, "/gs/") && !strings.HasPrefix(r.URL.Path, "/as/") {
			http.NotFound(w, r)
			return
		}
		if b.rejectStale && !b.acceptSeqnum(r) {
			writeJSON(w, http.StatusOK, map[string]any{"error": "seqnum_mismatch"})
			return
		}
		if game != nil {
			game(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": 0, "path": r.URL.Path})
	}
}

// acceptSeqnum enforces strictly increasing seqnums per uid.
func (b *fakeBackend) acceptSeqnum(r *http.Request) bool {
	seq, err := strconv.ParseUint(r.Header.Get("seqnum"), 10, 64)
	if err != nil {
		return false
	}
	uid := r.Header.Get("uid")
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.lastSeq[uid] {
		return false
	}
	b.lastSeq[uid] = seq
	return true
}

// paths returns the request paths in arrival order.
func (b *fakeBackend) paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.requests))
	for _, r := range b.requests {
		out = append(out, r.Path)
	}
	return out
}

// count returns how many requests hit path.
func (b *fakeBackend) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// last returns the most recent request to path.
func (b *fakeBackend) last(path string) recordedRequest {
	b.t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.requests) - 1; i >= 0; i-- {
		if b.requests[i].Path == path {
			return b.requests[i]
		}
	}
	b.t.Fatalf("no request to %s", path)
	return recordedRequest{}
}

// gameSeqnums returns the seqnum headers of authenticated game calls.
func (b *fakeBackend) gameSeqnums() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uint64
	for _, r := range b.requests {
		if r.Path == pathSecret || (!strings.HasPrefix(r.Path, "/gs/") && !strings.HasPrefix(r.Path, "/as/")) {
			continue
		}
		seq, err := strconv.ParseUint(r.Header.Get("seqnum"), 10, 64)
		require.NoError(b.t, err)
		out = append(out, seq)
	}
	return out
}

func (b *fakeBackend) regionConfig() region.Config {
	return region.Config{
		ResourceVersion: "24-02-02-res",
		ClientVersion:   "2.2.01",
		NetworkDomains: map[string]string{
			region.ServiceGame:    b.srv.URL + "/gs",
			region.ServiceAccount: b.srv.URL + "/as",
			region.ServiceU8:      b.srv.URL + "/u8",
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// staticConfigs serves fixed region configs.
type staticConfigs struct {
	mu      sync.Mutex
	configs map[region.Code]region.Config
	err     error
	calls   int
}

func (s *staticConfigs) Get(_ context.Context, code region.Code) (region.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return region.Config{}, s.err
	}
	cfg, ok := s.configs[code]
	if !ok {
		return region.Config{}, region.ErrConfigUnavailable
	}
	return cfg.Clone(), nil
}

func configsFor(b *fakeBackend, codes ...region.Code) *staticConfigs {
	if len(codes) == 0 {
		codes = region.All
	}
	m := make(map[region.Code]region.Config, len(codes))
	for _, c := range codes {
		m[c] = b.regionConfig()
	}
	return &staticConfigs{configs: m}
}

func newTestClient(timeout time.Duration) *upstream.Client {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return upstream.NewClient(upstream.WithTimeout(timeout))
}

// newTestHandshake wires a handshake against b with every supported region's
// passport pointed at the fake backend.
func newTestHandshake(b *fakeBackend, configs auth.ConfigSource, opts ...auth.HandshakeOption) *auth.Handshake {
	return newTestHandshakeWithClient(b, newTestClient(0), configs, opts...)
}

func newTestHandshakeWithClient(b *fakeBackend, client *upstream.Client, configs auth.ConfigSource, opts ...auth.HandshakeOption) *auth.Handshake {
	base := []auth.HandshakeOption{
		auth.WithPassportURL(region.EN, b.URL()+"/passport"),
		auth.WithPassportURL(region.JP, b.URL()+"/passport"),
		auth.WithPassportURL(region.KR, b.URL()+"/passport"),
	}
	return auth.NewHandshake(client, configs, device.NewProviderWithIdentity(testIdentity), append(base, opts...)...)
}

func newTestDispatcher(t *testing.T, configs auth.ConfigSource, opts ...auth.DispatcherOption) *auth.Dispatcher {
	t.Helper()
	d, err := auth.NewDispatcher(newTestClient(0), configs, opts...)
	require.NoError(t, err)
	return d
}
