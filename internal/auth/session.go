// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package auth

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/region"
)

// Session is an authenticated account context: the identity issued by the
// backend, the secret proving it, and the per-account sequence counter.
//
// A Session is created by a successful handshake or rebuilt from a persisted
// snapshot. The counter only moves forward through Next; uid and secret only
// change through Replace. All methods are safe for concurrent use.
type Session struct {
	mu      sync.Mutex
	uid     string
	secret  string
	seqnum  uint64
	region  region.Code
	invalid error
}

// NewSession creates a Session. seqnum is the last value used; a fresh login
// passes 0 so the first call sends 1.
func NewSession(uid, secret string, seqnum uint64, r region.Code) *Session {
	return &Session{
		uid:    uid,
		secret: secret,
		seqnum: seqnum,
		region: r,
	}
}

// Credentials are the header values of one authenticated call.
type Credentials struct {
	UID    string
	Secret string
	Seqnum uint64
	Region region.Code
}

// SeqnumHeader returns the seqnum formatted for the request header.
func (c Credentials) SeqnumHeader() string {
	return strconv.FormatUint(c.Seqnum, 10)
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	UID    string
	Secret string
	Seqnum uint64
	Region region.Code
	Valid  bool
}

// UID returns the backend account id.
func (s *Session) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// Secret returns the session secret.
func (s *Session) Secret() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secret
}

// Seqnum returns the last sequence number used.
func (s *Session) Seqnum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqnum
}

// Region returns the region the session was established in.
func (s *Session) Region() region.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// Next increments the counter and returns the credentials for one call.
// It fails without touching the counter when the session has no uid or has
// been invalidated.
func (s *Session) Next() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uid == "" {
		return Credentials{}, oops.Code(CodeNotAuthenticated).Wrap(ErrNotAuthenticated)
	}
	if s.invalid != nil {
		return Credentials{}, oops.Code(CodeSessionInvalid).
			With("uid", s.uid).
			Wrap(fmt.Errorf("%w: %w", ErrSessionInvalid, s.invalid))
	}

	s.seqnum++
	return Credentials{
		UID:    s.uid,
		Secret: s.secret,
		Seqnum: s.seqnum,
		Region: s.region,
	}, nil
}

// Invalidate marks the session unusable. The first cause is kept.
func (s *Session) Invalidate(cause error) {
	if cause == nil {
		cause = ErrSessionInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid == nil {
		s.invalid = cause
	}
}

// Err returns the invalidation cause, or nil while the session is usable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Valid reports whether the session can still make calls.
func (s *Session) Valid() bool {
	return s.Err() == nil
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		UID:    s.uid,
		Secret: s.secret,
		Seqnum: s.seqnum,
		Region: s.region,
		Valid:  s.invalid == nil,
	}
}

// Replace installs a new identity from a re-login. The counter restarts and
// the session becomes usable again.
func (s *Session) Replace(uid, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
	s.secret = secret
	s.seqnum = 0
	s.invalid = nil
}

// LogValue implements slog.LogValuer. The secret is never included.
func (s *Session) LogValue() slog.Value {
	snap := s.Snapshot()
	return slog.GroupValue(
		slog.String("uid", snap.UID),
		slog.String("region", string(snap.Region)),
		slog.Uint64("seqnum", snap.Seqnum),
		slog.Bool("valid", snap.Valid),
	)
}
