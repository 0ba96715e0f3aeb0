// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package sitesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/region"
)

// Issuer is the iss claim of every payload.
const Issuer = "akauth"

// DefaultTTL is how long an issued site token stays valid.
const DefaultTTL = 7 * 24 * time.Hour

const sessionClaim = "ses"

// Extras is site-side state stored next to the game session. Extras
// returned by Resolve also carry the verified registry binding, which lets
// Advance re-sign without another registry round trip.
type Extras struct {
	YostarEmail string
	YSSID       string
	YSSIDSig    string

	bound binding
}

// binding is the registry record a payload was verified against.
type binding struct {
	hash      string
	uid       string
	expiresAt time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(b *Bridge) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// Bridge persists game sessions between HTTP requests as an opaque token
// plus a signed payload.
type Bridge struct {
	key      []byte
	registry Registry
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewBridge creates a Bridge signing with a key derived from secret.
func NewBridge(secret []byte, registry Registry, opts ...Option) (*Bridge, error) {
	if registry == nil {
		return nil, oops.Code("SITE_REGISTRY_REQUIRED").Errorf("registry is required")
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		key:      key,
		registry: registry,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Issue registers a new site token for s and returns it with the first payload.
func (b *Bridge) Issue(ctx context.Context, s *auth.Session, extras Extras) (Token, Payload, error) {
	if s == nil || s.UID() == "" {
		return "", "", notAuthenticated("no session", nil)
	}
	if err := s.Err(); err != nil {
		return "", "", notAuthenticated("session invalid", err)
	}

	token, hash, err := GenerateToken()
	if err != nil {
		return "", "", err
	}

	rec, err := NewRecord(hash, s.UID(), s.Region(), b.now().Add(b.ttl))
	if err != nil {
		return "", "", err
	}
	if err := b.registry.Register(ctx, rec); err != nil {
		return "", "", oops.Code("SITE_REGISTER_FAILED").With("uid", rec.UID).Wrap(err)
	}

	payload, err := b.sign(hash, rec.ExpiresAt, s.Snapshot(), extras)
	if err != nil {
		return "", "", err
	}

	b.logger.DebugContext(ctx, "site session issued",
		"uid", rec.UID, "region", string(rec.Region), "record_id", rec.ID.String())
	return token, payload, nil
}

// Resolve rebuilds the session carried by payload. Every failure is reported
// as auth.ErrNotAuthenticated.
func (b *Bridge) Resolve(ctx context.Context, token Token, payload Payload) (*auth.Session, Extras, error) {
	if token == "" || payload == "" {
		return nil, Extras{}, notAuthenticated("missing token", nil)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(string(payload), claims, b.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.now),
		jwt.WithJSONNumber(),
	)
	if err != nil {
		return nil, Extras{}, notAuthenticated("bad payload", err)
	}

	jti, _ := claims["jti"].(string)
	if !VerifyToken(token, jti) {
		return nil, Extras{}, notAuthenticated("payload not bound to token", nil)
	}

	rec, err := b.registry.Lookup(ctx, jti)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.logger.WarnContext(ctx, "site registry lookup failed", "error", err)
		}
		return nil, Extras{}, notAuthenticated("token revoked", err)
	}

	snap, err := decodeSnapshot(claims[sessionClaim])
	if err != nil {
		return nil, Extras{}, notAuthenticated("bad snapshot", err)
	}
	if snap.UID != rec.UID {
		return nil, Extras{}, notAuthenticated("uid mismatch", nil)
	}

	s := auth.NewSession(snap.UID, snap.Secret, snap.Seqnum, snap.Region)
	return s, Extras{
		YostarEmail: snap.YostarEmail,
		YSSID:       snap.YSSID,
		YSSIDSig:    snap.YSSIDSig,
		bound:       binding{hash: rec.TokenHash, uid: rec.UID, expiresAt: rec.ExpiresAt},
	}, nil
}

// Advance signs a new payload for token carrying the current state of s.
// Callers persist it after every call that consumed a sequence number.
//
// When extras come from Resolve for the same token the registry is not
// consulted again; otherwise the record is looked up first.
func (b *Bridge) Advance(ctx context.Context, token Token, s *auth.Session, extras Extras) (Payload, error) {
	if token == "" || s == nil {
		return "", notAuthenticated("missing token", nil)
	}

	hash := HashToken(token)
	bound := extras.bound
	if bound.hash != hash {
		rec, err := b.registry.Lookup(ctx, hash)
		if err != nil {
			return "", notAuthenticated("token revoked", err)
		}
		bound = binding{hash: hash, uid: rec.UID, expiresAt: rec.ExpiresAt}
	}

	snap := s.Snapshot()
	if snap.UID != bound.uid {
		return "", notAuthenticated("uid mismatch", nil)
	}
	return b.sign(hash, bound.expiresAt, snap, extras)
}

// Revoke drops the registry entry of token. Revoking twice is not an error.
func (b *Bridge) Revoke(ctx context.Context, token Token) error {
	if token == "" {
		return nil
	}
	if err := b.registry.Revoke(ctx, HashToken(token)); err != nil {
		return oops.Code("SITE_REVOKE_FAILED").Wrap(err)
	}
	return nil
}

// Sweep removes expired registry records.
func (b *Bridge) Sweep(ctx context.Context) (int64, error) {
	n, err := b.registry.DeleteExpired(ctx)
	if err != nil {
		return 0, oops.Code("SITE_SWEEP_FAILED").Wrap(err)
	}
	if n > 0 {
		b.logger.InfoContext(ctx, "expired site sessions removed", "count", n)
	}
	return n, nil
}

// TTL returns the lifetime of issued tokens.
func (b *Bridge) TTL() time.Duration {
	return b.ttl
}

func (b *Bridge) sign(hash string, expiresAt time.Time, snap auth.Snapshot, extras Extras) (Payload, error) {
	claims := jwt.MapClaims{
		"iss": Issuer,
		"jti": hash,
		"iat": b.now().Unix(),
		"exp": expiresAt.Unix(),
		sessionClaim: snapshot{
			UID:         snap.UID,
			Secret:      snap.Secret,
			Seqnum:      snap.Seqnum,
			Region:      snap.Region,
			YostarEmail: extras.YostarEmail,
			YSSID:       extras.YSSID,
			YSSIDSig:    extras.YSSIDSig,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
	if err != nil {
		return "", oops.Code("SITE_SIGN_FAILED").Wrap(err)
	}
	return Payload(signed), nil
}

func (b *Bridge) keyFunc(*jwt.Token) (any, error) {
	return b.key, nil
}

func decodeSnapshot(raw any) (snapshot, error) {
	if raw == nil {
		return snapshot{}, errors.New("session claim missing")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return snapshot{}, fmt.Errorf("encode session claim: %w", err)
	}
	if err := validateSnapshot(data); err != nil {
		return snapshot{}, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("decode session claim: %w", err)
	}
	if !snap.Region.Valid() {
		return snapshot{}, region.ErrUnknownRegion
	}
	return snap, nil
}

func notAuthenticated(reason string, cause error) error {
	err := auth.ErrNotAuthenticated
	if cause != nil {
		err = fmt.Errorf("%w: %w", auth.ErrNotAuthenticated, cause)
	}
	return oops.Code(auth.CodeNotAuthenticated).With("reason", reason).Wrap(err)
}
