// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package sitesession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/region"
)

// ErrNotFound is returned when a token hash is not registered or has expired.
var ErrNotFound = errors.New("site token not found")

// ErrDuplicate is returned when a token hash is registered twice.
var ErrDuplicate = errors.New("site token already registered")

// Record is the server-side entry of an issued site token.
type Record struct {
	ID        ulid.ULID
	TokenHash string
	UID       string
	Region    region.Code
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewRecord creates a validated Record expiring at expiresAt.
func NewRecord(tokenHash, uid string, r region.Code, expiresAt time.Time) (Record, error) {
	if tokenHash == "" {
		return Record{}, oops.Code("SITE_RECORD_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if uid == "" {
		return Record{}, oops.Code("SITE_RECORD_INVALID_UID").Errorf("uid cannot be empty")
	}
	if expiresAt.IsZero() {
		return Record{}, oops.Code("SITE_RECORD_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}
	return Record{
		ID:        ulid.Make(),
		TokenHash: tokenHash,
		UID:       uid,
		Region:    r,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}, nil
}

// IsExpiredAt returns true if the record would be expired at t.
func (r Record) IsExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// Registry tracks which site tokens are live.
type Registry interface {
	// Register stores a new record. Registering an existing hash fails
	// with ErrDuplicate.
	Register(ctx context.Context, rec Record) error

	// Lookup returns the live record for a token hash, or ErrNotFound.
	Lookup(ctx context.Context, tokenHash string) (Record, error)

	// Revoke removes a record. Revoking an unknown hash is not an error.
	Revoke(ctx context.Context, tokenHash string) error

	// DeleteExpired removes expired records and returns how many were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// Register implements Registry.
func (m *MemoryRegistry) Register(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.TokenHash]; ok {
		return oops.Code("SITE_RECORD_DUPLICATE").
			With("record_id", rec.ID.String()).
			Wrap(ErrDuplicate)
	}
	m.records[rec.TokenHash] = rec
	return nil
}

// Lookup implements Registry.
func (m *MemoryRegistry) Lookup(_ context.Context, tokenHash string) (Record, error) {
	m.mu.RLock()
	rec, ok := m.records[tokenHash]
	m.mu.RUnlock()
	if !ok || rec.IsExpiredAt(m.now()) {
		return Record{}, oops.Code("SITE_RECORD_NOT_FOUND").Wrap(ErrNotFound)
	}
	return rec, nil
}

// Revoke implements Registry.
func (m *MemoryRegistry) Revoke(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tokenHash)
	return nil
}

// DeleteExpired implements Registry.
func (m *MemoryRegistry) DeleteExpired(_ context.Context) (int64, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for hash, rec := range m.records {
		if rec.IsExpiredAt(now) {
			delete(m.records, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired ones included.
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
