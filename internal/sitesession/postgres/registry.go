// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package postgres provides a PostgreSQL-backed site token registry.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
)

// poolIface is the subset of *pgxpool.Pool used by Registry.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry implements sitesession.Registry on the site_tokens table.
type Registry struct {
	pool poolIface
	now  func() time.Time
}

// NewRegistry creates a Registry using pool.
func NewRegistry(pool poolIface) *Registry {
	return &Registry{pool: pool, now: time.Now}
}

// Compile-time interface check.
var _ sitesession.Registry = (*Registry)(nil)

// Register implements sitesession.Registry.
func (r *Registry) Register(ctx context.Context, rec sitesession.Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO site_tokens (id, token_hash, uid, region, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		rec.ID.String(),
		rec.TokenHash,
		rec.UID,
		string(rec.Region),
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("SITE_RECORD_DUPLICATE").
				With("record_id", rec.ID.String()).
				Wrap(sitesession.ErrDuplicate)
		}
		return oops.Code("SITE_RECORD_REGISTER_FAILED").
			With("operation", "insert site_token").
			With("record_id", rec.ID.String()).
			Wrap(err)
	}
	return nil
}

// Lookup implements sitesession.Registry.
func (r *Registry) Lookup(ctx context.Context, tokenHash string) (sitesession.Record, error) {
	var (
		idStr     string
		uid       string
		regionStr string
		createdAt time.Time
		expiresAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, uid, region, created_at, expires_at
		FROM site_tokens
		WHERE token_hash = $1 AND expires_at > $2
	`, tokenHash, r.now()).Scan(&idStr, &uid, &regionStr, &createdAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return sitesession.Record{}, oops.Code("SITE_RECORD_NOT_FOUND").Wrap(sitesession.ErrNotFound)
	}
	if err != nil {
		return sitesession.Record{}, oops.Code("SITE_RECORD_LOOKUP_FAILED").
			With("operation", "select site_token").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return sitesession.Record{}, oops.Code("SITE_RECORD_CORRUPT").
			With("operation", "parse record id").
			With("id", idStr).
			Wrap(err)
	}

	return sitesession.Record{
		ID:        id,
		TokenHash: tokenHash,
		UID:       uid,
		Region:    region.Code(regionStr),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Revoke implements sitesession.Registry.
func (r *Registry) Revoke(ctx context.Context, tokenHash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM site_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return oops.Code("SITE_RECORD_REVOKE_FAILED").
			With("operation", "delete site_token").
			Wrap(err)
	}
	return nil
}

// DeleteExpired implements sitesession.Registry.
func (r *Registry) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM site_tokens WHERE expires_at <= $1`, r.now())
	if err != nil {
		return 0, oops.Code("SITE_RECORD_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired site_tokens").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}
