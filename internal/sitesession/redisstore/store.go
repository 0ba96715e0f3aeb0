// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package redisstore provides a Redis-backed site token registry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/sitesession"
)

// DefaultPrefix namespaces registry keys.
const DefaultPrefix = "akauth:site"

// entry is the stored form of a record.
type entry struct {
	ID        string `json:"id"`
	UID       string `json:"uid"`
	Region    string `json:"region"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Registry stores records as JSON strings that expire with the token.
type Registry struct {
	redis  redis.Cmdable
	prefix string
}

// New creates a Registry. An empty prefix uses DefaultPrefix.
func New(rdb redis.Cmdable, prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{redis: rdb, prefix: prefix}
}

// Compile-time interface check.
var _ sitesession.Registry = (*Registry)(nil)

func (r *Registry) key(tokenHash string) string {
	return r.prefix + ":" + tokenHash
}

// Register implements sitesession.Registry.
func (r *Registry) Register(ctx context.Context, rec sitesession.Record) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return oops.Code("SITE_RECORD_EXPIRED").
			With("record_id", rec.ID.String()).
			Errorf("record already expired")
	}

	data, err := json.Marshal(entry{
		ID:        rec.ID.String(),
		UID:       rec.UID,
		Region:    string(rec.Region),
		CreatedAt: rec.CreatedAt.UnixMilli(),
		ExpiresAt: rec.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return oops.Code("SITE_RECORD_ENCODE_FAILED").Wrap(err)
	}

	ok, err := r.redis.SetNX(ctx, r.key(rec.TokenHash), data, ttl).Result()
	if err != nil {
		return oops.Code("SITE_RECORD_REGISTER_FAILED").
			With("record_id", rec.ID.String()).
			Wrap(err)
	}
	if !ok {
		return oops.Code("SITE_RECORD_DUPLICATE").
			With("record_id", rec.ID.String()).
			Wrap(sitesession.ErrDuplicate)
	}
	return nil
}

// Lookup implements sitesession.Registry.
func (r *Registry) Lookup(ctx context.Context, tokenHash string) (sitesession.Record, error) {
	data, err := r.redis.Get(ctx, r.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sitesession.Record{}, oops.Code("SITE_RECORD_NOT_FOUND").Wrap(sitesession.ErrNotFound)
		}
		return sitesession.Record{}, oops.Code("SITE_RECORD_LOOKUP_FAILED").Wrap(err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return sitesession.Record{}, oops.Code("SITE_RECORD_CORRUPT").Wrap(err)
	}
	id, err := ulid.Parse(e.ID)
	if err != nil {
		return sitesession.Record{}, oops.Code("SITE_RECORD_CORRUPT").With("id", e.ID).Wrap(err)
	}

	return sitesession.Record{
		ID:        id,
		TokenHash: tokenHash,
		UID:       e.UID,
		Region:    region.Code(e.Region),
		CreatedAt: time.UnixMilli(e.CreatedAt),
		ExpiresAt: time.UnixMilli(e.ExpiresAt),
	}, nil
}

// Revoke implements sitesession.Registry.
func (r *Registry) Revoke(ctx context.Context, tokenHash string) error {
	if err := r.redis.Del(ctx, r.key(tokenHash)).Err(); err != nil {
		return oops.Code("SITE_RECORD_REVOKE_FAILED").Wrap(err)
	}
	return nil
}

// DeleteExpired implements sitesession.Registry. Redis expires keys on its
// own, so there is never anything to remove.
func (r *Registry) DeleteExpired(context.Context) (int64, error) {
	return 0, nil
}

// Ping checks connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return oops.Code("SITE_REGISTRY_UNAVAILABLE").Wrap(err)
	}
	return nil
}
