// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package sitesession

import (
	"crypto/sha256"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest site secret accepted by DeriveKey.
const MinSecretLength = 16

const (
	keyInfo  = "akauth site session v1"
	keyBytes = 32
)

// DeriveKey derives the payload signing key from the configured site secret.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, oops.Code("SITE_SECRET_TOO_SHORT").
			With("min_length", MinSecretLength).
			With("length", len(secret)).
			Errorf("site secret must be at least %d bytes", MinSecretLength)
	}

	key := make([]byte, keyBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, oops.Code("SITE_KEY_DERIVE_FAILED").Wrap(err)
	}
	return key, nil
}
