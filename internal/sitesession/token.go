// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package sitesession

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/samber/oops"
)

// TokenBytes is the size of a site token before hex encoding.
const TokenBytes = 32 // 64 hex chars

// Token is the opaque value handed to the client alongside the payload.
// Only its hash is stored server side.
type Token string

// Payload is the signed session snapshot carried by the client.
type Payload string

// GenerateToken creates a random site token and its hash.
// The plaintext token is sent to the client; the hash is stored in the registry.
func GenerateToken() (token Token, hash string, err error) {
	buf := make([]byte, TokenBytes)
	if _, err = rand.Read(buf); err != nil {
		return "", "", oops.Code("SITE_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", TokenBytes).
			Wrap(err)
	}

	token = Token(hex.EncodeToString(buf))
	return token, HashToken(token), nil
}

// HashToken computes the SHA-256 hash of a site token.
func HashToken(token Token) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyToken checks if the plaintext token matches the stored hash in
// constant time.
func VerifyToken(token Token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
