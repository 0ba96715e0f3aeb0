// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package device provides the emulated client device fingerprint presented
// to the game backend.
//
// The identity is cosmetic: it only has to look like the same handset for
// every request a process makes. It is not a secret and is generated with a
// non-cryptographic RNG.
package device

import (
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Serial number layout for DeviceID2.
const (
	SerialPrefix = "86"
	SerialDigits = 13
)

// Identity is the device identifier triple sent with login requests.
type Identity struct {
	DeviceID  string
	DeviceID2 string
	DeviceID3 string
}

// Provider hands out a process-lifetime Identity.
// The zero value is not usable; use NewProvider.
type Provider struct {
	current atomic.Pointer[Identity]
}

// NewProvider creates a Provider with a freshly generated identity.
func NewProvider() *Provider {
	p := &Provider{}
	p.Regenerate()
	return p
}

// NewProviderWithIdentity creates a Provider pinned to id.
// Useful for tests and for restoring a previously persisted fingerprint.
func NewProviderWithIdentity(id Identity) *Provider {
	p := &Provider{}
	p.current.Store(&id)
	return p
}

// Current returns the active identity. Reads never block.
func (p *Provider) Current() Identity {
	return *p.current.Load()
}

// Regenerate replaces the identity with a new random triple and returns it.
// Never call this while sessions built on the previous identity are in use.
func (p *Provider) Regenerate() Identity {
	id := Generate()
	p.current.Store(&id)
	return id
}

// Generate builds a new random identity without touching any provider.
func Generate() Identity {
	return Identity{
		DeviceID:  uuid.NewString(),
		DeviceID2: randomSerial(),
		DeviceID3: uuid.NewString(),
	}
}

func randomSerial() string {
	var b strings.Builder
	b.Grow(len(SerialPrefix) + SerialDigits)
	b.WriteString(SerialPrefix)
	for range SerialDigits {
		//nolint:gosec // G404: device serials are fingerprints, not secrets
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}
