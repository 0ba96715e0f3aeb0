// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

// Package auth establishes and uses authenticated game backend sessions.
//
// # Domain Types
//
// A Session holds the backend uid, the session secret, and the per-account
// sequence number. Sessions should be obtained from a Handshake or rebuilt
// with NewSession from a trusted snapshot:
//   - NewSession - creates a Session from persisted state
//   - Session.Next - takes the next sequence number for one call
//   - Session.Invalidate - marks the session unusable
//
// # Services
//
// Service types coordinate upstream calls:
//   - Handshake - the five-stage login, code requests, token and guest login, re-login
//   - Dispatcher - authenticated calls carrying uid, secret, and seqnum
//
// Errors wrap package sentinels (ErrNotAuthenticated, ErrLoginStageFailed,
// ErrUpstreamAuthRejected, ErrSequenceDesync, ErrSessionInvalid,
// ErrRequestRefused) and carry
// oops codes. IsSessionFatal reports the errors that require a new login.
package auth
