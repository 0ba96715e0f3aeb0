// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package auth

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeNotAuthenticated  = "AUTH_NOT_AUTHENTICATED"
	CodeLoginStageFailed  = "AUTH_LOGIN_STAGE_FAILED"
	CodeUpstreamRejected  = "AUTH_UPSTREAM_REJECTED"
	CodeSequenceDesync    = "AUTH_SEQUENCE_DESYNC"
	CodeSessionInvalid    = "AUTH_SESSION_INVALID"
	CodeRegionUnsupported = "AUTH_REGION_UNSUPPORTED"
	CodeInvalidInput      = "AUTH_INVALID_INPUT"
)

var (
	// ErrNotAuthenticated is returned for calls made without a uid, and by
	// the site session bridge for any payload it cannot turn into a session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrLoginStageFailed is matched by every *StageError.
	ErrLoginStageFailed = errors.New("login stage failed")

	// ErrUpstreamAuthRejected means the backend refused the session secret.
	// The session is unusable until re-login.
	ErrUpstreamAuthRejected = errors.New("upstream rejected session")

	// ErrSequenceDesync means the backend refused the sequence number.
	// The session is unusable until re-login.
	ErrSequenceDesync = errors.New("sequence number desync")

	// ErrSessionInvalid is returned when a call is attempted on a session
	// that was already invalidated. It wraps the original cause.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrRegionUnsupported is returned by the handshake for regions whose
	// identity provider is not available.
	ErrRegionUnsupported = errors.New("region unsupported")

	// ErrRequestRefused means the identity provider or game server answered
	// a handshake call with a non-2xx status or a non-zero result.
	ErrRequestRefused = errors.New("upstream refused request")

	// ErrInvalidInput is returned for empty emails, codes and tokens.
	ErrInvalidInput = errors.New("invalid input")
)

// Stage is one step of the login handshake.
type Stage int

// Handshake stages in execution order.
const (
	StageSubmitCredentials Stage = iota + 1
	StageAccountToken
	StageAccessToken
	StageDeviceToken
	StageSecret
)

func (s Stage) String() string {
	switch s {
	case stageRequestCode:
		return "request_code"
	case StageSubmitCredentials:
		return "submit_credentials"
	case StageAccountToken:
		return "account_token"
	case StageAccessToken:
		return "access_token"
	case StageDeviceToken:
		return "device_token"
	case StageSecret:
		return "secret"
	default:
		return fmt.Sprintf("stage_%d", int(s))
	}
}

// StageError reports which handshake stage failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("login stage %d (%s) failed: %v", int(e.Stage), e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches ErrLoginStageFailed.
func (e *StageError) Is(target error) bool {
	return target == ErrLoginStageFailed
}

// FailedStage returns the stage at which a login failed, or 0 if err is not
// a stage failure.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return 0
}

// IsSessionFatal reports whether err means the session must be discarded
// and the user must log in again.
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrUpstreamAuthRejected) ||
		errors.Is(err, ErrSequenceDesync) ||
		errors.Is(err, ErrSessionInvalid)
}
