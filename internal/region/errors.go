// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package region

import "errors"

// Error codes.
const (
	CodeConfigUnavailable = "REGION_CONFIG_UNAVAILABLE"
	CodeConfigMalformed   = "REGION_CONFIG_MALFORMED"
	CodeUnknownRegion     = "REGION_UNKNOWN"
)

var (
	// ErrConfigUnavailable is wrapped by every Store.Get failure. Callers may
	// retry with backoff; nothing needing the region can proceed until then.
	ErrConfigUnavailable = errors.New("region config unavailable")

	// ErrConfigMalformed is wrapped when the backend returns data that does
	// not describe a usable region.
	ErrConfigMalformed = errors.New("region config malformed")

	// ErrUnknownRegion is returned for codes outside the region enum.
	ErrUnknownRegion = errors.New("unknown region")
)
