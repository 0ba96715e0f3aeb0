// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rhodeslab/akauth/internal/auth"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/upstream"
)

// Error identifiers returned in JSON error bodies.
const (
	ErrCodeSessionExpired     = "session_expired"
	ErrCodeSessionUnsaved     = "session_unsaved"
	ErrCodeNotAuthenticated   = "not_authenticated"
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeUnknownRegion      = "unknown_region"
	ErrCodeRegionUnsupported  = "region_unsupported"
	ErrCodeLoginFailed        = "login_failed"
	ErrCodeEndpointNotAllowed = "endpoint_not_allowed"
	ErrCodeRegionConfig       = "region_config_unavailable"
	ErrCodeUpstreamTimeout    = "upstream_timeout"
	ErrCodeUpstreamError      = "upstream_unavailable"
	ErrCodeUpstreamRefused    = "upstream_refused"
	ErrCodeInternal           = "internal_error"
)

const (
	sessionExpiredMessage = "session expired, please log in again"
	sessionUnsavedMessage = "session state could not be saved, please log in again"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// errorResponse maps err onto an HTTP status and JSON body.
func errorResponse(err error) (int, errorBody) {
	switch {
	case auth.IsSessionFatal(err):
		return http.StatusUnauthorized, errorBody{Error: ErrCodeSessionExpired, Message: sessionExpiredMessage}
	case errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized, errorBody{Error: ErrCodeNotAuthenticated, Message: "not authenticated"}
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, errorBody{Error: ErrCodeInvalidRequest, Message: "missing required field"}
	case errors.Is(err, region.ErrUnknownRegion):
		return http.StatusBadRequest, errorBody{Error: ErrCodeUnknownRegion, Message: "unknown region"}
	case errors.Is(err, auth.ErrRegionUnsupported):
		return http.StatusBadRequest, errorBody{Error: ErrCodeRegionUnsupported, Message: "login is not available for this region"}
	case errors.Is(err, region.ErrConfigUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: ErrCodeRegionConfig, Message: "game server configuration is unavailable", Stage: stageOf(err)}
	case errors.Is(err, upstream.ErrTimeout):
		return http.StatusGatewayTimeout, errorBody{Error: ErrCodeUpstreamTimeout, Message: "game server did not answer in time", Stage: stageOf(err)}
	case errors.Is(err, upstream.ErrUnavailable):
		return http.StatusBadGateway, errorBody{Error: ErrCodeUpstreamError, Message: "game server is unreachable", Stage: stageOf(err)}
	case errors.Is(err, auth.ErrLoginStageFailed):
		return http.StatusUnauthorized, errorBody{Error: ErrCodeLoginFailed, Message: "login failed", Stage: stageOf(err)}
	case errors.Is(err, auth.ErrRequestRefused):
		return http.StatusBadGateway, errorBody{Error: ErrCodeUpstreamRefused, Message: "game server refused the request"}
	default:
		return http.StatusInternalServerError, errorBody{Error: ErrCodeInternal, Message: "internal error"}
	}
}

func stageOf(err error) string {
	if stage := auth.FailedStage(err); stage != 0 {
		return stage.String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client may have disconnected
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
