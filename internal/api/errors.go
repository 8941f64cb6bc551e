// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/robofleet/broker/internal/broker"
	"github.com/robofleet/broker/internal/log"
)

// APIError is the structured error body returned to clients.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

var (
	ErrUnauthorized = &APIError{Code: "UNAUTHORIZED", Message: "Authentication required"}
	ErrForbidden    = &APIError{Code: "FORBIDDEN", Message: "Access denied"}

	ErrRobotNotFound      = &APIError{Code: "ROBOT_NOT_FOUND", Message: "Robot not found"}
	ErrConnectionNotFound = &APIError{Code: "CONNECTION_NOT_FOUND", Message: "Connection not found"}

	ErrConnectionConflict = &APIError{Code: "CONNECTION_CONFLICT", Message: "Robot already has an active connection"}
	ErrRobotNotReady      = &APIError{Code: "ROBOT_NOT_READY", Message: "Robot is not operating or has no agent port"}
	ErrConnectionClosed   = &APIError{Code: "CONNECTION_NOT_ACTIVE", Message: "Connection is no longer active"}

	ErrBridgeTimeout     = &APIError{Code: "BRIDGE_STARTUP_TIMEOUT", Message: "Bridge process did not become ready in time"}
	ErrCapacityExhausted = &APIError{Code: "PORT_CAPACITY_EXHAUSTED", Message: "No free port available; retry later"}

	ErrInvalidInput   = &APIError{Code: "INVALID_INPUT", Message: "Invalid input parameters"}
	ErrInternalServer = &APIError{Code: "INTERNAL_SERVER_ERROR", Message: "An internal error occurred"}
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.L()
		logger.Error().Err(err).Int("status", code).Msg("failed to encode JSON response")
	}
}

// respondError sends a structured error body.
func respondError(w http.ResponseWriter, statusCode int, apiErr *APIError) {
	writeJSON(w, statusCode, map[string]any{"error": apiErr})
}

// respondBrokerError maps a lifecycle controller failure onto its status
// code and stable error code.
func respondBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		apiErr *APIError
	)
	switch {
	case errors.Is(err, broker.ErrRobotNotFound):
		status, apiErr = http.StatusNotFound, ErrRobotNotFound
	case errors.Is(err, broker.ErrConnectionNotFound):
		status, apiErr = http.StatusNotFound, ErrConnectionNotFound
	case errors.Is(err, broker.ErrForbidden):
		status, apiErr = http.StatusForbidden, ErrForbidden
	case errors.Is(err, broker.ErrConflict):
		status, apiErr = http.StatusConflict, ErrConnectionConflict
	case errors.Is(err, broker.ErrRobotNotReady):
		status, apiErr = http.StatusPreconditionFailed, ErrRobotNotReady
	case errors.Is(err, broker.ErrNotActive):
		status, apiErr = http.StatusPreconditionFailed, ErrConnectionClosed
	case errors.Is(err, broker.ErrStartupTimeout):
		status, apiErr = http.StatusGatewayTimeout, ErrBridgeTimeout
	case errors.Is(err, broker.ErrCapacityExhausted):
		status, apiErr = http.StatusServiceUnavailable, ErrCapacityExhausted
	default:
		status, apiErr = http.StatusInternalServerError, ErrInternalServer
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	if status >= 500 {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Warn().Err(err).Int("status", status).Msg("request rejected")
	}
	respondError(w, status, apiErr)
}
