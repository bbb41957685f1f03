package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/approval"
	"github.com/sells-group/validation-cli/internal/audit"
	"github.com/sells-group/validation-cli/internal/orchestrator"
	"github.com/sells-group/validation-cli/internal/store"
)

type apiErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope every failed request returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) Error() string { return e.Body.Message }

func newAPIError(status int, code, msg string, details map[string]any) *apiError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: msg, Details: details}}
}

func badRequest(field string, err error) *apiError {
	return newAPIError(http.StatusBadRequest, "bad_request", field+": "+err.Error(), map[string]any{"field": field})
}

func handleError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	msg := err.Error()
	switch {
	case errors.Is(err, approval.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", msg, nil)
	case errors.Is(err, approval.ErrUnknownRequest):
		return newAPIError(http.StatusNotFound, "unknown_request", msg, nil)
	case errors.Is(err, approval.ErrInvalidDecision):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_decision", msg, nil)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, audit.ErrNoHistory):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, store.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, orchestrator.ErrSuspended):
		return newAPIError(http.StatusConflict, "run_suspended", msg, nil)
	case errors.Is(err, orchestrator.ErrTerminal):
		return newAPIError(http.StatusConflict, "run_terminal", msg, nil)
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	ae := handleError(err)
	if ae.status >= http.StatusInternalServerError {
		zap.L().Error("server: request failed", zap.Error(err))
	}
	writeJSON(w, ae.status, ae)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}
