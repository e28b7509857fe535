package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"loginus/internal/events"
	"loginus/internal/lifecycle"
	"loginus/internal/settings"
	"loginus/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps domain errors to status codes. Anything unrecognized is an
// infrastructure failure.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case lifecycle.IsDuplicateSlug(err):
		return http.StatusConflict
	case lifecycle.IsNotInstalled(err):
		return http.StatusNotFound
	case lifecycle.IsInvalidManifest(err),
		events.IsInvalidEventName(err),
		errors.Is(err, events.ErrPayloadMismatch),
		errors.Is(err, settings.ErrInvalidModuleID):
		return http.StatusBadRequest
	case lifecycle.IsEnableFailed(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
