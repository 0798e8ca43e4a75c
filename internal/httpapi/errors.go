package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"udevd/internal/manager"
	"udevd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeServiceError maps manager errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var he HTTPError
	switch {
	case manager.IsInvalidArgument(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrNotRunning):
		IncrementRejected("not_running")
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		IncrementRejected("timeout")
		writeJSONError(w, http.StatusGatewayTimeout, "event loop did not answer in time")
	case errors.As(err, &he):
		writeJSONError(w, he.StatusCode(), he.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
