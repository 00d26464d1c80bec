// Package utils holds HTTP response helpers shared by the server and its
// handlers.
package utils

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/medscribe/medscribe/internal/errors"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error   ErrorDetail    `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorDetail carries the machine readable code and the message.
type ErrorDetail struct {
	Code    apierrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// RespondJSON sends a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "err", err)
	}
}

// RespondError sends err as a JSON error response. Errors implementing
// [apierrors.ErrorWithStatus] keep their status and code; anything else is a
// 500.
func RespondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := ErrorBody{Error: ErrorDetail{Code: apierrors.ErrInternal, Message: err.Error()}}
	var ews apierrors.ErrorWithStatus
	if errors.As(err, &ews) {
		status = ews.StatusCode()
		body.Error.Code = ews.Code()
		if d := ews.Details(); len(d) > 0 {
			body.Details = d
		}
	}
	RespondJSON(w, status, body)
}
