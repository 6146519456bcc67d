package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docuquery/internal/apperr"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrDocumentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status and code of its kind.
// Unclassified errors are logged and reported without their text.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	body := errorBody{
		Error:     apperr.Code(err),
		Message:   apperr.Message(err),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Detail = ae.Detail
	}
	if apperr.KindOf(err) == nil {
		logger.Error("unhandled error", "request_id", body.RequestID, "path", r.URL.Path, "error", err)
		body.Message = "An unexpected error occurred"
	}
	writeJSON(w, statusFor(err), body)
}

// httpError writes an error that has no kind, such as a malformed body or
// a failed auth check.
func httpError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{
		Error:     code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
