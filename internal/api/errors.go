package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kokoron/kokoron/internal/blob"
	"github.com/kokoron/kokoron/internal/pipeline"
	"github.com/kokoron/kokoron/internal/storage"
	"github.com/kokoron/kokoron/internal/transcribe"
)

const (
	errInvalidRequest = "invalid_request_error"
	errAuthentication = "authentication_error"
	errNotFound       = "not_found"
	errUnprocessable  = "unprocessable_error"
	errLockTimeout    = "lock_timeout"
	errTimeout        = "timeout_error"
	errAPI            = "api_error"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// classify maps a domain error to its HTTP status and envelope type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrValidation),
		errors.Is(err, blob.ErrInvalidKey),
		errors.Is(err, blob.ErrUnsupportedLocation),
		errors.Is(err, transcribe.ErrUnsupportedLanguage),
		errors.Is(err, pipeline.ErrUnsupportedKind),
		errors.Is(err, pipeline.ErrMissingOwnerSubject),
		errors.Is(err, pipeline.ErrMissingOwner):
		return http.StatusBadRequest, errInvalidRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, blob.ErrObjectNotFound),
		errors.Is(err, transcribe.ErrFileNotFound):
		return http.StatusNotFound, errNotFound
	case errors.Is(err, transcribe.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, errUnprocessable
	case errors.Is(err, transcribe.ErrUnsupportedFormat),
		errors.Is(err, pipeline.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, errUnprocessable
	case errors.Is(err, transcribe.ErrEmptyFile),
		errors.Is(err, pipeline.ErrUnknownCategory),
		errors.Is(err, pipeline.ErrUnknownIntensity):
		return http.StatusUnprocessableEntity, errUnprocessable
	case errors.Is(err, storage.ErrLockTimeout):
		return http.StatusServiceUnavailable, errLockTimeout
	case errors.Is(err, transcribe.ErrTranscriptionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTimeout
	case errors.Is(err, blob.ErrGrantIssuance):
		return http.StatusBadGateway, errAPI
	default:
		return http.StatusInternalServerError, errAPI
	}
}

// writeError renders err with the status classify assigns to it.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, errType := classify(err)
	if code >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	httpError(w, code, errType, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
