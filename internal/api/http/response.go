package apihttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/oriondb/oriondb/pkg/errors"
)

var responseLogger = slog.Default().With("component", "api-response")

// writeJSON encodes data as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		responseLogger.Error("failed to write response", "error", err)
	}
}

// writeError maps err to the store's error envelope and HTTP status. An
// *errors.AppError supplies its own code and status. Any other error takes
// its status from errors.HTTPStatusCode: below 500 it keeps its message and
// gets the code of the sentinel it wraps; at 500 or above it is reported as
// an opaque internal error so storage/transport failures never leak
// implementation detail to a client.
func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatusCode(err)
	code := "INTERNAL_ERROR"
	message := err.Error()
	var appErr *errors.AppError
	if as, ok := err.(*errors.AppError); ok {
		appErr = as
		code = appErr.Code
		message = appErr.Message
	} else if status < http.StatusInternalServerError {
		code = errors.New(err, status, message).Code
	}
	if status >= http.StatusInternalServerError {
		responseLogger.Error("request failed", "error", err, "status", status)
		if appErr == nil {
			message = "an internal error occurred"
		}
	}
	writeErrorEnvelope(w, status, code, message)
}

// writeErrorEnvelope writes the store's standard error shape. It is a free
// function rather than a Handler method so middleware running ahead of
// routing (auth, rate limiting) can report failures the same way handlers
// do.
func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// readLimited reads r.Body up to maxBytes+1, writing a 413 envelope and
// returning ok=false if the body exceeds the limit.
func readLimited(w http.ResponseWriter, r *http.Request, maxBytes int) ([]byte, bool) {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxBytes)+1))
	if err != nil {
		writeError(w, errors.Newf(errors.ErrInvalidInput, http.StatusBadRequest, "failed to read request body: %v", err))
		return nil, false
	}
	if len(body) > maxBytes {
		writeError(w, errors.Newf(errors.ErrDocumentTooLarge, http.StatusRequestEntityTooLarge, "request body exceeds maximum of %d bytes", maxBytes))
		return nil, false
	}
	return body, true
}
