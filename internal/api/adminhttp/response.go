package adminhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/oriondb/oriondb/pkg/errors"
)

var responseLogger = slog.Default().With("component", "adminhttp-response")

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		responseLogger.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatusCode(err)
	code := "INTERNAL_ERROR"
	message := err.Error()
	if appErr, ok := err.(*errors.AppError); ok {
		code = appErr.Code
		message = appErr.Message
	} else if status >= http.StatusInternalServerError {
		responseLogger.Error("request failed", "error", err, "status", status)
		message = "an internal error occurred"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
