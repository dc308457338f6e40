// Package httpx carries the JSON error envelope shared by every HTTP
// surface: {"error":{"code":"...","message":"..."}}.
package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
	Details       any    `json:"details,omitempty"`
}

// WriteError writes the envelope with the status text as the code.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ErrorPayload{Code: http.StatusText(statusCode), Message: message}})
}

// WriteTypedError writes the envelope with a stable machine-readable code
// and an optional Retry-After hint.
func WriteTypedError(w http.ResponseWriter, statusCode int, code, message string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ErrorPayload{Code: code, Message: message, RetryAfterSec: retryAfter}})
}

// WriteErrorWithDetails writes the envelope with a stable code and a
// details payload (validation findings, offending fields).
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ErrorPayload{Code: code, Message: message, Details: details}})
}
