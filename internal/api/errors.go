package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loomstudio/canvas-engine/internal/coordinator"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
)

// Error codes for consistent error identification.
const (
	ErrCodeValidation    = "validation_error"
	ErrCodeNotFound      = "not_found"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeConflict      = "conflict"
	ErrCodeDispatch      = "dispatch_error"
	ErrCodeInternalError = "internal_error"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// statusFor maps engine errors to HTTP status and error code.
// Unauthorized access deliberately maps to not-found: the store does not
// distinguish a foreign canvas from a missing one.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidTrigger):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, graphstore.ErrCanvasNotFound),
		errors.Is(err, execstore.ErrExecutionNotFound),
		errors.Is(err, execstore.ErrResponseNotFound),
		errors.Is(err, graphstore.ErrUnknownEndpoint):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, graphstore.ErrCanvasExists):
		return http.StatusConflict, ErrCodeConflict
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
