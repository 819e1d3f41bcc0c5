// Package httpx defines the JSON error envelope every handler returns.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/saddleworth/api/internal/platform/requestctx"
)

// Error is the API error envelope: a stable machine-readable code, a human
// message, and the HTTP status, optionally enriched with correlation ids
// and extra detail fields.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an Error; a zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    flatten(code, 80),
		Message: flatten(message, 512),
		Status:  status,
	}
}

// WithRequestID attaches the request id.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = flatten(id, 80)
	return e
}

// WithTraceID attaches the trace id.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = flatten(id, 64)
	return e
}

// WithDetails attaches extra top-level fields to the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError renders the envelope as JSON, filling in correlation ids from
// the context when the error does not already carry them.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}

	requestID := err.RequestID
	if requestID == "" {
		requestID = flatten(middleware.GetReqID(ctx), 80)
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}

	traceID := err.TraceID
	if traceID == "" {
		traceID = flatten(requestctx.TraceID(ctx), 64)
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}

	for k, v := range err.Details {
		payload[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// flatten folds newlines into spaces and caps the length so a value can
// never break the single-line JSON log format.
func flatten(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
