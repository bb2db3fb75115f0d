package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the id of one assignment request
	RequestIDKey ContextKey = "request_id"
	// SessionIDKey is the context key for the counseling session being worked on
	SessionIDKey ContextKey = "session_id"
	// RequesterIDKey is the context key for the user who triggered the operation
	RequesterIDKey ContextKey = "requester_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	RequestID   string
	SessionID   string
	RequesterID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithRequesterID adds a requester ID to the context
func WithRequesterID(ctx context.Context, requesterID string) context.Context {
	return context.WithValue(ctx, RequesterIDKey, requesterID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetRequesterID retrieves the requester ID from the context
func GetRequesterID(ctx context.Context) string {
	if requesterID, ok := ctx.Value(RequesterIDKey).(string); ok {
		return requesterID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		RequestID:   GetRequestID(ctx),
		SessionID:   GetSessionID(ctx),
		RequesterID: GetRequesterID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.RequesterID != "" {
		ctx = WithRequesterID(ctx, tc.RequesterID)
	}
	return ctx
}

// NewAssignmentContext creates the context for one assignment request. A trace ID is
// generated when the caller did not provide one.
func NewAssignmentContext(ctx context.Context, sessionID, requesterID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRequestID(ctx, NewRequestID())
	ctx = WithSessionID(ctx, sessionID)
	return WithRequesterID(ctx, requesterID)
}
