package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if userID := UserIDFromContext(ctx); userID != "" {
		fields = append(fields, zap.String("user.id", userID))
	}
	if r := RunFromContext(ctx); r != nil {
		if r.ProjectID != "" {
			fields = append(fields, zap.String("project.id", r.ProjectID))
		}
		if r.RunID != "" {
			fields = append(fields, zap.String("run.id", r.RunID))
		}
	}
	return fields
}

// Context key types
type (
	requestCtxKey struct{}
	userCtxKey    struct{}
	runCtxKey     struct{}
)

// Run identifies the validation run a log line belongs to.
type Run struct {
	ProjectID string
	RunID     string
}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore and dot.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// validateID validates an identifier placed into log context.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore, dot)", name)
	}
	return nil
}

// ValidID reports whether id can be placed into log context.
func ValidID(id string) bool {
	return validateID(id, "id") == nil
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context. Invalid ids are dropped; the
// value usually comes from a client header.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if validateID(requestID, "requestID") != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// UserIDFromContext extracts the authenticated user from context.
func UserIDFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// WithUserID adds the authenticated user to context.
// Panics if userID is empty or contains invalid characters.
func WithUserID(ctx context.Context, userID string) context.Context {
	if err := validateID(userID, "userID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// RunFromContext extracts run correlation from context.
func RunFromContext(ctx context.Context) *Run {
	if r, ok := ctx.Value(runCtxKey{}).(*Run); ok {
		return r
	}
	return nil
}

// WithRun adds run correlation to context. Either id may be empty, but
// non-empty ids must be valid.
func WithRun(ctx context.Context, projectID, runID string) context.Context {
	for name, id := range map[string]string{"projectID": projectID, "runID": runID} {
		if id == "" {
			continue
		}
		if err := validateID(id, name); err != nil {
			panic(fmt.Sprintf("logging: %v", err))
		}
	}
	return context.WithValue(ctx, runCtxKey{}, &Run{ProjectID: projectID, RunID: runID})
}
