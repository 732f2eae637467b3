package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Correlation identifies the step an invocation is working on.
type Correlation struct {
	Scope     string
	SessionID string
	StepID    string
	RequestID string
}

type correlationKey struct{}

const maxIDLen = 128

// idPattern admits scopes ("team.payments"), git sessions ("git:main"),
// request IDs and UUIDs.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]+$`)

// usable drops identifiers that would pollute log indexes. They arrive from
// agents, so an invalid one is ignored rather than rejected.
func usable(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// CorrelationFrom returns the correlation stored in ctx.
func CorrelationFrom(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func update(ctx context.Context, fn func(*Correlation)) context.Context {
	c := CorrelationFrom(ctx)
	before := c
	fn(&c)
	if c == before {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithScope records the project scope.
func WithScope(ctx context.Context, scope string) context.Context {
	return update(ctx, func(c *Correlation) {
		if usable(scope) {
			c.Scope = scope
		}
	})
}

// WithStep records the session and step being processed.
func WithStep(ctx context.Context, sessionID, stepID string) context.Context {
	return update(ctx, func(c *Correlation) {
		if usable(sessionID) {
			c.SessionID = sessionID
		}
		if usable(stepID) {
			c.StepID = stepID
		}
	})
}

// WithRequestID records the transport request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return update(ctx, func(c *Correlation) {
		if usable(requestID) {
			c.RequestID = requestID
		}
	})
}

// Fields returns the correlation and trace fields carried by ctx.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	c := CorrelationFrom(ctx)
	if c.Scope != "" {
		fields = append(fields, zap.String("project.scope", c.Scope))
	}
	if c.SessionID != "" {
		fields = append(fields, zap.String("session.id", c.SessionID))
	}
	if c.StepID != "" {
		fields = append(fields, zap.String("step.id", c.StepID))
	}
	if c.RequestID != "" {
		fields = append(fields, zap.String("request.id", c.RequestID))
	}
	return fields
}

// For returns logger annotated with the fields carried by ctx.
func For(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := Fields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
