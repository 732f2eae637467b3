// Package logging builds the zap loggers used by immunity and carries step
// correlation through context.
//
// Loggers come from New. The encoder scrubs every entry before it is
// written: proposed step content is reduced to its size and digest, and
// credentials found in string or error values are masked. Agents submit
// arbitrary code, so a leaked key in a step must not reach a log sink.
//
// Correlation travels in the context:
//
//	ctx = logging.WithScope(ctx, "team.payments")
//	ctx = logging.WithStep(ctx, step.SessionID, step.ID)
//	logging.For(ctx, logger).Info("step analyzed", zap.Float64("score", 0.91))
//
// produces
//
//	{"level":"info","msg":"step analyzed","project.scope":"team.payments",
//	 "session.id":"sess_123","step.id":"st_9","score":0.91}
//
// plus trace_id and span_id when the context carries a span.
package logging
