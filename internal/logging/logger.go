package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Per-vector timings and verification
// rescans log here.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// New builds a logger from cfg. otelProvider is used only when cfg.OTEL is
// set; a nil provider then disables the bridge.
func New(cfg *Config, otelProvider log.LoggerProvider) (*zap.Logger, error) {
	out := zapcore.Lock(zapcore.AddSync(os.Stdout))
	if cfg.Stderr {
		out = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}
	return newLogger(cfg, out, otelProvider)
}

func newLogger(cfg *Config, out zapcore.WriteSyncer, otelProvider log.LoggerProvider) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	enc, err := newScrubEncoder(newEncoder(cfg.Format), cfg.Redact)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(enc, out, cfg.Level)
	if cfg.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore("immunity", otelzap.WithLoggerProvider(otelProvider))
		core = zapcore.NewTee(core, &scrubCore{Core: bridge, s: enc})
	}
	core = sampled(core, cfg.Sampling)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if l == TraceLevel {
			enc.AppendString("trace")
			return
		}
		zapcore.LowercaseLevelEncoder(l, enc)
	}
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sampled samples entries below error level. Errors always pass.
func sampled(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	return zapcore.NewTee(
		zapcore.NewSamplerWithOptions(&errorSplit{Core: core}, cfg.Tick, cfg.First, cfg.Thereafter),
		&errorSplit{Core: core, errors: true},
	)
}

// errorSplit passes only entries at or above error level when errors is
// set, and only entries below it otherwise.
type errorSplit struct {
	zapcore.Core
	errors bool
}

func (c *errorSplit) allows(l zapcore.Level) bool {
	return (l >= zapcore.ErrorLevel) == c.errors
}

func (c *errorSplit) Enabled(l zapcore.Level) bool {
	return c.allows(l) && c.Core.Enabled(l)
}

func (c *errorSplit) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.allows(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *errorSplit) With(fields []zapcore.Field) zapcore.Core {
	return &errorSplit{Core: c.Core.With(fields), errors: c.errors}
}
