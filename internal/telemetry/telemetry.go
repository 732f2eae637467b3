package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the OTEL providers for the immunity daemon. Setup failures
// degrade to the global no-op providers instead of failing startup; a scan
// must never wait on a collector.
type Telemetry struct {
	cfg *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	reasons []string
}

// Option overrides an exporter, mainly for tests.
type Option func(*options)

type options struct {
	spans  sdktrace.SpanExporter
	reader sdkmetric.Reader
}

// WithSpanExporter exports spans synchronously to exp instead of OTLP.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spans = exp }
}

// WithMetricReader collects metrics through r instead of OTLP.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.reader = r }
}

// New builds the providers and installs them globally. When cfg is
// disabled it returns an instance that hands out the global providers.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	res := newResource(cfg)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	}
	if o.spans != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(o.spans))
	} else if exp, err := newSpanExporter(ctx, cfg); err != nil {
		t.reasons = append(t.reasons, fmt.Sprintf("trace exporter: %v", err))
	} else {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	if len(t.reasons) == 0 {
		t.tracerProvider = sdktrace.NewTracerProvider(tpOpts...)
		otel.SetTracerProvider(t.tracerProvider)
	}

	reader := o.reader
	if reader == nil {
		r, err := newMetricReader(ctx, cfg)
		if err != nil {
			t.reasons = append(t.reasons, fmt.Sprintf("metric reader: %v", err))
		}
		reader = r
	}
	if reader != nil {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(t.meterProvider)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter, falling back to the global provider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Degraded lists setup failures. Empty means every configured provider is
// exporting.
func (t *Telemetry) Degraded() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.reasons...)
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
