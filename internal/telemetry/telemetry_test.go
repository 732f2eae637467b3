package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func enabledConfig() *Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, ""},
		{"local grpc", func(c *Config) {}, ""},
		{"http with scheme", func(c *Config) { c.Protocol = "http/protobuf"; c.Endpoint = "http://127.0.0.1:4318" }, ""},
		{"ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"missing service", func(c *Config) { c.ServiceName = "" }, "service name"},
		{"bad protocol", func(c *Config) { c.Protocol = "udp" }, "protocol"},
		{"insecure remote", func(c *Config) { c.Endpoint = "collector.example.com:4317" }, "insecure export"},
		{"tls remote", func(c *Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = false }, ""},
		{"rate above one", func(c *Config) { c.SampleRate = 1.5 }, "sample rate"},
		{"zero interval", func(c *Config) { c.ExportInterval = 0 }, "export interval"},
		{"zero shutdown", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := enabledConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	assert.Empty(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer(immunity.InstrumentationName))
	assert.NotNil(t, tel.Meter(immunity.InstrumentationName))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := enabledConfig()
	cfg.Protocol = "udp"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Nil(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

// scanSpans records a process span with scan and vector children.
func scanSpans(t *testing.T, cfg *Config) []string {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tel, err := New(context.Background(), cfg, WithSpanExporter(exp), WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tracer := tel.Tracer(immunity.InstrumentationName)
	ctx, process := tracer.Start(context.Background(), "immunity.process")
	ctx, scan := tracer.Start(ctx, "immunity.scan")
	for i := 0; i < 3; i++ {
		_, v := tracer.Start(ctx, immunity.VectorSpanName)
		v.End()
	}
	scan.End()
	process.End()

	var names []string
	for _, s := range exp.GetSpans() {
		names = append(names, s.Name)
	}
	return names
}

func TestSampler_DropsVectorSpans(t *testing.T) {
	names := scanSpans(t, enabledConfig())
	assert.ElementsMatch(t, []string{"immunity.scan", "immunity.process"}, names)
}

func TestSampler_KeepsVectorSpans(t *testing.T) {
	cfg := enabledConfig()
	cfg.VectorSpans = true
	names := scanSpans(t, cfg)
	assert.Len(t, names, 5)
	assert.Contains(t, names, immunity.VectorSpanName)
}

func TestSampler_ZeroRateDropsScans(t *testing.T) {
	cfg := enabledConfig()
	cfg.SampleRate = 0
	assert.Empty(t, scanSpans(t, cfg))
}

func TestSampler_Description(t *testing.T) {
	assert.Contains(t, newSampler(enabledConfig()).Description(), "DropVectorSpans")

	cfg := enabledConfig()
	cfg.VectorSpans = true
	assert.NotContains(t, newSampler(cfg).Description(), "DropVectorSpans")
}

func TestMeter_RecordsScanMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := New(context.Background(), enabledConfig(),
		WithSpanExporter(tracetest.NewInMemoryExporter()), WithMetricReader(reader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	metrics, err := immunity.NewMetrics(tel.Meter(immunity.InstrumentationName))
	require.NoError(t, err)
	metrics.RecordStep(context.Background(), immunity.VerdictPass, 0.9, 12*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, immunity.InstrumentationName, rm.ScopeMetrics[0].Scope.Name)
	assert.NotEmpty(t, rm.ScopeMetrics[0].Metrics)
}

func TestShutdown_UsesConfiguredTimeout(t *testing.T) {
	cfg := enabledConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	tel, err := New(context.Background(), cfg,
		WithSpanExporter(tracetest.NewInMemoryExporter()), WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}
