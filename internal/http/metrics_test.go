package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	srv, err := NewServer(passingProcessor(), immunity.NewRegistry(), zap.NewNop(), nil, WithHTTPMetrics(m))
	require.NoError(t, err)

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodGet, "/api/v1/vectors", nil),
		jsonRequest(http.MethodPost, "/api/v1/scan", `{"step":{"id":"s1","kind":"file_write","content":"x"}}`),
	} {
		srv.Handler().ServeHTTP(httptest.NewRecorder(), r)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
			switch md.Name {
			case "immunity.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				var total int64
				endpoints := map[string]bool{}
				for _, dp := range sum.DataPoints {
					total += dp.Value
					v, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					endpoints[v.AsString()] = true
				}
				assert.Equal(t, int64(3), total)
				assert.True(t, endpoints["/api/v1/scan"])
			case "immunity.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				var count uint64
				for _, dp := range hist.DataPoints {
					count += dp.Count
				}
				assert.Equal(t, uint64(3), count)
			}
		}
	}
	assert.True(t, found["immunity.http.requests_total"])
	assert.True(t, found["immunity.http.request_duration_seconds"])
	assert.True(t, found["immunity.http.response_size_bytes"])
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", normalizePath(""))
	assert.Equal(t, "/api/v1/scan", normalizePath("/api/v1/scan"))
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
