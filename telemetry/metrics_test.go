package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs global instruments backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "https://story-api.example.com/v1/stories", nil))
	SetClass(r.Context(), "api_read")
	SetCacheResult(r.Context(), CacheStale)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "story_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "class", "api_read"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "stale"))

	bytesDps := findCounter(rm, "story_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "story_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/_offline/stories", nil))
	SetClass(r.Context(), "internal")
	SetCacheResult(r.Context(), CacheNA)
	SetEndpoint(r.Context(), "offline_stories")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "story_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "class", "internal"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "offline_stories"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "story_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "class", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "story_cache_http_requests_by_endpoint_total"))
}

func TestRecordDomainMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := WithClassContext(context.Background(), "api_read")

	RecordRevalidation(ctx, "stored")
	RecordMirror(ctx, 3)
	RecordMirror(ctx, 0)
	RecordFallback(ctx, "records")
	RecordSnapshotWrite(ctx, "images", 2048)
	RecordPrecache(ctx, "success", 250*time.Millisecond)
	RecordGenerationsDeleted(ctx, 1)
	RecordLifecycleTransition(ctx, "waiting", "activating")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "story_cache_revalidations_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "stored"))

	dps = findCounter(rm, "story_cache_mirrored_records_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)

	dps = findCounter(rm, "story_cache_fallback_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "class", "api_read"))
	require.True(t, hasAttr(dps[0].Attributes, "kind", "records"))

	hist := findHistogram(rm, "story_cache_snapshot_write_size_bytes")
	require.Len(t, hist, 1)
	require.True(t, hasAttr(hist[0].Attributes, "role", "images"))

	hist = findHistogram(rm, "story_cache_precache_duration_seconds")
	require.Len(t, hist, 1)

	dps = findCounter(rm, "story_cache_generations_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	dps = findCounter(rm, "story_cache_lifecycle_transitions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "from", "waiting"))
	require.True(t, hasAttr(dps[0].Attributes, "to", "activating"))
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// None of these may panic before InitMetrics.
	RecordHTTP(ctx, InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil)), http.StatusOK, 0, time.Millisecond)
	RecordUpstreamFetch(ctx, "image", time.Millisecond, 10, "success")
	RecordRevalidation(ctx, "error")
	RecordMirror(ctx, 1)
	RecordFallback(ctx, "not_found")
	RecordSnapshotWrite(ctx, "shell", 1)
	RecordPrecache(ctx, "failure", time.Second)
	RecordGenerationsDeleted(ctx, 2)
	RecordLifecycleTransition(ctx, "installing", "redundant")
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{401, "4xx"},
		{403, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
