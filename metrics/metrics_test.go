package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/types"
)

func TestDisabledManagerHandsOutNoops(t *testing.T) {
	m, err := NewManager(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.False(t, m.Enabled())
	assert.Nil(t, m.Handler())

	c := m.Counter("x", nil)
	c.Inc()
	assert.Equal(t, 0.0, c.Get())
}

func TestUnknownBackend(t *testing.T) {
	_, err := NewManager(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{Enabled: true, Type: "statsd"})
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestPrometheusBackend(t *testing.T) {
	m, err := NewManager(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config:  map[string]interface{}{"namespace": "test", "enable_go_metrics": false},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	labels := map[string]string{"operation": "get", "result": "hit"}
	m.Counter("cache_operations_total", labels).Inc()
	m.Counter("cache_operations_total", labels).Add(2)
	assert.Equal(t, 3.0, m.Counter("cache_operations_total", labels).Get())

	m.Gauge("cache_entries", nil).Set(7)
	assert.Equal(t, 7.0, m.Gauge("cache_entries", nil).Get())

	h := m.Histogram("cache_operation_duration_seconds", []float64{0.1, 1}, map[string]string{"operation": "get"})
	h.Observe(0.5)
	assert.Equal(t, uint64(1), h.GetCount())
	assert.InDelta(t, 0.5, h.GetSum(), 0.0001)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "test_cache_operations_total"))
	assert.Contains(t, body, "# HELP test_cache_entries Entries held by the in-memory cache tier.")

	m.Counter("custom_series_total", nil).Inc()
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "# HELP test_custom_series_total Counter metric custom_series_total")
}

func TestPrometheusHistogramWithoutSamples(t *testing.T) {
	m, err := NewManager(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Config:  map[string]interface{}{"enable_go_metrics": false},
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	h := m.Histogram("cron_job_duration_seconds", nil, map[string]string{"job": "refresh"})
	assert.Equal(t, uint64(0), h.GetCount())
	assert.Equal(t, 0.0, h.GetSum())
}

func TestMemoryBackend(t *testing.T) {
	m, err := NewManager(context.Background(), logger.NewNopLogger(), &types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)

	assert.Equal(t, 0.0, m.Counter("before_start", nil).Get())

	require.NoError(t, m.Start())
	defer m.Stop()

	m.Counter("requests", map[string]string{"a": "1"}).Add(1.5)
	m.Counter("requests", map[string]string{"a": "1"}).Add(1)
	assert.Equal(t, 2.5, m.Counter("requests", map[string]string{"a": "1"}).Get())

	g := m.Gauge("queue", nil)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, 1.0, g.Get())

	h := m.Histogram("latency", []float64{1, 2}, nil)
	h.Observe(5)
	h.Observe(0.5)
	assert.Equal(t, uint64(2), h.GetCount())
	assert.Equal(t, 5.5, h.GetSum())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "requests")
}

func TestSeriesKeyIsOrderIndependent(t *testing.T) {
	a := seriesKey("m", map[string]string{"x": "1", "y": "2"})
	b := seriesKey("m", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
}
