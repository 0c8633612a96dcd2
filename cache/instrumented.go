package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-anime-cache/types"
)

var operationBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// InstrumentedManager records every cache operation in the metrics manager
// and delegates to the wrapped cache.
type InstrumentedManager struct {
	types.CacheManager
	metrics types.MetricsManager
}

func NewInstrumentedManager(inner types.CacheManager, metrics types.MetricsManager) *InstrumentedManager {
	return &InstrumentedManager{
		CacheManager: inner,
		metrics:      metrics,
	}
}

func (i *InstrumentedManager) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	data, ok := i.CacheManager.Get(ctx, key)

	result := "miss"
	if ok {
		result = "hit"
	}
	i.recordMetric("get", result, time.Since(start))

	return data, ok
}

func (i *InstrumentedManager) Has(ctx context.Context, key string) bool {
	_, ok := i.Get(ctx, key)
	return ok
}

func (i *InstrumentedManager) Set(ctx context.Context, key string, data interface{}, config types.CacheWriteConfig) error {
	start := time.Now()
	err := i.CacheManager.Set(ctx, key, data, config)
	i.recordMetric("set", resultOf(err), time.Since(start))
	return err
}

func (i *InstrumentedManager) Invalidate(ctx context.Context, pattern string) (int, error) {
	start := time.Now()
	n, err := i.CacheManager.Invalidate(ctx, pattern)
	i.recordMetric("invalidate", resultOf(err), time.Since(start))
	i.metrics.Counter("cache_removed_entries_total", map[string]string{"reason": "invalidate"}).Add(float64(n))
	return n, err
}

func (i *InstrumentedManager) ClearExpired(ctx context.Context) int {
	start := time.Now()
	n := i.CacheManager.ClearExpired(ctx)
	i.recordMetric("clear_expired", "success", time.Since(start))
	i.metrics.Counter("cache_removed_entries_total", map[string]string{"reason": "expired"}).Add(float64(n))
	return n
}

func (i *InstrumentedManager) ClearAll(ctx context.Context) {
	start := time.Now()
	i.CacheManager.ClearAll(ctx)
	i.recordMetric("clear_all", "success", time.Since(start))
}

func (i *InstrumentedManager) recordMetric(operation, result string, duration time.Duration) {
	i.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	i.metrics.Histogram("cache_operation_duration_seconds", operationBuckets, map[string]string{
		"operation": operation,
	}).Observe(duration.Seconds())

	stats := i.CacheManager.GetStats()
	i.metrics.Gauge("cache_size_bytes", nil).Set(float64(stats.CacheSize))
	i.metrics.Gauge("cache_entries", nil).Set(float64(stats.EntryCount))
	i.metrics.Gauge("cache_hit_rate", nil).Set(stats.HitRate())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
