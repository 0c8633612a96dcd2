package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/metrics"
	"github.com/saiset-co/sai-anime-cache/types"
)

func TestInstrumentedManagerRecordsOperations(t *testing.T) {
	ctx := context.Background()
	log := logger.NewNopLogger()

	mm, err := metrics.NewManager(ctx, log, &types.MetricsConfig{Enabled: true, Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, mm.Start())
	defer mm.Stop()

	inner := newTestManager(t, nil, newFakeClock())
	c := NewInstrumentedManager(inner, mm)

	require.NoError(t, c.Set(ctx, "a:1", 1, types.CacheWriteConfig{TTL: time.Minute}))
	assert.True(t, c.Has(ctx, "a:1"))
	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	removed, err := c.Invalidate(ctx, "a:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Equal(t, 1.0, mm.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Get())
	assert.Equal(t, 1.0, mm.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"}).Get())
	assert.Equal(t, 1.0, mm.Counter("cache_operations_total", map[string]string{"operation": "set", "result": "success"}).Get())
	assert.Equal(t, 1.0, mm.Counter("cache_removed_entries_total", map[string]string{"reason": "invalidate"}).Get())
	assert.Equal(t, 0.0, mm.Gauge("cache_entries", nil).Get())

	assert.Equal(t, inner.GetStats(), c.GetStats())
}
