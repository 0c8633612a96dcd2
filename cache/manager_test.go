package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/storage"
	"github.com/saiset-co/sai-anime-cache/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct {
	storage.NoopStore
}

func (f *failingStore) Name() string { return "failing" }

func (f *failingStore) Get(_ context.Context, _ string) (*types.CacheEntry, error) {
	return nil, types.ErrStoreUnavailable
}

func (f *failingStore) Put(_ context.Context, _ *types.CacheEntry) error {
	return types.ErrStoreUnavailable
}

func (f *failingStore) Delete(_ context.Context, _ string) error {
	return types.ErrStoreUnavailable
}

func (f *failingStore) GetAll(_ context.Context) ([]*types.CacheEntry, error) {
	return nil, types.ErrStoreUnavailable
}

func (f *failingStore) Clear(_ context.Context) error {
	return types.ErrStoreUnavailable
}

// hookedStore runs a callback once, in the middle of a scan or a delete.
type hookedStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	onGetAll func()
	onDelete func()
}

func (h *hookedStore) take(hook *func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn := *hook
	*hook = nil
	return fn
}

func (h *hookedStore) GetAll(ctx context.Context) ([]*types.CacheEntry, error) {
	entries, err := h.MemoryStore.GetAll(ctx)
	if fn := h.take(&h.onGetAll); fn != nil {
		fn()
	}
	return entries, err
}

func (h *hookedStore) Delete(ctx context.Context, key string) error {
	if fn := h.take(&h.onDelete); fn != nil {
		fn()
	}
	return h.MemoryStore.Delete(ctx, key)
}

type recordingPublisher struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingPublisher) Publish(action string, _ interface{}) error {
	r.mu.Lock()
	r.actions = append(r.actions, action)
	r.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T, store types.DurableStore, clock *fakeClock) *Manager {
	t.Helper()

	m := NewManager(context.Background(), logger.NewNopLogger(), &types.CacheConfig{Version: "1"}, Dependencies{
		Store: store,
		Clock: clock.Now,
	})
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func TestSetGetRespectsTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, nil, clock)

	require.NoError(t, m.Set(ctx, "k", map[string]int{"x": 1}, types.CacheWriteConfig{TTL: time.Second}))

	clock.Advance(999 * time.Millisecond)
	data, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(data))

	clock.Advance(2 * time.Millisecond)
	_, ok = m.Get(ctx, "k")
	assert.False(t, ok)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.HitCount)
	assert.Equal(t, uint64(1), stats.MissCount)
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.InDelta(t, 50.0, m.GetHitRate(), 0.001)
}

func TestSetRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeClock())

	assert.ErrorIs(t, m.Set(ctx, "", 1, types.CacheWriteConfig{TTL: time.Second}), types.ErrCacheKeyEmpty)
	assert.ErrorIs(t, m.Set(ctx, "k", 1, types.CacheWriteConfig{}), types.ErrCacheTTLInvalid)
	assert.ErrorIs(t, m.Set(ctx, "k", 1, types.CacheWriteConfig{TTL: -time.Second}), types.ErrCacheTTLInvalid)
}

func TestHitRateIsZeroWithoutRequests(t *testing.T) {
	m := newTestManager(t, nil, newFakeClock())
	assert.Equal(t, 0.0, m.GetHitRate())
}

func TestHasCountsAsRequest(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeClock())

	require.NoError(t, m.Set(ctx, "k", "v", types.CacheWriteConfig{TTL: time.Minute}))
	assert.True(t, m.Has(ctx, "k"))
	assert.False(t, m.Has(ctx, "missing"))
	assert.Equal(t, uint64(2), m.GetStats().TotalRequests)
}

func TestStaleEntryIsStillServed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, nil, clock)

	require.NoError(t, m.Set(ctx, "k", "v", types.CacheWriteConfig{TTL: time.Hour, StaleTime: time.Minute}))
	clock.Advance(30 * time.Minute)

	_, ok := m.Get(ctx, "k")
	assert.True(t, ok)
}

func TestInvalidatePattern(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	m := NewManager(ctx, logger.NewNopLogger(), nil, Dependencies{Events: publisher})

	cfg := types.CacheWriteConfig{TTL: time.Minute}
	require.NoError(t, m.Set(ctx, "a:1", 1, cfg))
	require.NoError(t, m.Set(ctx, "a:2", 2, cfg))
	require.NoError(t, m.Set(ctx, "b:1", 3, cfg))

	removed, err := m.Invalidate(ctx, "a:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.False(t, m.Has(ctx, "a:1"))
	assert.False(t, m.Has(ctx, "a:2"))
	assert.True(t, m.Has(ctx, "b:1"))
	assert.Contains(t, publisher.actions, types.ActionCacheInvalidated)

	removed, err = m.Invalidate(ctx, "b:1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Invalidate(ctx, "")
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}

func TestInvalidateTreatsRegexCharactersLiterally(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeClock())

	cfg := types.CacheWriteConfig{TTL: time.Minute}
	require.NoError(t, m.Set(ctx, "jikan:search:a.b:1", 1, cfg))
	require.NoError(t, m.Set(ctx, "jikan:search:axb:1", 2, cfg))

	removed, err := m.Invalidate(ctx, "jikan:search:a.b:*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, m.Has(ctx, "jikan:search:axb:1"))
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore(false)
	m := newTestManager(t, store, clock)

	require.NoError(t, m.Set(ctx, "a", 1, types.CacheWriteConfig{TTL: time.Minute, Persistent: true}))
	require.NoError(t, m.Set(ctx, "b", 2, types.CacheWriteConfig{TTL: time.Minute}))

	clock.Advance(time.Second)
	m.ClearAll(ctx)

	stats := m.GetStats()
	assert.Equal(t, 0, stats.EntryCount)
	assert.Equal(t, 0, stats.PersistentKeys)
	assert.Equal(t, int64(0), stats.CacheSize)
	assert.Equal(t, clock.Now().UnixMilli(), stats.LastClearTime)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, m.Has(ctx, "a"))
}

func TestClearExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore(false)
	m := newTestManager(t, store, clock)

	require.NoError(t, m.Set(ctx, "short", 1, types.CacheWriteConfig{TTL: time.Second, Persistent: true}))
	require.NoError(t, m.Set(ctx, "long", 2, types.CacheWriteConfig{TTL: time.Hour}))

	clock.Advance(2 * time.Second)

	assert.Equal(t, 1, m.ClearExpired(ctx))
	assert.Equal(t, 1, m.GetStats().EntryCount)
	assert.Equal(t, 0, m.GetStats().PersistentKeys)

	entry, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, entry)

	assert.Equal(t, 0, m.ClearExpired(ctx))
}

func TestClearExpiredKeepsWriteAfterScan(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &hookedStore{MemoryStore: storage.NewMemoryStore(false)}
	m := newTestManager(t, store, clock)

	require.NoError(t, m.Set(ctx, "jikan:anime:1", "old", types.CacheWriteConfig{TTL: time.Second, Persistent: true}))
	clock.Advance(2 * time.Second)

	store.mu.Lock()
	store.onGetAll = func() {
		require.NoError(t, m.Set(ctx, "jikan:anime:1", "new", types.CacheWriteConfig{TTL: time.Hour, Persistent: true}))
	}
	store.mu.Unlock()

	m.ClearExpired(ctx)

	assert.Equal(t, 1, m.GetStats().PersistentKeys)
	entry, err := store.Get(ctx, "jikan:anime:1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, `"new"`, string(entry.Data))

	restarted := newTestManager(t, store, clock)
	data, ok := restarted.Get(ctx, "jikan:anime:1")
	require.True(t, ok)
	assert.JSONEq(t, `"new"`, string(data))
}

func TestClearExpiredRewritesWriteDuringDelete(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := &hookedStore{MemoryStore: storage.NewMemoryStore(false)}
	m := newTestManager(t, store, clock)

	require.NoError(t, m.Set(ctx, "kitsu:anime:7", "old", types.CacheWriteConfig{TTL: time.Second, Persistent: true}))
	clock.Advance(2 * time.Second)

	store.mu.Lock()
	store.onDelete = func() {
		require.NoError(t, m.Set(ctx, "kitsu:anime:7", "new", types.CacheWriteConfig{TTL: time.Hour, Persistent: true}))
	}
	store.mu.Unlock()

	m.ClearExpired(ctx)

	assert.Equal(t, 1, m.GetStats().PersistentKeys)
	entry, err := store.Get(ctx, "kitsu:anime:7")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, `"new"`, string(entry.Data))
}

func TestCachedBytesAreCopied(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeClock())

	raw := json.RawMessage(`{"title":"A"}`)
	require.NoError(t, m.Set(ctx, "k", raw, types.CacheWriteConfig{TTL: time.Hour}))
	raw[10] = 'Z'

	first, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"A"}`, string(first))

	first[10] = 'Z'
	second, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"A"}`, string(second))
}

func TestExpiredEntriesAreEvictedLazily(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, nil, clock)

	require.NoError(t, m.Set(ctx, "k", 1, types.CacheWriteConfig{TTL: time.Second}))
	clock.Advance(2 * time.Second)

	assert.False(t, m.Has(ctx, "k"))
	assert.Equal(t, 1, m.GetStats().EntryCount)

	m.ClearExpired(ctx)
	assert.Equal(t, 0, m.GetStats().EntryCount)
}

func TestSizeTracking(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil, newFakeClock())

	cfg := types.CacheWriteConfig{TTL: time.Minute}
	require.NoError(t, m.Set(ctx, "k", "small", cfg))
	small := m.GetStats().CacheSize
	assert.Greater(t, small, int64(0))

	require.NoError(t, m.Set(ctx, "k", "a much longer value than before", cfg))
	larger := m.GetStats().CacheSize
	assert.Greater(t, larger, small)
	assert.Equal(t, 1, m.GetStats().EntryCount)

	_, err := m.Invalidate(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.GetStats().CacheSize)
}

func TestSeasonalEntryExpiresAfterAnHour(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, nil, clock)

	key := "jikan:seasonal:winter:2024:1"
	payload := []map[string]interface{}{{"id": 1, "title": "X"}}
	require.NoError(t, m.Set(ctx, key, payload, types.CacheWriteConfig{TTL: time.Hour}))

	got, ok := GetAs[[]map[string]interface{}](ctx, m, key)
	require.True(t, ok)
	assert.Equal(t, "X", got[0]["title"])

	clock.Advance(3_600_001 * time.Millisecond)
	_, ok = m.Get(ctx, key)
	assert.False(t, ok)
}

func TestPersistentEntrySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore(true)

	first := newTestManager(t, store, clock)
	require.NoError(t, first.Set(ctx, "jikan:anime:1", map[string]string{"title": "X"}, types.CacheWriteConfig{
		TTL:        time.Hour,
		Persistent: true,
	}))

	second := newTestManager(t, store, clock)
	assert.Equal(t, 1, second.GetStats().PersistentKeys)

	data, ok := second.Get(ctx, "jikan:anime:1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"X"}`, string(data))
	assert.Equal(t, 1, second.GetStats().EntryCount)
}

func TestOldVersionIsIgnoredAfterRestart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore(false)

	first := newTestManager(t, store, clock)
	require.NoError(t, first.Set(ctx, "k", 1, types.CacheWriteConfig{TTL: time.Hour, Persistent: true}))

	second := NewManager(ctx, logger.NewNopLogger(), &types.CacheConfig{Version: "2"}, Dependencies{Store: store, Clock: clock.Now})
	require.NoError(t, second.Start())

	assert.Equal(t, 0, second.GetStats().PersistentKeys)
	assert.False(t, second.Has(ctx, "k"))
}

func TestMemoryOnlyOverwriteDropsDurableCopy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(false)
	m := newTestManager(t, store, newFakeClock())

	require.NoError(t, m.Set(ctx, "k", 1, types.CacheWriteConfig{TTL: time.Hour, Persistent: true}))
	require.NoError(t, m.Set(ctx, "k", 2, types.CacheWriteConfig{TTL: time.Hour}))

	entry, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 0, m.GetStats().PersistentKeys)
}

func TestFailingStoreKeepsMemoryCorrect(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, &failingStore{}, clock)

	require.NoError(t, m.Set(ctx, "k", 1, types.CacheWriteConfig{TTL: time.Minute, Persistent: true}))

	data, ok := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "1", string(data))

	clock.Advance(2 * time.Minute)
	assert.False(t, m.Has(ctx, "k"))

	removed, err := m.Invalidate(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Equal(t, 0, m.ClearExpired(ctx))
	m.ClearAll(ctx)
}

func TestLifecycle(t *testing.T) {
	m := NewManager(context.Background(), logger.NewNopLogger(), nil, Dependencies{})

	assert.False(t, m.IsRunning())
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}
