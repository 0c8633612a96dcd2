package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-anime-cache/storage"
	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const DefaultStoreTimeout = 5 * time.Second

// Dependencies are the collaborators a Manager is built on. Zero values
// fall back to a NoopStore, no events and the wall clock.
type Dependencies struct {
	Store  types.DurableStore
	Events types.EventPublisher
	Clock  types.Clock
}

type memoryEntry struct {
	entry *types.CacheEntry
	size  int64
}

// Manager is the two-tier cache: an in-memory map that serves reads and a
// durable store that keeps entries written with Persistent across restarts.
//
// Expired memory entries are evicted lazily: a read of an expired entry
// counts as a miss but leaves it in place until ClearExpired, Invalidate,
// ClearAll or an overwrite removes it. CacheSize includes such entries.
type Manager struct {
	ctx          context.Context
	logger       types.Logger
	store        types.DurableStore
	events       types.EventPublisher
	now          types.Clock
	version      string
	storeTimeout time.Duration

	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	persistent map[string]struct{}
	size       int64

	statsMu   sync.Mutex
	hits      uint64
	misses    uint64
	total     uint64
	lastClear int64

	backfill singleflight.Group
	state    atomic.Value
}

func NewManager(ctx context.Context, logger types.Logger, config *types.CacheConfig, deps Dependencies) *Manager {
	if deps.Store == nil {
		deps.Store = storage.NewNoopStore()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	version := "1"
	if config != nil && config.Version != "" {
		version = config.Version
	}

	m := &Manager{
		ctx:          ctx,
		logger:       logger,
		store:        deps.Store,
		events:       deps.Events,
		now:          deps.Clock,
		version:      version,
		storeTimeout: DefaultStoreTimeout,
		entries:      make(map[string]*memoryEntry),
		persistent:   make(map[string]struct{}),
	}

	m.state.Store(StateStopped)

	return m
}

// Start registers every valid, current-version entry already in the
// durable store as persistent, so it can be read back after a restart.
func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	ctx, cancel := m.storeContext(m.ctx)
	defer cancel()

	entries, err := m.store.GetAll(ctx)
	if err != nil {
		m.logger.Warn("Failed to load persistent keys, continuing memory-only",
			zap.String("store", m.store.Name()),
			zap.Error(err))
	}

	now := m.now()
	loaded := 0

	m.mu.Lock()
	for _, entry := range entries {
		if entry.Version != m.version || !entry.IsValid(now) {
			continue
		}
		m.persistent[entry.CacheKey] = struct{}{}
		loaded++
	}
	m.mu.Unlock()

	m.setState(StateRunning)

	m.logger.Info("Cache manager started",
		zap.String("store", m.store.Name()),
		zap.String("version", m.version),
		zap.Int("persistent_keys", loaded))

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	m.setState(StateStopped)
	m.logger.Info("Cache manager stopped", zap.Any("stats", m.GetStats()))
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	now := m.now()

	m.mu.RLock()
	item, inMemory := m.entries[key]
	_, isPersistent := m.persistent[key]
	m.mu.RUnlock()

	if inMemory && item.entry.IsValid(now) {
		if item.entry.IsStale(now) {
			m.logger.Debug("Serving stale cache entry",
				zap.String("key", key),
				zap.Int64("age_ms", item.entry.Age(now)))
		}
		m.record(true)
		return append([]byte(nil), item.entry.Data...), true
	}

	if isPersistent {
		if entry := m.readThrough(ctx, key, now); entry != nil {
			m.record(true)
			return append([]byte(nil), entry.Data...), true
		}
	}

	m.record(false)
	return nil, false
}

func (m *Manager) Has(ctx context.Context, key string) bool {
	_, ok := m.Get(ctx, key)
	return ok
}

// readThrough loads a persistent key from the durable store and backfills
// memory. Concurrent reads of one key share a single store round trip.
func (m *Manager) readThrough(ctx context.Context, key string, now time.Time) *types.CacheEntry {
	// the shared load must not fail for every waiter when the first caller goes away
	result, _, _ := m.backfill.Do(key, func() (interface{}, error) {
		storeCtx, cancel := m.storeContext(context.WithoutCancel(ctx))
		defer cancel()

		entry, err := m.store.Get(storeCtx, key)
		if err != nil {
			m.logger.Warn("Durable store read failed",
				zap.String("key", key),
				zap.String("store", m.store.Name()),
				zap.Error(err))
			return nil, nil
		}

		if entry == nil {
			return nil, nil
		}

		if entry.Version != m.version {
			m.logger.Debug("Dropping durable entry with old version",
				zap.String("key", key),
				zap.String("version", entry.Version))
			m.forgetPersistent(storeCtx, key)
			return nil, nil
		}

		return entry, nil
	})

	entry, _ := result.(*types.CacheEntry)
	if entry == nil || !entry.IsValid(now) {
		return nil
	}

	m.mu.Lock()
	if current, ok := m.entries[key]; !ok || current.entry.Timestamp <= entry.Timestamp {
		m.putLocked(entry)
	}
	m.mu.Unlock()

	return entry
}

func (m *Manager) Set(ctx context.Context, key string, data interface{}, config types.CacheWriteConfig) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if config.TTL <= 0 {
		return types.Errorf(types.ErrCacheTTLInvalid, "key %s: ttl %s", key, config.TTL)
	}

	raw, err := encodeData(data)
	if err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "encode %s: %v", key, err)
	}

	version := config.Version
	if version == "" {
		version = m.version
	}

	entry := &types.CacheEntry{
		Data:      raw,
		Timestamp: m.now().UnixMilli(),
		TTL:       config.TTL.Milliseconds(),
		Version:   version,
		StaleTime: config.StaleTime.Milliseconds(),
		CacheKey:  key,
	}

	m.mu.Lock()
	m.putLocked(entry)
	_, wasPersistent := m.persistent[key]
	if config.Persistent {
		m.persistent[key] = struct{}{}
	} else {
		delete(m.persistent, key)
	}
	m.mu.Unlock()

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()

	switch {
	case config.Persistent:
		if err := m.store.Put(storeCtx, entry); err != nil {
			m.logger.Warn("Durable store write failed, entry kept in memory only",
				zap.String("key", key),
				zap.String("store", m.store.Name()),
				zap.Error(err))
		}
	case wasPersistent:
		// a memory-only overwrite must not leave an older durable copy behind
		m.deleteDurable(storeCtx, key)
	}

	return nil
}

func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	match, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}

	removed := make(map[string]struct{})
	var durable []string

	m.mu.Lock()
	for key := range m.entries {
		if match(key) {
			m.deleteLocked(key)
			removed[key] = struct{}{}
		}
	}
	for key := range m.persistent {
		if match(key) {
			delete(m.persistent, key)
			durable = append(durable, key)
			removed[key] = struct{}{}
		}
	}
	m.mu.Unlock()

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()

	for _, key := range durable {
		m.deleteDurable(storeCtx, key)
	}

	count := len(removed)

	m.logger.Debug("Cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", count))

	m.publish(types.ActionCacheInvalidated, map[string]interface{}{
		"pattern": pattern,
		"removed": count,
	})

	return count, nil
}

// ClearExpired removes expired memory entries, then expired durable
// records judged by each record's own timestamp and ttl. The count is of
// distinct keys.
func (m *Manager) ClearExpired(ctx context.Context) int {
	now := m.now()
	removed := make(map[string]struct{})

	m.mu.Lock()
	for key, item := range m.entries {
		if !item.entry.IsValid(now) {
			m.deleteLocked(key)
			removed[key] = struct{}{}
		}
	}
	m.mu.Unlock()

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()

	entries, err := m.store.GetAll(storeCtx)
	if err != nil {
		m.logger.Warn("Durable store scan failed during expiry sweep",
			zap.String("store", m.store.Name()),
			zap.Error(err))
	}

	for _, entry := range entries {
		if entry.IsValid(now) {
			continue
		}
		if m.expireDurable(storeCtx, entry, now) {
			removed[entry.CacheKey] = struct{}{}
		}
	}

	count := len(removed)

	m.logger.Debug("Expired cache entries cleared", zap.Int("removed", count))

	if count > 0 {
		m.publish(types.ActionCacheExpiredSwept, map[string]interface{}{
			"removed": count,
		})
	}

	return count
}

func (m *Manager) ClearAll(ctx context.Context) {
	now := m.now().UnixMilli()

	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.persistent = make(map[string]struct{})
	m.size = 0
	m.mu.Unlock()

	m.statsMu.Lock()
	m.lastClear = now
	m.statsMu.Unlock()

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()

	if err := m.store.Clear(storeCtx); err != nil {
		m.logger.Warn("Durable store clear failed",
			zap.String("store", m.store.Name()),
			zap.Error(err))
	}

	m.logger.Info("Cache cleared", zap.Int64("last_clear_time", now))

	m.publish(types.ActionCacheCleared, map[string]interface{}{
		"last_clear_time": now,
	})
}

func (m *Manager) GetStats() types.CacheStats {
	m.mu.RLock()
	size := m.size
	entries := len(m.entries)
	persistent := len(m.persistent)
	m.mu.RUnlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	return types.CacheStats{
		HitCount:       m.hits,
		MissCount:      m.misses,
		TotalRequests:  m.total,
		CacheSize:      size,
		LastClearTime:  m.lastClear,
		EntryCount:     entries,
		PersistentKeys: persistent,
	}
}

func (m *Manager) GetHitRate() float64 {
	return m.GetStats().HitRate()
}

func (m *Manager) record(hit bool) {
	m.statsMu.Lock()
	m.total++
	if hit {
		m.hits++
	} else {
		m.misses++
	}
	m.statsMu.Unlock()
}

func (m *Manager) putLocked(entry *types.CacheEntry) {
	m.deleteLocked(entry.CacheKey)

	item := &memoryEntry{entry: entry, size: entrySize(entry)}
	m.entries[entry.CacheKey] = item
	m.size += item.size
}

func (m *Manager) deleteLocked(key string) {
	if item, ok := m.entries[key]; ok {
		m.size -= item.size
		delete(m.entries, key)
	}
}

func (m *Manager) forgetPersistent(ctx context.Context, key string) {
	m.mu.Lock()
	delete(m.persistent, key)
	m.mu.Unlock()

	m.deleteDurable(ctx, key)
}

// expireDurable deletes an expired durable record found by a scan. A
// persistent write that landed after the scan is kept, and one that lands
// while the delete runs is written back.
func (m *Manager) expireDurable(ctx context.Context, expired *types.CacheEntry, now time.Time) bool {
	key := expired.CacheKey

	m.mu.Lock()
	if m.newerPersistentLocked(expired, now) != nil {
		m.mu.Unlock()
		return false
	}
	delete(m.persistent, key)
	m.mu.Unlock()

	m.deleteDurable(ctx, key)

	m.mu.Lock()
	fresh := m.newerPersistentLocked(expired, now)
	m.mu.Unlock()

	if fresh == nil {
		return true
	}

	if err := m.store.Put(ctx, fresh); err != nil {
		m.logger.Warn("Durable store rewrite failed after expiry sweep",
			zap.String("key", key),
			zap.String("store", m.store.Name()),
			zap.Error(err))
	}
	return false
}

func (m *Manager) newerPersistentLocked(expired *types.CacheEntry, now time.Time) *types.CacheEntry {
	if _, ok := m.persistent[expired.CacheKey]; !ok {
		return nil
	}
	item, ok := m.entries[expired.CacheKey]
	if !ok || !item.entry.IsValid(now) || item.entry.Timestamp < expired.Timestamp {
		return nil
	}
	return item.entry
}

func (m *Manager) deleteDurable(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("Durable store delete failed",
			zap.String("key", key),
			zap.String("store", m.store.Name()),
			zap.Error(err))
	}
}

func (m *Manager) publish(action string, payload interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(action, payload); err != nil {
		m.logger.Debug("Cache event not published",
			zap.String("action", action),
			zap.Error(err))
	}
}

// storeContext bounds a durable call to storeTimeout.
func (m *Manager) storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, m.storeTimeout)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func encodeData(data interface{}) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	return utils.Marshal(data)
}

// entrySize is the serialized length of the entry, the unit CacheSize is
// reported in.
func entrySize(entry *types.CacheEntry) int64 {
	raw, err := utils.Marshal(entry)
	if err != nil {
		return int64(len(entry.Data) + len(entry.CacheKey))
	}
	return int64(len(raw))
}

// GetAs decodes a cached value into T. A value that no longer decodes is
// reported as absent.
func GetAs[T any](ctx context.Context, c types.CacheManager, key string) (T, bool) {
	var out T

	raw, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}

	if err := utils.Unmarshal(raw, &out); err != nil {
		return out, false
	}

	return out, true
}

func SetAs[T any](ctx context.Context, c types.CacheManager, key string, value T, config types.CacheWriteConfig) error {
	return c.Set(ctx, key, value, config)
}
