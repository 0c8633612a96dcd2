package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-anime-cache/types"
)

// MemoryStore keeps encoded records in a map. Records are copies, so a
// caller mutating an entry after Put does not change what Get returns.
type MemoryStore struct {
	codec  codec
	data   map[string][]byte
	mu     sync.RWMutex
	closed atomic.Bool
}

func NewMemoryStore(compress bool) *MemoryStore {
	return &MemoryStore{
		codec: newCodec(compress),
		data:  make(map[string][]byte),
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Get(_ context.Context, key string) (*types.CacheEntry, error) {
	if m.closed.Load() {
		return nil, types.ErrStoreClosed
	}

	m.mu.RLock()
	record, ok := m.data[storageKey(key)]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	return m.codec.decode(record)
}

func (m *MemoryStore) Put(_ context.Context, entry *types.CacheEntry) error {
	if m.closed.Load() {
		return types.ErrStoreClosed
	}

	record, err := m.codec.encode(entry)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.data[storageKey(entry.CacheKey)] = record
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return types.ErrStoreClosed
	}

	m.mu.Lock()
	delete(m.data, storageKey(key))
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) GetAll(_ context.Context) ([]*types.CacheEntry, error) {
	if m.closed.Load() {
		return nil, types.ErrStoreClosed
	}

	m.mu.RLock()
	records := make([][]byte, 0, len(m.data))
	for _, record := range m.data {
		records = append(records, record)
	}
	m.mu.RUnlock()

	entries := make([]*types.CacheEntry, 0, len(records))
	for _, record := range records {
		entry, err := m.codec.decode(record)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	if m.closed.Load() {
		return types.ErrStoreClosed
	}

	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	if m.closed.Load() {
		return types.ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}
