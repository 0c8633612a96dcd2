package storage

import (
	"context"

	"github.com/saiset-co/sai-anime-cache/types"
)

// NoopStore keeps nothing. The cache manager runs memory-only on top of it.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (n *NoopStore) Name() string { return "none" }

func (n *NoopStore) Get(_ context.Context, _ string) (*types.CacheEntry, error) {
	return nil, nil
}

func (n *NoopStore) Put(_ context.Context, _ *types.CacheEntry) error { return nil }

func (n *NoopStore) Delete(_ context.Context, _ string) error { return nil }

func (n *NoopStore) GetAll(_ context.Context) ([]*types.CacheEntry, error) { return nil, nil }

func (n *NoopStore) Clear(_ context.Context) error { return nil }

func (n *NoopStore) Ping(_ context.Context) error { return nil }

func (n *NoopStore) Close() error { return nil }
