package types

import "context"

// DurableStore survives process restarts. Get returns (nil, nil) when the
// key is absent.
type DurableStore interface {
	Name() string
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) ([]*CacheEntry, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
