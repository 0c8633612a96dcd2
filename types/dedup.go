package types

import (
	"context"
	"time"
)

type RequestFunc func(ctx context.Context) (interface{}, error)

type RequestDeduplicator interface {
	Do(ctx context.Context, key string, fn RequestFunc, opts *DedupOptions) (interface{}, error)
	Cancel(key string)
	CancelAll()
	GetStats() DedupStats
}

// DedupOptions overrides deduplicator defaults for one call. Zero values
// keep the defaults.
type DedupOptions struct {
	SkipCompletedCache bool
	CompletedTTL       time.Duration
	Timeout            time.Duration
}

type DedupStats struct {
	PendingCount       int      `json:"pending_count"`
	CompletedCacheSize int      `json:"completed_cache_size"`
	PendingKeys        []string `json:"pending_keys"`
}
