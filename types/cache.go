package types

import (
	"context"
	"encoding/json"
	"time"
)

// CacheManager is the memory + durable cache used by the per-API services.
// Misses, expired entries and durable-store failures are never errors.
type CacheManager interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, data interface{}, config CacheWriteConfig) error
	Invalidate(ctx context.Context, pattern string) (int, error)
	ClearExpired(ctx context.Context) int
	ClearAll(ctx context.Context)
	Has(ctx context.Context, key string) bool
	GetStats() CacheStats
	GetHitRate() float64
}

type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
	Version   string          `json:"version"`
	StaleTime int64           `json:"stale_time,omitempty"`
	CacheKey  string          `json:"cache_key"`
}

func (e *CacheEntry) Age(now time.Time) int64 {
	return now.UnixMilli() - e.Timestamp
}

func (e *CacheEntry) IsValid(now time.Time) bool {
	return e.Age(now) < e.TTL
}

// IsStale reports a valid entry past its staleTime, a refresh candidate.
func (e *CacheEntry) IsStale(now time.Time) bool {
	return e.StaleTime > 0 && e.Age(now) > e.StaleTime
}

// CacheWriteConfig is the write-time policy chosen by the caller.
type CacheWriteConfig struct {
	TTL        time.Duration `json:"ttl"`
	StaleTime  time.Duration `json:"stale_time,omitempty"`
	Version    string        `json:"version,omitempty"`
	Persistent bool          `json:"persistent"`
}

type CacheStats struct {
	HitCount       uint64 `json:"hit_count"`
	MissCount      uint64 `json:"miss_count"`
	TotalRequests  uint64 `json:"total_requests"`
	CacheSize      int64  `json:"cache_size"`
	LastClearTime  int64  `json:"last_clear_time"`
	EntryCount     int    `json:"entry_count"`
	PersistentKeys int    `json:"persistent_keys"`
}

func (s CacheStats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(s.TotalRequests) * 100
}
