package anime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/cache"
	"github.com/saiset-co/sai-anime-cache/dedup"
	"github.com/saiset-co/sai-anime-cache/scheduler"
	"github.com/saiset-co/sai-anime-cache/types"
)

// Policy is the cache policy of one data category.
type Policy struct {
	TTL        time.Duration
	StaleTime  time.Duration
	Persistent bool
}

func (p Policy) writeConfig() types.CacheWriteConfig {
	return types.CacheWriteConfig{
		TTL:        p.TTL,
		StaleTime:  p.StaleTime,
		Persistent: p.Persistent,
	}
}

// Loader composes the cache, the deduplicator and one upstream's scheduler
// into the read path every service uses.
type Loader struct {
	logger    types.Logger
	cache     types.CacheManager
	dedup     types.RequestDeduplicator
	scheduler types.RequestScheduler
}

func NewLoader(logger types.Logger, cache types.CacheManager, dedup types.RequestDeduplicator, scheduler types.RequestScheduler) *Loader {
	return &Loader{
		logger:    logger,
		cache:     cache,
		dedup:     dedup,
		scheduler: scheduler,
	}
}

// Load answers from the cache, or runs fetch once for all concurrent
// callers of key behind the upstream's rate limit and caches the result.
// A failed fetch writes nothing.
func Load[T any](ctx context.Context, l *Loader, key string, policy Policy, fetch func(ctx context.Context) (T, error)) (T, error) {
	if cached, ok := cache.GetAs[T](ctx, l.cache, key); ok {
		return cached, nil
	}

	return dedup.Run(ctx, l.dedup, key, func(ctx context.Context) (T, error) {
		value, err := scheduler.Run(ctx, l.scheduler, fetch)
		if err != nil {
			return value, err
		}

		if err := cache.SetAs(ctx, l.cache, key, value, policy.writeConfig()); err != nil {
			l.logger.Warn("Failed to cache upstream result",
				zap.String("key", key),
				zap.Error(err))
		}

		return value, nil
	}, nil)
}

// LoadFresh always calls the upstream. It is for endpoints whose answer
// must differ between calls, so neither the cache nor the completed
// request memo may serve them.
func LoadFresh[T any](ctx context.Context, l *Loader, fetch func(ctx context.Context) (T, error)) (T, error) {
	return scheduler.Run(ctx, l.scheduler, fetch)
}
