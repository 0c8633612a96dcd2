package storage

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
)

type StoreCreator func(ctx context.Context, logger types.Logger, config *types.StorageConfig) (types.DurableStore, error)

var (
	storeCreators   = make(map[string]StoreCreator)
	storeCreatorsMu sync.RWMutex
)

// RegisterStore adds a store type. The built-in types register themselves
// at init; registering one of their names replaces it.
func RegisterStore(storeType string, creator StoreCreator) {
	storeCreatorsMu.Lock()
	defer storeCreatorsMu.Unlock()
	storeCreators[storeType] = creator
}

func init() {
	RegisterStore("memory", func(_ context.Context, _ types.Logger, config *types.StorageConfig) (types.DurableStore, error) {
		return NewMemoryStore(config.Compress), nil
	})
	RegisterStore("clover", func(_ context.Context, logger types.Logger, config *types.StorageConfig) (types.DurableStore, error) {
		return NewCloverStore(logger, config)
	})
	RegisterStore("redis", func(ctx context.Context, logger types.Logger, config *types.StorageConfig) (types.DurableStore, error) {
		return NewRedisStore(ctx, logger, config, nil)
	})
	RegisterStore("sqlite", func(ctx context.Context, logger types.Logger, config *types.StorageConfig) (types.DurableStore, error) {
		return NewSQLiteStore(ctx, logger, config)
	})
}

// NewDurableStore opens the configured store. It never fails: when the
// store is disabled or cannot be opened the cache runs memory-only on a
// NoopStore.
func NewDurableStore(ctx context.Context, logger types.Logger, config *types.StorageConfig) types.DurableStore {
	if config == nil || !config.Enabled || config.Type == "" || config.Type == "none" {
		logger.Info("Durable store disabled, cache is memory-only")
		return NewNoopStore()
	}

	store, err := openStore(ctx, logger, config)
	if err != nil {
		logger.Warn("Durable store unavailable, falling back to memory-only",
			zap.String("type", config.Type),
			zap.Error(err))
		return NewNoopStore()
	}

	return store
}

func openStore(ctx context.Context, logger types.Logger, config *types.StorageConfig) (types.DurableStore, error) {
	storeCreatorsMu.RLock()
	creator, exists := storeCreators[config.Type]
	storeCreatorsMu.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
	}

	return creator(ctx, logger, config)
}
