package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type RedisConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	Prefix      string `json:"prefix"`
	DialTimeout string `json:"dial_timeout"`
	ScanCount   int64  `json:"scan_count"`
}

// RedisStore mirrors each entry's remaining TTL as the redis expiry, so
// redis drops expired records on its own.
type RedisStore struct {
	client *redis.Client
	logger types.Logger
	codec  codec
	config *RedisConfig
	now    types.Clock
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StorageConfig, now types.Clock) (*RedisStore, error) {
	redisConfig := &RedisConfig{
		Addr:        "localhost:6379",
		Prefix:      "sai-anime-cache:",
		DialTimeout: "5s",
		ScanCount:   100,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis config")
		}
	}

	dialTimeout, err := time.ParseDuration(redisConfig.DialTimeout)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "dial_timeout: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        redisConfig.Addr,
		Password:    redisConfig.Password,
		DB:          redisConfig.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrStoreUnavailable, "redis ping %s: %v", redisConfig.Addr, err)
	}

	logger.Info("Redis store connected",
		zap.String("addr", redisConfig.Addr),
		zap.Int("db", redisConfig.DB),
		zap.String("prefix", redisConfig.Prefix))

	store := &RedisStore{
		client: client,
		logger: logger,
		codec:  newCodec(config.Compress),
		config: redisConfig,
	}

	if now == nil {
		now = time.Now
	}
	store.now = now

	return store, nil
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) key(key string) string {
	return r.config.Prefix + storageKey(key)
}

func (r *RedisStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	record, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(err, "redis get")
	}

	return r.codec.decode(record)
}

func (r *RedisStore) Put(ctx context.Context, entry *types.CacheEntry) error {
	remaining := time.Duration(entry.TTL-entry.Age(r.now())) * time.Millisecond
	if remaining <= 0 {
		return r.Delete(ctx, entry.CacheKey)
	}

	record, err := r.codec.encode(entry)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.key(entry.CacheKey), record, remaining).Err(); err != nil {
		return types.WrapError(err, "redis set")
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return types.WrapError(err, "redis del")
	}
	return nil
}

func (r *RedisStore) GetAll(ctx context.Context) ([]*types.CacheEntry, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, types.WrapError(err, "redis mget")
	}

	entries := make([]*types.CacheEntry, 0, len(values))
	for i, value := range values {
		record, ok := value.(string)
		if !ok {
			continue
		}

		entry, err := r.codec.decode([]byte(record))
		if err != nil {
			r.logger.Warn("Skipping unreadable redis record", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return types.WrapError(err, "redis del")
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "redis: %v", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)

	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.config.Prefix+"*", r.config.ScanCount).Result()
		if err != nil {
			return nil, types.WrapError(err, "redis scan")
		}

		keys = append(keys, batch...)
		cursor = next

		if cursor == 0 {
			return keys, nil
		}
	}
}
