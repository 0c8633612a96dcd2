package storage

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const (
	fieldCacheKey = "cache_key"
	fieldPayload  = "payload"
)

type CloverConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

// CloverStore keeps one document per cache key. The payload is the encoded
// entry as base64 so the document layer never reinterprets it.
type CloverStore struct {
	db         *clover.DB
	logger     types.Logger
	codec      codec
	collection string
	mu         sync.Mutex
}

func NewCloverStore(logger types.Logger, config *types.StorageConfig) (*CloverStore, error) {
	cloverConfig := &CloverConfig{
		Path:       "data/cache",
		Collection: "cache_entries",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover config")
		}
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	exists, err := db.HasCollection(cloverConfig.Collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := db.CreateCollection(cloverConfig.Collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	logger.Info("CloverDB store opened",
		zap.String("path", cloverConfig.Path),
		zap.String("collection", cloverConfig.Collection))

	return &CloverStore{
		db:         db,
		logger:     logger,
		codec:      newCodec(config.Compress),
		collection: cloverConfig.Collection,
	}, nil
}

func (c *CloverStore) Name() string { return "clover" }

func (c *CloverStore) byKey(key string) *clover.Query {
	return c.db.Query(c.collection).Where(clover.Field(fieldCacheKey).Eq(storageKey(key)))
}

func (c *CloverStore) Get(_ context.Context, key string) (*types.CacheEntry, error) {
	doc, err := c.byKey(key).FindFirst()
	if err != nil {
		return nil, types.WrapError(err, "failed to find document")
	}
	if doc == nil {
		return nil, nil
	}

	return c.decodeDocument(doc)
}

// Put replaces any existing document for the key.
func (c *CloverStore) Put(_ context.Context, entry *types.CacheEntry) error {
	record, err := c.codec.encode(entry)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.byKey(entry.CacheKey).Delete(); err != nil {
		return types.WrapError(err, "failed to replace document")
	}

	doc := clover.NewDocument()
	doc.Set(fieldCacheKey, storageKey(entry.CacheKey))
	doc.Set(fieldPayload, base64.StdEncoding.EncodeToString(record))

	if err := c.db.Insert(c.collection, doc); err != nil {
		return types.WrapError(err, "failed to insert document")
	}

	return nil
}

func (c *CloverStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.byKey(key).Delete(); err != nil {
		return types.WrapError(err, "failed to delete document")
	}
	return nil
}

func (c *CloverStore) GetAll(_ context.Context) ([]*types.CacheEntry, error) {
	docs, err := c.db.Query(c.collection).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	entries := make([]*types.CacheEntry, 0, len(docs))
	for _, doc := range docs {
		entry, err := c.decodeDocument(doc)
		if err != nil {
			c.logger.Warn("Skipping unreadable clover document", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (c *CloverStore) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.Query(c.collection).Delete(); err != nil {
		return types.WrapError(err, "failed to clear collection")
	}
	return nil
}

func (c *CloverStore) Ping(_ context.Context) error {
	if _, err := c.db.HasCollection(c.collection); err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "clover: %v", err)
	}
	return nil
}

func (c *CloverStore) Close() error {
	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}
	return nil
}

func (c *CloverStore) decodeDocument(doc *clover.Document) (*types.CacheEntry, error) {
	payload, ok := doc.Get(fieldPayload).(string)
	if !ok {
		return nil, types.Errorf(types.ErrStoreDecodeFailed, "document has no payload")
	}

	record, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreDecodeFailed, "payload: %v", err)
	}

	return c.codec.decode(record)
}
