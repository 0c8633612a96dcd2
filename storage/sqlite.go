package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLiteConfig struct {
	Path  string `json:"path"`
	Table string `json:"table"`
}

type SQLiteStore struct {
	db     *sql.DB
	logger types.Logger
	codec  codec
	table  string
}

func NewSQLiteStore(ctx context.Context, logger types.Logger, config *types.StorageConfig) (*SQLiteStore, error) {
	sqliteConfig := &SQLiteConfig{
		Path:  "data/cache.db",
		Table: "cache_entries",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite config")
		}
	}

	if !tableNamePattern.MatchString(sqliteConfig.Table) {
		return nil, types.Errorf(types.ErrInvalidParameter, "table name %q", sqliteConfig.Table)
	}

	db, err := sql.Open("sqlite3", sqliteConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite")
	}

	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cache_key TEXT PRIMARY KEY,
		payload   BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		ttl       INTEGER NOT NULL
	)`, sqliteConfig.Table)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to create sqlite table")
	}

	logger.Info("SQLite store opened",
		zap.String("path", sqliteConfig.Path),
		zap.String("table", sqliteConfig.Table))

	return &SQLiteStore{
		db:     db,
		logger: logger,
		codec:  newCodec(config.Compress),
		table:  sqliteConfig.Table,
	}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	var record []byte

	query := fmt.Sprintf("SELECT payload FROM %s WHERE cache_key = ?", s.table)
	err := s.db.QueryRowContext(ctx, query, storageKey(key)).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.WrapError(err, "sqlite select")
	}

	return s.codec.decode(record)
}

func (s *SQLiteStore) Put(ctx context.Context, entry *types.CacheEntry) error {
	record, err := s.codec.encode(entry)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (cache_key, payload, timestamp, ttl) VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET payload = excluded.payload, timestamp = excluded.timestamp, ttl = excluded.ttl`, s.table)

	if _, err := s.db.ExecContext(ctx, query, storageKey(entry.CacheKey), record, entry.Timestamp, entry.TTL); err != nil {
		return types.WrapError(err, "sqlite upsert")
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = ?", s.table)
	if _, err := s.db.ExecContext(ctx, query, storageKey(key)); err != nil {
		return types.WrapError(err, "sqlite delete")
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]*types.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT payload FROM %s", s.table))
	if err != nil {
		return nil, types.WrapError(err, "sqlite select all")
	}
	defer rows.Close()

	var entries []*types.CacheEntry
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, types.WrapError(err, "sqlite scan")
		}

		entry, err := s.codec.decode(record)
		if err != nil {
			s.logger.Warn("Skipping unreadable sqlite record", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, types.WrapError(err, "sqlite rows")
	}

	return entries, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return types.WrapError(err, "sqlite clear")
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "sqlite: %v", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
