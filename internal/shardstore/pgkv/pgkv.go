// Package pgkv is a PostgreSQL-backed implementation of kv.Store, giving a
// shard store durability across restarts instead of the in-memory default.
package pgkv

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oriondb/oriondb/pkg/errors"
	"github.com/oriondb/oriondb/pkg/postgres"
)

// Schema creates the backing table if it does not already exist. Call once
// per process before constructing a Store.
const Schema = `
CREATE TABLE IF NOT EXISTS shard_kv (
	shard_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (shard_id, key)
)`

// Store is a kv.Store backed by a single Postgres table, namespaced by
// shardID so multiple shards can share one database.
type Store struct {
	db      *postgres.Client
	shardID string
}

// New returns a pgkv.Store for shardID. It does not create the schema;
// callers run Schema once at startup.
func New(db *postgres.Client, shardID string) *Store {
	return &Store{db: db, shardID: shardID}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT value FROM shard_kv WHERE shard_id = $1 AND key = $2`,
		s.shardID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgkv get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO shard_kv (shard_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (shard_id, key) DO UPDATE SET value = EXCLUDED.value`,
		s.shardID, key, value,
	)
	if err != nil {
		return fmt.Errorf("pgkv put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM shard_kv WHERE shard_id = $1 AND key = $2`,
		s.shardID, key,
	)
	if err != nil {
		return fmt.Errorf("pgkv delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT key, value FROM shard_kv WHERE shard_id = $1 AND left(key, length($2)) = $2 ORDER BY key`,
		s.shardID, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("pgkv list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("pgkv list scan: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
