package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CacheTTL is how long a remote listing cache entry is considered fresh.
const CacheTTL = 10 * time.Minute

// GetCache returns the cached payload for (correlationID, scope, key) when
// it is younger than CacheTTL, or nil on a miss.
func (s *Store) GetCache(ctx context.Context, correlationID, scope, key string) ([]byte, error) {
	var payload []byte
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM remote_listing_cache
		 WHERE correlation_id = ? AND scope = ? AND key = ?`,
		correlationID, scope, key).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if time.Since(time.Unix(updatedAt, 0)) > CacheTTL {
		return nil, nil
	}
	return payload, nil
}

// PutCache stores or replaces a cache entry and stamps it fresh.
func (s *Store) PutCache(ctx context.Context, correlationID, scope, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_listing_cache (correlation_id, scope, key, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id, scope, key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, correlationID, scope, key, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// PurgeCache drops every cache entry scoped to a correlation id. Called when
// the credential is invalidated.
func (s *Store) PurgeCache(ctx context.Context, correlationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM remote_listing_cache WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return fmt.Errorf("failed to purge cache: %w", err)
	}
	return nil
}
