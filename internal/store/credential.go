package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"lorekeep/internal/auth"
)

// GetCredential loads a credential by correlation id. A missing row is
// reported as (nil, nil): the auth manager maps that to Unauthorized.
func (s *Store) GetCredential(ctx context.Context, correlationID string) (*auth.Credential, error) {
	var tokenJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_json FROM credentials WHERE correlation_id = ?`,
		correlationID).Scan(&tokenJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(tokenJSON), &tok); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &auth.Credential{CorrelationID: correlationID, Token: tok}, nil
}

// PutCredential stores or replaces a credential.
func (s *Store) PutCredential(ctx context.Context, cred *auth.Credential) error {
	tokenJSON, err := json.Marshal(cred.Token)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (correlation_id, token_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			token_json = excluded.token_json,
			updated_at = excluded.updated_at
	`, cred.CorrelationID, string(tokenJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	return nil
}

// LatestCredential returns the most recently updated credential, or
// (nil, nil) when no remote link exists.
func (s *Store) LatestCredential(ctx context.Context) (*auth.Credential, error) {
	var correlationID, tokenJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, token_json FROM credentials ORDER BY updated_at DESC LIMIT 1`).
		Scan(&correlationID, &tokenJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(tokenJSON), &tok); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &auth.Credential{CorrelationID: correlationID, Token: tok}, nil
}

// DeleteCredential removes a credential and its scoped cache entries.
func (s *Store) DeleteCredential(ctx context.Context, correlationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE correlation_id = ?`, correlationID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return s.PurgeCache(ctx, correlationID)
}
