package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lorekeep/internal/docs"
)

// Draft is a proposed edit to one repository-relative document path. Rows
// are never deleted: a cleared draft (needs_persist = 0) keeps the
// last-known content for its path.
type Draft struct {
	SessionID    string
	Path         string
	Content      string
	Summary      string
	NeedsPersist bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertDraft normalizes the path (propagating normalization errors), then
// updates the draft in place when one exists for (sessionID, path) or
// inserts a new row. The draft is always left needs_persist = 1, and the
// parent session's aggregates are recomputed in the same transaction.
// Returns the canonical path and the session's new pending draft count.
func (s *Store) UpsertDraft(ctx context.Context, sessionID, path, content, summary string) (string, int, error) {
	canonical, err := docs.NormalizePath(path)
	if err != nil {
		return "", 0, err
	}

	var count int
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		now := time.Now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO drafts (session_id, path, content, summary, needs_persist, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(session_id, path) DO UPDATE SET
				content = excluded.content,
				summary = excluded.summary,
				needs_persist = 1,
				updated_at = excluded.updated_at
		`, sessionID, canonical, content, summary, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert draft: %w", err)
		}

		count, err = recomputePending(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	return canonical, count, nil
}

// PendingDrafts returns the drafts with needs_persist = 1, ordered by path.
func (s *Store) PendingDrafts(ctx context.Context, sessionID string) ([]Draft, error) {
	return s.queryDrafts(ctx,
		`SELECT session_id, path, content, summary, needs_persist, created_at, updated_at
		 FROM drafts WHERE session_id = ? AND needs_persist = 1 ORDER BY path`, sessionID)
}

// ListDrafts returns every draft of a session, cleared ones included.
func (s *Store) ListDrafts(ctx context.Context, sessionID string) ([]Draft, error) {
	return s.queryDrafts(ctx,
		`SELECT session_id, path, content, summary, needs_persist, created_at, updated_at
		 FROM drafts WHERE session_id = ? ORDER BY path`, sessionID)
}

// MarkDraftsPersisted clears needs_persist for exactly the committed drafts
// and recomputes the session aggregates in the same transaction. Clearing
// matches on content as well as path: a draft re-upserted with a new body
// while the commit was in flight stays pending, because that body was never
// committed. Drafts queued under new paths mid-flight are not in committed
// and stay pending too.
func (s *Store) MarkDraftsPersisted(ctx context.Context, sessionID string, committed []Draft) error {
	if len(committed) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range committed {
			_, err := tx.ExecContext(ctx,
				`UPDATE drafts SET needs_persist = 0
				 WHERE session_id = ? AND path = ? AND content = ?`,
				sessionID, d.Path, d.Content)
			if err != nil {
				return fmt.Errorf("failed to clear draft %s: %w", d.Path, err)
			}
		}
		_, err := recomputePending(ctx, tx, sessionID)
		return err
	})
}

func (s *Store) queryDrafts(ctx context.Context, query string, args ...any) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		var d Draft
		var needsPersist int
		var createdAt, updatedAt int64
		if err := rows.Scan(&d.SessionID, &d.Path, &d.Content, &d.Summary,
			&needsPersist, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		d.NeedsPersist = needsPersist == 1
		d.CreatedAt = time.Unix(createdAt, 0)
		d.UpdatedAt = time.Unix(updatedAt, 0)
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// recomputePending derives draft_count and has_pending_changes from the
// needs_persist rows. The aggregate is never adjusted incrementally, so the
// invariant (count == pending rows) cannot drift.
func recomputePending(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM drafts WHERE session_id = ? AND needs_persist = 1`,
		sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending drafts: %w", err)
	}
	pending := 0
	if count > 0 {
		pending = 1
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET draft_count = ?, has_pending_changes = ?, updated_at = ? WHERE id = ?`,
		count, pending, time.Now().Unix(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to update session aggregates: %w", err)
	}
	return count, nil
}
