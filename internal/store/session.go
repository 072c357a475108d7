package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lorekeep/internal/docs"
)

// ProjectRef identifies the upstream project a session was created from.
type ProjectRef struct {
	UUID string `json:"uuid"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// WorkspaceRef identifies a workspace. Slug may be empty for older rows.
type WorkspaceRef struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// RepoRef identifies a repository within the workspace.
type RepoRef struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// BranchRef identifies the destination branch of a session.
type BranchRef struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// PullRequestRef is the session's cached PR descriptor. The remote host is
// the source of truth; this is a cache that may race with concurrent edits.
type PullRequestRef struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Branch    string    `json:"branch"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskRef optionally links a session to an external tracker task.
type TaskRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Session is the durable record of one conversational workspace.
type Session struct {
	ID                string
	Label             string
	Project           ProjectRef
	Workspace         WorkspaceRef
	Repo              RepoRef
	Branch            BranchRef
	Context           *docs.Bundle
	AllowWrites       bool
	HasPendingChanges bool
	DraftCount        int
	PR                *PullRequestRef
	Task              *TaskRef
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionSummary is the lightweight listing shape.
type SessionSummary struct {
	ID                string
	Label             string
	Repo              RepoRef
	Branch            BranchRef
	HasPendingChanges bool
	DraftCount        int
	UpdatedAt         time.Time
}

// UpdateSession carries the mutable fields of a session; nil pointers are
// left untouched. Pending-change aggregates are owned by the draft
// operations and not settable here.
type UpdateSession struct {
	ID          string
	Label       *string
	Context     *docs.Bundle
	AllowWrites *bool
	PR          *PullRequestRef
	Task        *TaskRef
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	contextJSON, err := marshalBundle(sess.Context)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (
			id, label,
			project_uuid, project_key, project_name,
			workspace_slug, workspace_name, workspace_uuid,
			repo_slug, repo_name,
			branch_name, branch_is_default,
			context_json, allow_writes,
			has_pending_changes, draft_count,
			pr_id, pr_url, pr_branch, pr_title, pr_updated_at,
			task_key, task_url,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, NULL, NULL, NULL, NULL, ?, ?, ?, ?)
	`
	var taskKey, taskURL sql.NullString
	if sess.Task != nil {
		taskKey = sql.NullString{String: sess.Task.Key, Valid: true}
		taskURL = sql.NullString{String: sess.Task.URL, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.Label,
		sess.Project.UUID, sess.Project.Key, sess.Project.Name,
		sess.Workspace.Slug, sess.Workspace.Name, sess.Workspace.UUID,
		sess.Repo.Slug, sess.Repo.Name,
		sess.Branch.Name, boolToInt(sess.Branch.IsDefault),
		contextJSON, boolToInt(sess.AllowWrites),
		taskKey, taskURL,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, label,
	project_uuid, project_key, project_name,
	workspace_slug, workspace_name, workspace_uuid,
	repo_slug, repo_name,
	branch_name, branch_is_default,
	context_json, allow_writes,
	has_pending_changes, draft_count,
	pr_id, pr_url, pr_branch, pr_title, pr_updated_at,
	task_key, task_url,
	created_at, updated_at
`

// GetSession loads one session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// ListSessions returns session summaries, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	query := `
		SELECT id, label, repo_slug, repo_name, branch_name, branch_is_default,
		       has_pending_changes, draft_count, updated_at
		FROM sessions
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sm SessionSummary
		var pending, isDefault int
		var updatedAt int64
		if err := rows.Scan(&sm.ID, &sm.Label, &sm.Repo.Slug, &sm.Repo.Name,
			&sm.Branch.Name, &isDefault, &pending, &sm.DraftCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		sm.Branch.IsDefault = isDefault == 1
		sm.HasPendingChanges = pending == 1
		sm.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, sm)
	}
	return sessions, rows.Err()
}

// UpdateSessionFields applies the non-nil fields of update and stamps
// updated_at.
func (s *Store) UpdateSessionFields(ctx context.Context, update *UpdateSession) error {
	set := "updated_at = ?"
	args := []any{time.Now().Unix()}

	if update.Label != nil {
		set += ", label = ?"
		args = append(args, *update.Label)
	}
	if update.Context != nil {
		contextJSON, err := marshalBundle(update.Context)
		if err != nil {
			return err
		}
		set += ", context_json = ?"
		args = append(args, contextJSON)
	}
	if update.AllowWrites != nil {
		set += ", allow_writes = ?"
		args = append(args, boolToInt(*update.AllowWrites))
	}
	if update.PR != nil {
		set += ", pr_id = ?, pr_url = ?, pr_branch = ?, pr_title = ?, pr_updated_at = ?"
		args = append(args, update.PR.ID, update.PR.URL, update.PR.Branch, update.PR.Title, update.PR.UpdatedAt.Unix())
	}
	if update.Task != nil {
		set += ", task_key = ?, task_url = ?"
		args = append(args, update.Task.Key, update.Task.URL)
	}

	args = append(args, update.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var branchDefault, allowWrites, pending int
	var contextJSON sql.NullString
	var prID sql.NullInt64
	var prURL, prBranch, prTitle sql.NullString
	var prUpdatedAt sql.NullInt64
	var taskKey, taskURL sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.Label,
		&sess.Project.UUID, &sess.Project.Key, &sess.Project.Name,
		&sess.Workspace.Slug, &sess.Workspace.Name, &sess.Workspace.UUID,
		&sess.Repo.Slug, &sess.Repo.Name,
		&sess.Branch.Name, &branchDefault,
		&contextJSON, &allowWrites,
		&pending, &sess.DraftCount,
		&prID, &prURL, &prBranch, &prTitle, &prUpdatedAt,
		&taskKey, &taskURL,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Branch.IsDefault = branchDefault == 1
	sess.AllowWrites = allowWrites == 1
	sess.HasPendingChanges = pending == 1
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	if contextJSON.Valid && contextJSON.String != "" {
		var bundle docs.Bundle
		if err := json.Unmarshal([]byte(contextJSON.String), &bundle); err != nil {
			return nil, fmt.Errorf("failed to decode context snapshot: %w", err)
		}
		sess.Context = &bundle
	}
	if prID.Valid {
		sess.PR = &PullRequestRef{
			ID:     prID.Int64,
			URL:    prURL.String,
			Branch: prBranch.String,
			Title:  prTitle.String,
		}
		if prUpdatedAt.Valid {
			sess.PR.UpdatedAt = time.Unix(prUpdatedAt.Int64, 0)
		}
	}
	if taskKey.Valid && taskKey.String != "" {
		sess.Task = &TaskRef{Key: taskKey.String, URL: taskURL.String}
	}
	return &sess, nil
}

func marshalBundle(b *docs.Bundle) (sql.NullString, error) {
	if b == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode context snapshot: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
