// Package sync flushes a session's pending drafts to the remote host: one
// feature branch, one multi-file commit, one pull request per session.
package sync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"lorekeep/internal/auth"
	"lorekeep/internal/bitbucket"
	"lorekeep/internal/store"
)

// featureBranchPrefix namespaces the per-session staging branches.
const featureBranchPrefix = "lorekeep/session-"

// maxTitleLen caps derived pull request titles.
const maxTitleLen = 72

// Status of a completed persist: whether the PR was created on this call or
// already existed.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
)

// Result is the outcome of a successful persist.
type Result struct {
	Status Status `json:"status"`
	PRURL  string `json:"prUrl"`
}

// Remote is the host surface the synchronizer drives. Implemented by
// bitbucket.Client.
type Remote interface {
	GetBranch(ctx context.Context, token, workspace, repo, name string) (*bitbucket.Branch, error)
	CreateBranch(ctx context.Context, token, workspace, repo, name, targetHash string) (*bitbucket.Branch, error)
	CommitFiles(ctx context.Context, token, workspace, repo, branch, message string, files []bitbucket.CommitFile) error
	CreatePullRequest(ctx context.Context, token, workspace, repo, sourceBranch, destBranch, title, description string) (*bitbucket.PullRequest, error)
	UpdatePullRequestTitle(ctx context.Context, token, workspace, repo string, id int64, title string) (*bitbucket.PullRequest, error)
}

// Store is the persistence surface the synchronizer needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	PendingDrafts(ctx context.Context, sessionID string) ([]store.Draft, error)
	MarkDraftsPersisted(ctx context.Context, sessionID string, committed []store.Draft) error
	UpdateSessionFields(ctx context.Context, update *store.UpdateSession) error
}

// Synchronizer owns the draft-to-PR state machine. Callers must serialize
// Persist per session (at most one in flight); the synchronizer does not
// mutex-guard concurrent persists of the same session.
type Synchronizer struct {
	remote Remote
	store  Store
	auth   *auth.Manager
}

// New creates a synchronizer.
func New(remote Remote, st Store, authManager *auth.Manager) *Synchronizer {
	return &Synchronizer{remote: remote, store: st, auth: authManager}
}

// Persist commits every pending draft of the session as one multi-file
// commit on the session's feature branch and creates-or-updates its single
// pull request. On any remote failure nothing is cleared: the drafts stay
// pending and a retry recommits the same set.
func (s *Synchronizer) Persist(ctx context.Context, correlationID, sessionID, explicitTitle string) (*Result, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	drafts, err := s.store.PendingDrafts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, ErrNoPendingChanges
	}
	// The drafts slice captured here is the committed set: anything queued
	// or rewritten while the flush is in flight must not be cleared by it.

	cred, err := s.auth.EnsureFresh(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	token := cred.Token.AccessToken
	workspace := sess.Workspace.Slug
	repo := sess.Repo.Slug

	// Step 1: the destination branch must still exist upstream.
	dest, err := s.remote.GetBranch(ctx, token, workspace, repo, sess.Branch.Name)
	if err != nil {
		if bitbucket.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBranchUnavailable, sess.Branch.Name)
		}
		return nil, s.remoteFailure(ctx, correlationID, err, err)
	}

	// Step 2: ensure the feature branch, reusing a previously recorded one.
	featureBranch := featureBranchName(sessionID)
	if sess.PR != nil && sess.PR.Branch != "" {
		featureBranch = sess.PR.Branch
	}
	if _, err := s.remote.CreateBranch(ctx, token, workspace, repo, featureBranch, dest.TargetHash); err != nil {
		if !bitbucket.IsConflict(err) {
			return nil, s.remoteFailure(ctx, correlationID, err, fmt.Errorf("%w: %v", ErrBranchCreateFailed, err))
		}
		// 409: the branch already exists, which is exactly what we want.
	}

	// Step 3: PR title, falling through the derivation chain.
	var storedTitle string
	if sess.PR != nil {
		storedTitle = sess.PR.Title
	}
	title := deriveTitle(explicitTitle, storedTitle, drafts)

	// Step 4: one commit carrying every pending draft. A failure here
	// aborts before anything is marked persisted.
	files := make([]bitbucket.CommitFile, len(drafts))
	for i, d := range drafts {
		files[i] = bitbucket.CommitFile{Path: d.Path, Content: d.Content}
	}
	message := commitMessage(title, len(files))
	if err := s.remote.CommitFiles(ctx, token, workspace, repo, featureBranch, message, files); err != nil {
		return nil, s.remoteFailure(ctx, correlationID, err, fmt.Errorf("%w: %v", ErrRemoteCommitFailed, err))
	}

	// Step 5: exactly one PR per session.
	status := StatusUpdated
	prRef := sess.PR
	if prRef == nil {
		description := fmt.Sprintf(
			"Document updates accumulated in assistant session %s.\n\nEach commit on `%s` carries the session's queued drafts.",
			sessionID, featureBranch)
		pr, err := s.remote.CreatePullRequest(ctx, token, workspace, repo, featureBranch, sess.Branch.Name, title, description)
		if err != nil {
			return nil, s.remoteFailure(ctx, correlationID, err, fmt.Errorf("%w: %v", ErrRemotePRFailed, err))
		}
		status = StatusCreated
		prRef = &store.PullRequestRef{ID: pr.ID, URL: pr.URL, Branch: featureBranch, Title: pr.Title}
	} else if title != prRef.Title {
		// Content rides the commit already on the PR branch; only the
		// title needs a remote update.
		pr, err := s.remote.UpdatePullRequestTitle(ctx, token, workspace, repo, prRef.ID, title)
		if err != nil {
			return nil, s.remoteFailure(ctx, correlationID, err, fmt.Errorf("%w: %v", ErrRemotePRUpdateFailed, err))
		}
		prRef.Title = pr.Title
	}
	prRef.UpdatedAt = time.Now()

	// Step 6: clear exactly the committed drafts, then record the PR.
	if err := s.store.MarkDraftsPersisted(ctx, sessionID, drafts); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionFields(ctx, &store.UpdateSession{ID: sessionID, PR: prRef}); err != nil {
		return nil, err
	}

	log.Printf("sync: session %s persisted %d draft(s) to %s (%s)", sessionID, len(drafts), prRef.URL, status)
	return &Result{Status: status, PRURL: prRef.URL}, nil
}

// remoteFailure maps a remote 401 to credential invalidation plus
// ErrUnauthorized; anything else surfaces as the supplied typed failure.
func (s *Synchronizer) remoteFailure(ctx context.Context, correlationID string, cause, typed error) error {
	if bitbucket.IsUnauthorized(cause) {
		s.auth.Invalidate(ctx, correlationID)
		return auth.ErrUnauthorized
	}
	return typed
}

// featureBranchName derives the deterministic per-session branch name:
// lowercase alphanumerics and hyphens only.
func featureBranchName(sessionID string) string {
	var b strings.Builder
	lastDash := true // swallow leading dashes
	for _, r := range strings.ToLower(sessionID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return featureBranchPrefix + strings.TrimRight(b.String(), "-")
}

func commitMessage(title string, fileCount int) string {
	if fileCount == 1 {
		return title
	}
	return fmt.Sprintf("%s (%d files)", title, fileCount)
}
