package sync

import "errors"

// Typed persistence failures. Callers branch on these with errors.Is; the
// wrapped cause stays available for logging.
var (
	// ErrNoPendingChanges is a no-op, not a fault: nothing had
	// needs_persist set, so no remote call was made.
	ErrNoPendingChanges = errors.New("no pending changes to persist")

	// ErrBranchUnavailable means the session's destination branch vanished
	// upstream. Persistence is blocked until that is resolved externally.
	ErrBranchUnavailable = errors.New("destination branch no longer exists")

	// ErrBranchCreateFailed is any feature-branch creation failure other
	// than "already exists".
	ErrBranchCreateFailed = errors.New("failed to create feature branch")

	// ErrRemoteCommitFailed aborts the persist before any draft is cleared;
	// a retry recommits the same pending set.
	ErrRemoteCommitFailed = errors.New("failed to commit drafts")

	// ErrRemotePRFailed is a pull request creation failure.
	ErrRemotePRFailed = errors.New("failed to create pull request")

	// ErrRemotePRUpdateFailed is a pull request title update failure.
	ErrRemotePRUpdateFailed = errors.New("failed to update pull request")
)
