package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"lorekeep/internal/auth"
	"lorekeep/internal/bitbucket"
	"lorekeep/internal/store"
)

// fakeRemote records remote calls and serves scripted failures.
type fakeRemote struct {
	branches map[string]*bitbucket.Branch

	branchConflict  bool
	commitErr       error
	prErr           error
	prUpdateErr     error
	createdBranches []string
	commits         []commitCall
	createdPRs      []prCall
	titleUpdates    []string
	calls           int
}

type commitCall struct {
	branch  string
	message string
	files   []bitbucket.CommitFile
}

type prCall struct {
	source, dest, title string
}

func (f *fakeRemote) GetBranch(_ context.Context, _, _, _, name string) (*bitbucket.Branch, error) {
	f.calls++
	b, ok := f.branches[name]
	if !ok {
		return nil, &bitbucket.RemoteError{Op: "get branch", StatusCode: 404}
	}
	return b, nil
}

func (f *fakeRemote) CreateBranch(_ context.Context, _, _, _, name, target string) (*bitbucket.Branch, error) {
	f.calls++
	if f.branchConflict {
		return nil, &bitbucket.RemoteError{Op: "create branch", StatusCode: 409}
	}
	f.createdBranches = append(f.createdBranches, name)
	return &bitbucket.Branch{Name: name, TargetHash: target}, nil
}

func (f *fakeRemote) CommitFiles(_ context.Context, _, _, _, branch, message string, files []bitbucket.CommitFile) error {
	f.calls++
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, commitCall{branch: branch, message: message, files: files})
	return nil
}

func (f *fakeRemote) CreatePullRequest(_ context.Context, _, _, _, source, dest, title, _ string) (*bitbucket.PullRequest, error) {
	f.calls++
	if f.prErr != nil {
		return nil, f.prErr
	}
	f.createdPRs = append(f.createdPRs, prCall{source: source, dest: dest, title: title})
	return &bitbucket.PullRequest{ID: 7, Title: title, URL: "https://bitbucket.org/acme/platform/pull-requests/7"}, nil
}

func (f *fakeRemote) UpdatePullRequestTitle(_ context.Context, _, _, _ string, id int64, title string) (*bitbucket.PullRequest, error) {
	f.calls++
	if f.prUpdateErr != nil {
		return nil, f.prUpdateErr
	}
	f.titleUpdates = append(f.titleUpdates, title)
	return &bitbucket.PullRequest{ID: id, Title: title, URL: "https://bitbucket.org/acme/platform/pull-requests/7"}, nil
}

// fakeSyncStore is an in-memory Store.
type fakeSyncStore struct {
	session *store.Session
	pending []store.Draft
	cleared [][]string
	updates []*store.UpdateSession
}

func (f *fakeSyncStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	if f.session == nil || f.session.ID != id {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeSyncStore) PendingDrafts(_ context.Context, _ string) ([]store.Draft, error) {
	return f.pending, nil
}

func (f *fakeSyncStore) MarkDraftsPersisted(_ context.Context, _ string, committed []store.Draft) error {
	paths := make([]string, len(committed))
	for i, d := range committed {
		paths[i] = d.Path
	}
	f.cleared = append(f.cleared, paths)
	return nil
}

func (f *fakeSyncStore) UpdateSessionFields(_ context.Context, update *store.UpdateSession) error {
	f.updates = append(f.updates, update)
	if update.PR != nil {
		f.session.PR = update.PR
	}
	return nil
}

// fakeCredStore holds one credential in memory.
type fakeCredStore struct {
	cred    *auth.Credential
	deleted []string
}

func (f *fakeCredStore) GetCredential(_ context.Context, id string) (*auth.Credential, error) {
	if f.cred == nil || f.cred.CorrelationID != id {
		return nil, nil
	}
	return f.cred, nil
}

func (f *fakeCredStore) PutCredential(_ context.Context, cred *auth.Credential) error {
	f.cred = cred
	return nil
}

func (f *fakeCredStore) DeleteCredential(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	f.cred = nil
	return nil
}

type fakeRefresher struct{ err error }

func (f *fakeRefresher) RefreshToken(_ context.Context, _ string) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func validAuth(t *testing.T) (*auth.Manager, string, *fakeCredStore) {
	t.Helper()
	creds := &fakeCredStore{cred: &auth.Credential{
		CorrelationID: "corr-1",
		Token:         oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)},
	}}
	return auth.NewManager(&fakeRefresher{}, creds), "corr-1", creds
}

func testSession() *store.Session {
	return &store.Session{
		ID:        "sess-1",
		Workspace: store.WorkspaceRef{Slug: "acme"},
		Repo:      store.RepoRef{Slug: "platform"},
		Branch:    store.BranchRef{Name: "main", IsDefault: true},
	}
}

func TestPersistFirstTimeCreatesBranchCommitAndPR(t *testing.T) {
	remote := &fakeRemote{branches: map[string]*bitbucket.Branch{
		"main": {Name: "main", TargetHash: "abc123"},
	}}
	st := &fakeSyncStore{
		session: testSession(),
		pending: []store.Draft{
			{Path: "ai/guide.mdc", Content: "# guide", Summary: "Add guide"},
			{Path: "ai/index.mdc", Content: "# index", Summary: "Refresh index"},
		},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	result, err := s.Persist(context.Background(), corr, "sess-1", "")
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if result.Status != StatusCreated {
		t.Errorf("status = %s, want %s", result.Status, StatusCreated)
	}
	if len(remote.createdBranches) != 1 || remote.createdBranches[0] != "lorekeep/session-sess-1" {
		t.Errorf("branches created = %v", remote.createdBranches)
	}
	if len(remote.commits) != 1 {
		t.Fatalf("got %d commits, want exactly 1 multi-file commit", len(remote.commits))
	}
	if len(remote.commits[0].files) != 2 {
		t.Errorf("commit carries %d files, want 2", len(remote.commits[0].files))
	}
	if len(remote.createdPRs) != 1 {
		t.Fatalf("got %d PRs, want 1", len(remote.createdPRs))
	}
	pr := remote.createdPRs[0]
	if pr.source != "lorekeep/session-sess-1" || pr.dest != "main" {
		t.Errorf("PR %s -> %s, want feature branch into main", pr.source, pr.dest)
	}
	if pr.title != "Add guide; Refresh index" {
		t.Errorf("PR title = %q, want summary digest", pr.title)
	}
	if len(st.cleared) != 1 || len(st.cleared[0]) != 2 {
		t.Errorf("cleared = %v, want both committed paths", st.cleared)
	}
	if st.session.PR == nil || st.session.PR.ID != 7 {
		t.Errorf("session PR ref not recorded: %+v", st.session.PR)
	}
}

func TestPersistNoPendingChangesIsNoOp(t *testing.T) {
	remote := &fakeRemote{branches: map[string]*bitbucket.Branch{"main": {Name: "main"}}}
	st := &fakeSyncStore{session: testSession()}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	_, err := s.Persist(context.Background(), corr, "sess-1", "")
	if !errors.Is(err, ErrNoPendingChanges) {
		t.Fatalf("error = %v, want ErrNoPendingChanges", err)
	}
	if remote.calls != 0 {
		t.Errorf("made %d remote calls, want none for a no-op persist", remote.calls)
	}
}

func TestPersistMissingDestinationBranch(t *testing.T) {
	remote := &fakeRemote{branches: map[string]*bitbucket.Branch{}}
	st := &fakeSyncStore{
		session: testSession(),
		pending: []store.Draft{{Path: "ai/a.mdc", Content: "x"}},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	_, err := s.Persist(context.Background(), corr, "sess-1", "")
	if !errors.Is(err, ErrBranchUnavailable) {
		t.Fatalf("error = %v, want ErrBranchUnavailable", err)
	}
	if len(st.cleared) != 0 {
		t.Errorf("drafts cleared on failure: %v", st.cleared)
	}
}

func TestPersistBranchConflictIsSuccess(t *testing.T) {
	remote := &fakeRemote{
		branches:       map[string]*bitbucket.Branch{"main": {Name: "main", TargetHash: "abc"}},
		branchConflict: true,
	}
	st := &fakeSyncStore{
		session: testSession(),
		pending: []store.Draft{{Path: "ai/a.mdc", Content: "x"}},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	result, err := s.Persist(context.Background(), corr, "sess-1", "Title")
	if err != nil {
		t.Fatalf("Persist() error = %v, 409 on branch creation must not fail", err)
	}
	if result.Status != StatusCreated {
		t.Errorf("status = %s, want %s", result.Status, StatusCreated)
	}
	if len(remote.commits) != 1 {
		t.Errorf("commit skipped after 409")
	}
}

func TestPersistCommitFailureKeepsDraftsPending(t *testing.T) {
	remote := &fakeRemote{
		branches:  map[string]*bitbucket.Branch{"main": {Name: "main", TargetHash: "abc"}},
		commitErr: &bitbucket.RemoteError{Op: "commit", StatusCode: 500},
	}
	st := &fakeSyncStore{
		session: testSession(),
		pending: []store.Draft{{Path: "ai/a.mdc", Content: "x"}},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	_, err := s.Persist(context.Background(), corr, "sess-1", "")
	if !errors.Is(err, ErrRemoteCommitFailed) {
		t.Fatalf("error = %v, want ErrRemoteCommitFailed", err)
	}
	if len(st.cleared) != 0 {
		t.Errorf("drafts cleared despite commit failure")
	}
	if len(st.updates) != 0 {
		t.Errorf("session updated despite commit failure")
	}
}

func TestPersistSecondRunReusesPR(t *testing.T) {
	remote := &fakeRemote{branches: map[string]*bitbucket.Branch{
		"main": {Name: "main", TargetHash: "abc"},
	}}
	sess := testSession()
	sess.PR = &store.PullRequestRef{
		ID:     7,
		URL:    "https://bitbucket.org/acme/platform/pull-requests/7",
		Branch: "lorekeep/session-sess-1",
		Title:  "Original title",
	}
	st := &fakeSyncStore{
		session: sess,
		pending: []store.Draft{{Path: "ai/b.mdc", Content: "y"}},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	result, err := s.Persist(context.Background(), corr, "sess-1", "")
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if result.Status != StatusUpdated {
		t.Errorf("status = %s, want %s", result.Status, StatusUpdated)
	}
	if len(remote.createdPRs) != 0 {
		t.Errorf("created a second PR for the session")
	}
	// Stored title is kept; no explicit override means no remote update.
	if len(remote.titleUpdates) != 0 {
		t.Errorf("title updated without an override: %v", remote.titleUpdates)
	}
}

func TestPersistExplicitTitleOverwritesStored(t *testing.T) {
	remote := &fakeRemote{branches: map[string]*bitbucket.Branch{
		"main": {Name: "main", TargetHash: "abc"},
	}}
	sess := testSession()
	sess.PR = &store.PullRequestRef{ID: 7, Branch: "lorekeep/session-sess-1", Title: "Old"}
	st := &fakeSyncStore{
		session: sess,
		pending: []store.Draft{{Path: "ai/b.mdc", Content: "y"}},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	if _, err := s.Persist(context.Background(), corr, "sess-1", "New title"); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if len(remote.titleUpdates) != 1 || remote.titleUpdates[0] != "New title" {
		t.Errorf("title updates = %v, want [New title]", remote.titleUpdates)
	}
	if sess.PR.Title != "New title" {
		t.Errorf("stored title = %q, want the explicit override", sess.PR.Title)
	}
}

func TestPersistUnauthorizedInvalidatesCredential(t *testing.T) {
	remote := &fakeRemote{
		branches:  map[string]*bitbucket.Branch{"main": {Name: "main", TargetHash: "abc"}},
		commitErr: &bitbucket.RemoteError{Op: "commit", StatusCode: 401},
	}
	st := &fakeSyncStore{
		session: testSession(),
		pending: []store.Draft{{Path: "ai/a.mdc", Content: "x"}},
	}
	authMgr, corr, creds := validAuth(t)
	s := New(remote, st, authMgr)

	_, err := s.Persist(context.Background(), corr, "sess-1", "")
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("error = %v, want auth.ErrUnauthorized", err)
	}
	if len(creds.deleted) != 1 {
		t.Errorf("credential not invalidated on 401")
	}
}

func TestPersistOnlyClearsCapturedPaths(t *testing.T) {
	remote := &fakeRemote{branches: map[string]*bitbucket.Branch{
		"main": {Name: "main", TargetHash: "abc"},
	}}
	st := &fakeSyncStore{
		session: testSession(),
		pending: []store.Draft{{Path: "ai/a.mdc", Content: "x"}},
	}
	authMgr, corr, _ := validAuth(t)
	s := New(remote, st, authMgr)

	// Simulate a draft landing mid-flight: the store will report it pending
	// later, but the persist captured only ai/a.mdc.
	if _, err := s.Persist(context.Background(), corr, "sess-1", ""); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if len(st.cleared) != 1 {
		t.Fatalf("cleared called %d times, want 1", len(st.cleared))
	}
	if len(st.cleared[0]) != 1 || st.cleared[0][0] != "ai/a.mdc" {
		t.Errorf("cleared %v, want exactly the captured path set", st.cleared[0])
	}
}
