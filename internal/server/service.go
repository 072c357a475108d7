package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"lorekeep/internal/assistant"
	"lorekeep/internal/auth"
	"lorekeep/internal/bitbucket"
	"lorekeep/internal/docs"
	"lorekeep/internal/retrieval"
	"lorekeep/internal/store"
	docsync "lorekeep/internal/sync"
)

// Service wires the remote client, auth, assembler, synchronizer and
// retrieval index behind the operations the HTTP layer exposes. It also
// implements manager.Provisioner.
type Service struct {
	store     *store.Store
	remote    *bitbucket.Client
	oauth     *bitbucket.OAuthClient
	auth      *auth.Manager
	assembler *docs.Assembler
	sync      *docsync.Synchronizer
	index     *retrieval.Index
	provider  assistant.Provider

	mu          sync.Mutex
	correlation string
	transcripts map[string][]assistant.ChatMessage
}

// NewService assembles the service. provider may be nil, in which case chat
// is reported as unconfigured.
func NewService(st *store.Store, remote *bitbucket.Client, oauthClient *bitbucket.OAuthClient, authManager *auth.Manager, index *retrieval.Index, provider assistant.Provider) *Service {
	return &Service{
		store:       st,
		remote:      remote,
		oauth:       oauthClient,
		auth:        authManager,
		assembler:   docs.NewAssembler(remote),
		sync:        docsync.New(remote, st, authManager),
		index:       index,
		provider:    provider,
		transcripts: make(map[string][]assistant.ChatMessage),
	}
}

// RestoreLink reactivates the most recent stored credential, if any. Called
// once at startup so a restart does not force a fresh OAuth dance.
func (s *Service) RestoreLink(ctx context.Context) error {
	cred, err := s.store.LatestCredential(ctx)
	if err != nil {
		return err
	}
	if cred != nil {
		s.mu.Lock()
		s.correlation = cred.CorrelationID
		s.mu.Unlock()
		log.Printf("restored remote link %s", cred.CorrelationID)
	}
	return nil
}

// ExchangeCode completes the OAuth authorization-code flow and activates
// the resulting credential.
func (s *Service) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	cred, err := s.auth.Login(ctx, tok)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.correlation = cred.CorrelationID
	s.mu.Unlock()
	return cred.CorrelationID, nil
}

// Unlink invalidates the active credential.
func (s *Service) Unlink(ctx context.Context) {
	s.mu.Lock()
	correlation := s.correlation
	s.correlation = ""
	s.mu.Unlock()
	if correlation != "" {
		s.auth.Invalidate(ctx, correlation)
		if err := s.store.PurgeCache(ctx, correlation); err != nil {
			log.Printf("failed to purge listing cache: %v", err)
		}
	}
}

// Linked reports whether a remote credential is active.
func (s *Service) Linked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correlation != ""
}

func (s *Service) correlationID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.correlation == "" {
		return "", auth.ErrUnauthorized
	}
	return s.correlation, nil
}

// freshToken resolves the active credential and refreshes it when stale.
func (s *Service) freshToken(ctx context.Context) (string, string, error) {
	correlation, err := s.correlationID()
	if err != nil {
		return "", "", err
	}
	cred, err := s.auth.EnsureFresh(ctx, correlation)
	if err != nil {
		return "", "", err
	}
	return correlation, cred.Token.AccessToken, nil
}

// cachedListing decodes a fresh listing cache entry into out. Any cache
// failure counts as a miss.
func (s *Service) cachedListing(ctx context.Context, correlation, scope, key string, out any) bool {
	payload, err := s.store.GetCache(ctx, correlation, scope, key)
	if err != nil || payload == nil {
		return false
	}
	return json.Unmarshal(payload, out) == nil
}

func (s *Service) storeListing(ctx context.Context, correlation, scope, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.store.PutCache(ctx, correlation, scope, key, payload); err != nil {
		log.Printf("failed to cache %s listing: %v", scope, err)
	}
}

// ListWorkspaces returns the workspaces the linked account can reach.
func (s *Service) ListWorkspaces(ctx context.Context) ([]bitbucket.Workspace, error) {
	correlation, token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}
	var ws []bitbucket.Workspace
	if s.cachedListing(ctx, correlation, "workspaces", "", &ws) {
		return ws, nil
	}
	ws, err = s.remote.ListWorkspaces(ctx, token)
	if err != nil {
		return nil, err
	}
	s.storeListing(ctx, correlation, "workspaces", "", ws)
	return ws, nil
}

// ListRepositories returns the repositories of one workspace.
func (s *Service) ListRepositories(ctx context.Context, workspace string) ([]bitbucket.Repository, error) {
	correlation, token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}
	var repos []bitbucket.Repository
	if s.cachedListing(ctx, correlation, "repositories", workspace, &repos) {
		return repos, nil
	}
	repos, err = s.remote.ListRepositories(ctx, token, workspace)
	if err != nil {
		return nil, err
	}
	s.storeListing(ctx, correlation, "repositories", workspace, repos)
	return repos, nil
}

// ListBranches returns the branches of one repository.
func (s *Service) ListBranches(ctx context.Context, workspace, repo string) ([]bitbucket.Branch, error) {
	correlation, token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}
	key := workspace + "/" + repo
	var branches []bitbucket.Branch
	if s.cachedListing(ctx, correlation, "branches", key, &branches) {
		return branches, nil
	}
	branches, err = s.remote.ListBranches(ctx, token, workspace, repo)
	if err != nil {
		return nil, err
	}
	s.storeListing(ctx, correlation, "branches", key, branches)
	return branches, nil
}

// CreateSession provisions a new session: it assembles the document context
// for the chosen branch, writes the session row, and feeds the collected
// documents to the retrieval index. Implements manager.Provisioner.
func (s *Service) CreateSession(ctx context.Context, project store.ProjectRef, workspace store.WorkspaceRef, repo store.RepoRef, branch store.BranchRef) (*store.Session, error) {
	_, token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}

	bundle, err := s.assembler.Assemble(ctx, token, workspace.Slug, repo.Slug, branch.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble session context: %w", err)
	}

	sess := &store.Session{
		ID:        uuid.NewString(),
		Label:     fmt.Sprintf("%s @ %s", repo.Slug, branch.Name),
		Project:   project,
		Workspace: workspace,
		Repo:      repo,
		Branch:    branch,
		Context:   bundle,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.indexBundle(ctx, repo.Slug, bundle)
	return sess, nil
}

// LoadSession returns an existing session. Implements manager.Provisioner.
func (s *Service) LoadSession(ctx context.Context, id string) (*store.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ReloadContext re-assembles the session's document context from the
// remote and stores the fresh bundle.
func (s *Service) ReloadContext(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_, token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}
	bundle, err := s.assembler.Assemble(ctx, token, sess.Workspace.Slug, sess.Repo.Slug, sess.Branch.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble session context: %w", err)
	}
	if err := s.store.UpdateSessionFields(ctx, &store.UpdateSession{ID: sessionID, Context: bundle}); err != nil {
		return nil, err
	}
	s.indexBundle(ctx, sess.Repo.Slug, bundle)
	sess.Context = bundle
	return sess, nil
}

// indexBundle pushes every collected document into the durable retrieval
// index. Indexing failures are logged, never fatal: sessions work without
// semantic search.
func (s *Service) indexBundle(ctx context.Context, repoSlug string, bundle *docs.Bundle) {
	if s.index == nil || bundle == nil {
		return
	}
	for _, f := range bundle.Files {
		resourceID := repoSlug + "/" + f.Path
		if err := s.index.IndexResource(ctx, resourceID, f.Content); err != nil {
			log.Printf("failed to index %s: %v", resourceID, err)
		}
	}
}

// ListSessions returns all sessions, most recently updated first.
func (s *Service) ListSessions(ctx context.Context) ([]store.SessionSummary, error) {
	return s.store.ListSessions(ctx)
}

// SetWriteMode toggles the session's write gate.
func (s *Service) SetWriteMode(ctx context.Context, sessionID string, allow bool) error {
	return s.store.UpdateSessionFields(ctx, &store.UpdateSession{ID: sessionID, AllowWrites: &allow})
}

// QueueDraft stages one document replacement. Returns the canonical path
// and the session's pending draft count.
func (s *Service) QueueDraft(ctx context.Context, sessionID, path, content, summary string) (string, int, error) {
	return s.store.UpsertDraft(ctx, sessionID, path, content, summary)
}

// ListDrafts returns the session's staged drafts.
func (s *Service) ListDrafts(ctx context.Context, sessionID string) ([]store.Draft, error) {
	return s.store.ListDrafts(ctx, sessionID)
}

// Persist pushes the session's pending drafts to the remote as one commit
// and creates or updates the session's pull request.
func (s *Service) Persist(ctx context.Context, sessionID, title string) (*docsync.Result, error) {
	correlation, err := s.correlationID()
	if err != nil {
		return nil, err
	}
	return s.sync.Persist(ctx, correlation, sessionID, title)
}

// Search runs retrieval over the durable index and the session's current
// context bundle.
func (s *Service) Search(ctx context.Context, sessionID, query string, limit int) ([]retrieval.Result, error) {
	if s.index == nil {
		return nil, fmt.Errorf("retrieval index is not configured")
	}
	var blocks []retrieval.ContextBlock
	if sessionID != "" {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Context != nil {
			for _, f := range sess.Context.Files {
				blocks = append(blocks, retrieval.ContextBlock{
					Source:   "session",
					ParentID: f.Path,
					Text:     f.Content,
				})
			}
		}
	}
	return s.index.Search(ctx, query, blocks, limit)
}

// Chat runs one user turn against the session, with the draft tool
// registered only when the session allows writes. The transcript is kept
// in memory per session.
func (s *Service) Chat(ctx context.Context, sessionID, message string) ([]assistant.ChatMessage, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("chat provider is not configured")
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	registry := assistant.ToolRegistry{}
	if sess.AllowWrites {
		tool := assistant.NewQueueDraftTool(s.store, sessionID)
		registry[tool.Name] = tool
	}

	payload := assistant.PayloadFromBundle(sess.Context, sess.Workspace.Slug, sess.Repo.Slug, sess.Branch.Name)

	s.mu.Lock()
	history := append([]assistant.ChatMessage(nil), s.transcripts[sessionID]...)
	s.mu.Unlock()

	msgs := make([]assistant.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, assistant.ChatMessage{Role: assistant.RoleSystem, Content: payload.Prompt()})
	msgs = append(msgs, history...)
	userMsg := assistant.ChatMessage{Role: assistant.RoleUser, Content: message}
	msgs = append(msgs, userMsg)

	runner := assistant.NewRunner(s.provider, registry)
	produced, err := runner.Run(ctx, msgs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.transcripts[sessionID] = append(append(s.transcripts[sessionID], userMsg), produced...)
	s.mu.Unlock()

	return produced, nil
}
