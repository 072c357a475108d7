// Package server exposes the session and persistence operations over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"lorekeep/internal/auth"
	"lorekeep/internal/bitbucket"
	"lorekeep/internal/docs"
	"lorekeep/internal/store"
	docsync "lorekeep/internal/sync"
)

// Server registers the HTTP API on an echo instance.
type Server struct {
	svc *Service
}

// NewServer creates the HTTP layer over a service.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// RegisterRoutes mounts the API under /api/v1.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.POST("/auth/exchange", s.exchangeCode)
	g.DELETE("/auth/link", s.unlink)

	g.GET("/workspaces", s.listWorkspaces)
	g.GET("/workspaces/:workspace/repositories", s.listRepositories)
	g.GET("/workspaces/:workspace/repositories/:repo/branches", s.listBranches)

	g.GET("/sessions", s.listSessions)
	g.POST("/sessions", s.createSession)
	g.GET("/sessions/:id", s.getSession)
	g.POST("/sessions/:id/context/reload", s.reloadContext)
	g.PATCH("/sessions/:id/write-mode", s.setWriteMode)
	g.GET("/sessions/:id/drafts", s.listDrafts)
	g.POST("/sessions/:id/drafts", s.queueDraft)
	g.POST("/sessions/:id/persist", s.persist)
	g.GET("/sessions/:id/persist-state", s.persistState)
	g.POST("/sessions/:id/chat", s.chat)

	g.POST("/search", s.search)
}

// httpError maps domain errors onto status codes. The path errors carry an
// actionable message; everything unrecognized is a 500.
func httpError(err error) error {
	if pe, ok := docs.IsPathError(err); ok {
		return echo.NewHTTPError(http.StatusBadRequest, pe.Error())
	}
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, "remote link is missing or expired; re-authorize")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, docsync.ErrBranchUnavailable):
		return echo.NewHTTPError(http.StatusConflict, "destination branch no longer exists on the remote")
	case bitbucket.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (s *Server) exchangeCode(c *echo.Context) error {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code required")
	}
	correlation, err := s.svc.ExchangeCode(c.Request().Context(), req.Code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"correlationId": correlation})
}

func (s *Server) unlink(c *echo.Context) error {
	s.svc.Unlink(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listWorkspaces(c *echo.Context) error {
	ws, err := s.svc.ListWorkspaces(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ws)
}

func (s *Server) listRepositories(c *echo.Context) error {
	repos, err := s.svc.ListRepositories(c.Request().Context(), c.Param("workspace"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, repos)
}

func (s *Server) listBranches(c *echo.Context) error {
	branches, err := s.svc.ListBranches(c.Request().Context(), c.Param("workspace"), c.Param("repo"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, branches)
}

type sessionResponse struct {
	ID                string                `json:"id"`
	Label             string                `json:"label"`
	Workspace         store.WorkspaceRef    `json:"workspace"`
	Repo              store.RepoRef         `json:"repository"`
	Branch            store.BranchRef       `json:"branch"`
	AllowWrites       bool                  `json:"allowWrites"`
	HasPendingChanges bool                  `json:"hasPendingChanges"`
	DraftCount        int                   `json:"draftCount"`
	ContextExists     bool                  `json:"contextExists"`
	ContextTruncated  bool                  `json:"contextTruncated"`
	ContextFileCount  int                   `json:"contextFileCount"`
	PR                *store.PullRequestRef `json:"pullRequest,omitempty"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:                sess.ID,
		Label:             sess.Label,
		Workspace:         sess.Workspace,
		Repo:              sess.Repo,
		Branch:            sess.Branch,
		AllowWrites:       sess.AllowWrites,
		HasPendingChanges: sess.HasPendingChanges,
		DraftCount:        sess.DraftCount,
		PR:                sess.PR,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
	}
	if sess.Context != nil {
		resp.ContextExists = sess.Context.Exists
		resp.ContextTruncated = sess.Context.Truncated
		resp.ContextFileCount = len(sess.Context.Files)
	}
	return resp
}

func (s *Server) listSessions(c *echo.Context) error {
	sessions, err := s.svc.ListSessions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) createSession(c *echo.Context) error {
	var req struct {
		Project   store.ProjectRef   `json:"project"`
		Workspace store.WorkspaceRef `json:"workspace"`
		Repo      store.RepoRef      `json:"repository"`
		Branch    store.BranchRef    `json:"branch"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Workspace.Slug == "" || req.Repo.Slug == "" || req.Branch.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace, repository and branch are required")
	}
	sess, err := s.svc.CreateSession(c.Request().Context(), req.Project, req.Workspace, req.Repo, req.Branch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) getSession(c *echo.Context) error {
	sess, err := s.svc.LoadSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) reloadContext(c *echo.Context) error {
	sess, err := s.svc.ReloadContext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toSessionResponse(sess))
}

func (s *Server) setWriteMode(c *echo.Context) error {
	var req struct {
		AllowWrites bool `json:"allowWrites"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.svc.SetWriteMode(c.Request().Context(), c.Param("id"), req.AllowWrites); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"allowWrites": req.AllowWrites})
}

type draftResponse struct {
	Path         string    `json:"path"`
	Summary      string    `json:"summary,omitempty"`
	NeedsPersist bool      `json:"needsPersist"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s *Server) listDrafts(c *echo.Context) error {
	drafts, err := s.svc.ListDrafts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	resp := make([]draftResponse, 0, len(drafts))
	for _, d := range drafts {
		resp = append(resp, draftResponse{
			Path:         d.Path,
			Summary:      d.Summary,
			NeedsPersist: d.NeedsPersist,
			UpdatedAt:    d.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) queueDraft(c *echo.Context) error {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Summary string `json:"summary"`
	}
	if err := c.Bind(&req); err != nil || req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path and content required")
	}
	canonical, count, err := s.svc.QueueDraft(c.Request().Context(), c.Param("id"), req.Path, req.Content, req.Summary)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"path":       canonical,
		"draftCount": count,
	})
}

func (s *Server) persist(c *echo.Context) error {
	var req struct {
		Title string `json:"title"`
	}
	// Body is optional; an empty title falls back to derivation.
	_ = c.Bind(&req)

	result, err := s.svc.Persist(c.Request().Context(), c.Param("id"), req.Title)
	if err != nil {
		if errors.Is(err, docsync.ErrNoPendingChanges) {
			// A no-op persist is not a fault.
			return c.JSON(http.StatusOK, map[string]string{"status": "no_pending_changes"})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) persistState(c *echo.Context) error {
	sess, err := s.svc.LoadSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"hasPendingChanges": sess.HasPendingChanges,
		"draftCount":        sess.DraftCount,
		"pullRequest":       sess.PR,
	})
}

func (s *Server) chat(c *echo.Context) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&req); err != nil || req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	msgs, err := s.svc.Chat(c.Request().Context(), c.Param("id"), req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) search(c *echo.Context) error {
	var req struct {
		Query     string `json:"query"`
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
	if err := c.Bind(&req); err != nil || req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	results, err := s.svc.Search(c.Request().Context(), req.SessionID, req.Query, req.Limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, results)
}
