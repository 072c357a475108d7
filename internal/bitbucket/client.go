package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.bitbucket.org/2.0"

// Client issues authenticated calls against the Bitbucket Cloud 2.0 API.
// It is stateless: every method takes the access token for the call, so a
// single client can serve any number of users.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client against the public Bitbucket Cloud API.
func NewClient() *Client {
	return &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithBaseURL creates a client against a custom API base URL.
// Used by tests and self-hosted deployments.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Branch is one entry from the branch listing.
type Branch struct {
	Name       string
	TargetHash string
}

// DirEntry is one entry from a src directory listing.
type DirEntry struct {
	Type string // "commit_directory" or "commit_file"
	Path string
	Size int64
}

// FileContent is the raw body of one file plus the sniffed content type.
type FileContent struct {
	Body        []byte
	ContentType string
}

// CommitFile is one file in a multi-file commit.
type CommitFile struct {
	Path    string
	Content string
}

// PullRequest is the subset of PR fields the core tracks.
type PullRequest struct {
	ID    int64
	Title string
	URL   string
}

// Workspace identifies a Bitbucket workspace.
type Workspace struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Repository identifies a repository within a workspace.
type Repository struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type pagedResponse struct {
	Values []json.RawMessage `json:"values"`
	Next   string            `json:"next"`
}

// ListBranches returns all branches of a repository, following pagination.
func (c *Client) ListBranches(ctx context.Context, token, workspace, repo string) ([]Branch, error) {
	next := fmt.Sprintf("%s/repositories/%s/%s/refs/branches?pagelen=100",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo))

	var branches []Branch
	for next != "" {
		var page pagedResponse
		if err := c.getJSON(ctx, token, next, "list branches", &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Values {
			var v struct {
				Name   string `json:"name"`
				Target struct {
					Hash string `json:"hash"`
				} `json:"target"`
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("failed to decode branch entry: %w", err)
			}
			branches = append(branches, Branch{Name: v.Name, TargetHash: v.Target.Hash})
		}
		next = page.Next
	}
	return branches, nil
}

// GetBranch returns a single branch, or a *RemoteError with status 404 when
// the branch does not exist on the remote.
func (c *Client) GetBranch(ctx context.Context, token, workspace, repo, name string) (*Branch, error) {
	u := fmt.Sprintf("%s/repositories/%s/%s/refs/branches/%s",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo), url.PathEscape(name))

	var v struct {
		Name   string `json:"name"`
		Target struct {
			Hash string `json:"hash"`
		} `json:"target"`
	}
	if err := c.getJSON(ctx, token, u, "get branch", &v); err != nil {
		return nil, err
	}
	return &Branch{Name: v.Name, TargetHash: v.Target.Hash}, nil
}

// ListDirectory lists the entries directly under path at the given branch.
// Directories are reported with type "commit_directory"; callers recurse by
// issuing further listings. Pagination is followed transparently.
func (c *Client) ListDirectory(ctx context.Context, token, workspace, repo, branch, path string) ([]DirEntry, error) {
	next := fmt.Sprintf("%s/repositories/%s/%s/src/%s/%s?pagelen=100",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo),
		url.PathEscape(branch), escapePath(path))

	var entries []DirEntry
	for next != "" {
		var page pagedResponse
		if err := c.getJSON(ctx, token, next, "list directory", &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Values {
			var v struct {
				Type string `json:"type"`
				Path string `json:"path"`
				Size int64  `json:"size"`
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("failed to decode src entry: %w", err)
			}
			entries = append(entries, DirEntry{Type: v.Type, Path: v.Path, Size: v.Size})
		}
		next = page.Next
	}
	return entries, nil
}

// GetFileContent fetches the raw body of one file at branch+path. The
// response Content-Type is returned so callers can skip non-text bodies.
func (c *Client) GetFileContent(ctx context.Context, token, workspace, repo, branch, path string) (*FileContent, error) {
	u := fmt.Sprintf("%s/repositories/%s/%s/src/%s/%s",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo),
		url.PathEscape(branch), escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file content: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newRemoteError("get file content", resp.StatusCode, body)
	}
	return &FileContent{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// CreateBranch creates a branch pointed at targetHash. A 409 from the remote
// means the branch already exists; that is surfaced as a *RemoteError with
// StatusCode 409 so callers can treat it as success.
func (c *Client) CreateBranch(ctx context.Context, token, workspace, repo, name, targetHash string) (*Branch, error) {
	u := fmt.Sprintf("%s/repositories/%s/%s/refs/branches",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo))

	payload := map[string]any{
		"name":   name,
		"target": map[string]string{"hash": targetHash},
	}
	var v struct {
		Name   string `json:"name"`
		Target struct {
			Hash string `json:"hash"`
		} `json:"target"`
	}
	if err := c.postJSON(ctx, token, u, "create branch", payload, &v); err != nil {
		return nil, err
	}
	return &Branch{Name: v.Name, TargetHash: v.Target.Hash}, nil
}

// CommitFiles commits all files to branch in one multipart request. Either
// the whole change set lands or none of it does.
func (c *Client) CommitFiles(ctx context.Context, token, workspace, repo, branch, message string, files []CommitFile) error {
	u := fmt.Sprintf("%s/repositories/%s/%s/src",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("message", message); err != nil {
		return fmt.Errorf("failed to write commit message field: %w", err)
	}
	if err := w.WriteField("branch", branch); err != nil {
		return fmt.Errorf("failed to write branch field: %w", err)
	}
	for _, f := range files {
		if err := w.WriteField(f.Path, f.Content); err != nil {
			return fmt.Errorf("failed to write file field %s: %w", f.Path, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send commit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return newRemoteError("commit files", resp.StatusCode, body)
	}
	return nil
}

// CreatePullRequest opens a PR from sourceBranch into destBranch.
func (c *Client) CreatePullRequest(ctx context.Context, token, workspace, repo, sourceBranch, destBranch, title, description string) (*PullRequest, error) {
	u := fmt.Sprintf("%s/repositories/%s/%s/pullrequests",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo))

	payload := map[string]any{
		"title":       title,
		"description": description,
		"source":      map[string]any{"branch": map[string]string{"name": sourceBranch}},
		"destination": map[string]any{"branch": map[string]string{"name": destBranch}},
	}
	var v prResponse
	if err := c.postJSON(ctx, token, u, "create pull request", payload, &v); err != nil {
		return nil, err
	}
	return v.toPullRequest(), nil
}

// UpdatePullRequestTitle issues a title-only update to an existing PR.
func (c *Client) UpdatePullRequestTitle(ctx context.Context, token, workspace, repo string, id int64, title string) (*PullRequest, error) {
	u := fmt.Sprintf("%s/repositories/%s/%s/pullrequests/%d",
		c.baseURL, url.PathEscape(workspace), url.PathEscape(repo), id)

	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal PR update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to update pull request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newRemoteError("update pull request", resp.StatusCode, respBody)
	}
	var v prResponse
	if err := json.Unmarshal(respBody, &v); err != nil {
		return nil, fmt.Errorf("failed to decode PR response: %w", err)
	}
	return v.toPullRequest(), nil
}

// ListWorkspaces returns the workspaces visible to the token.
func (c *Client) ListWorkspaces(ctx context.Context, token string) ([]Workspace, error) {
	next := c.baseURL + "/workspaces?pagelen=100"

	var workspaces []Workspace
	for next != "" {
		var page pagedResponse
		if err := c.getJSON(ctx, token, next, "list workspaces", &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Values {
			var w Workspace
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, fmt.Errorf("failed to decode workspace: %w", err)
			}
			workspaces = append(workspaces, w)
		}
		next = page.Next
	}
	return workspaces, nil
}

// ListRepositories returns the repositories of a workspace.
func (c *Client) ListRepositories(ctx context.Context, token, workspace string) ([]Repository, error) {
	next := fmt.Sprintf("%s/repositories/%s?pagelen=100", c.baseURL, url.PathEscape(workspace))

	var repos []Repository
	for next != "" {
		var page pagedResponse
		if err := c.getJSON(ctx, token, next, "list repositories", &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Values {
			var r Repository
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("failed to decode repository: %w", err)
			}
			repos = append(repos, r)
		}
		next = page.Next
	}
	return repos, nil
}

type prResponse struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Links struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"links"`
}

func (v *prResponse) toPullRequest() *PullRequest {
	return &PullRequest{ID: v.ID, Title: v.Title, URL: v.Links.HTML.Href}
}

func (c *Client) getJSON(ctx context.Context, token, u, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return newRemoteError(op, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, token, u, op string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newRemoteError(op, resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}

// escapePath escapes each segment of a repository-relative path while
// keeping the slashes intact.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
