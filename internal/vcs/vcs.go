// Package vcs is the client for the version-control delivery target. Both
// operations are idempotent: repository creation reuses an existing repo
// owned by the same tenant, and pushes carry an idempotency key so a
// replayed delivery produces no duplicate commit.
package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"capsmith/internal/faults"
	"capsmith/internal/logging"
)

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the VCS target's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Repo identifies a repository on the target.
type Repo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"`
	URL   string `json:"url"`
}

type createRepoRequest struct {
	Name    string `json:"name"`
	Owner   string `json:"owner"`
	Private bool   `json:"private"`
}

// CreateRepo creates (or adopts) a repository. On a name conflict the
// existing repo is reused when the tenant owns it; otherwise monotonic
// suffixes are tried. The created flag tells the caller whether rollback
// on delivery failure should delete the repo.
func (c *Client) CreateRepo(ctx context.Context, tenant, name string, private bool) (repo *Repo, created bool, err error) {
	if c.baseURL == "" {
		return nil, false, faults.Newf(faults.Permanent, "vcs.create_repo", "VCS target not configured")
	}
	candidate := name
	for suffix := 2; suffix < 100; suffix++ {
		repo, created, err := c.tryCreate(ctx, tenant, candidate, private)
		if err == nil {
			return repo, created, nil
		}
		var conflict *conflictError
		if !asConflict(err, &conflict) {
			return nil, false, err
		}
		if conflict.owner == tenant {
			logging.Delivery("repo %s exists and is owned by %s, reusing", candidate, tenant)
			return conflict.repo, false, nil
		}
		candidate = fmt.Sprintf("%s-%d", name, suffix)
	}
	return nil, false, faults.Newf(faults.Permanent, "vcs.create_repo", "no free repository name for %q", name)
}

type conflictError struct {
	repo  *Repo
	owner string
}

func (e *conflictError) Error() string { return "repository name taken by " + e.owner }

func asConflict(err error, out **conflictError) bool {
	ce, ok := err.(*conflictError)
	if ok {
		*out = ce
	}
	return ok
}

func (c *Client) tryCreate(ctx context.Context, tenant, name string, private bool) (*Repo, bool, error) {
	payload, _ := json.Marshal(createRepoRequest{Name: name, Owner: tenant, Private: private})
	status, body, err := c.do(ctx, http.MethodPost, "/repos", payload, "")
	if err != nil {
		return nil, false, err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		var repo Repo
		if err := json.Unmarshal(body, &repo); err != nil {
			return nil, false, faults.Newf(faults.Permanent, "vcs.create_repo", "malformed response: %v", err)
		}
		return &repo, status == http.StatusCreated, nil
	case http.StatusConflict:
		existing, err := c.lookup(ctx, name)
		if err != nil {
			return nil, false, err
		}
		return nil, false, &conflictError{repo: existing, owner: existing.Owner}
	default:
		return nil, false, faults.FromStatus("vcs.create_repo", status, string(body))
	}
}

func (c *Client) lookup(ctx context.Context, name string) (*Repo, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/repos?name="+url.QueryEscape(name), nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, faults.FromStatus("vcs.lookup", status, string(body))
	}
	var repo Repo
	if err := json.Unmarshal(body, &repo); err != nil {
		return nil, faults.Newf(faults.Permanent, "vcs.lookup", "malformed response: %v", err)
	}
	return &repo, nil
}

type pushFile struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

type pushRequest struct {
	Message string     `json:"message"`
	Files   []pushFile `json:"files"`
}

type pushResponse struct {
	CommitSHA string `json:"commit_sha"`
}

// Push commits the file set in a single commit. The idempotency key makes
// replays return the original commit sha instead of creating a duplicate.
func (c *Client) Push(ctx context.Context, repoID string, files map[string][]byte, message, idempotencyKey string) (string, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	req := pushRequest{Message: message, Files: make([]pushFile, 0, len(paths))}
	for _, p := range paths {
		req.Files = append(req.Files, pushFile{
			Path:    p,
			Content: base64.StdEncoding.EncodeToString(files[p]),
		})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", faults.New(faults.Permanent, "vcs.push", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, "/repos/"+url.PathEscape(repoID)+"/commits", payload, idempotencyKey)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", faults.FromStatus("vcs.push", status, string(body))
	}
	var resp pushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", faults.Newf(faults.Permanent, "vcs.push", "malformed response: %v", err)
	}
	if resp.CommitSHA == "" {
		return "", faults.Newf(faults.Permanent, "vcs.push", "response missing commit sha")
	}
	logging.Delivery("pushed %d files to %s commit=%s", len(files), repoID, resp.CommitSHA)
	return resp.CommitSHA, nil
}

// DeleteRepo removes a repository. Used only to roll back a repo this
// delivery attempt just created.
func (c *Client) DeleteRepo(ctx context.Context, repoID string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/repos/"+url.PathEscape(repoID), nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK && status != http.StatusNotFound {
		return faults.FromStatus("vcs.delete_repo", status, string(body))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, idempotencyKey string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, faults.New(faults.Permanent, "vcs", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, faults.New(faults.KindOf(err), "vcs", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, faults.New(faults.Transient, "vcs", err)
	}
	return resp.StatusCode, data, nil
}
