package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"autoforge/internal/cycle"
)

// GitHubConfig configures the pull-request publisher.
type GitHubConfig struct {
	Token   string
	RepoURL string
	BaseURL string // override for tests; default api.github.com
	Timeout time.Duration
}

// GitHubPublisher publishes an approved changeset as a branch plus pull
// request through the GitHub REST API.
type GitHubPublisher struct {
	cfg        GitHubConfig
	owner      string
	repo       string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

var repoURLPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)

// NewGitHubPublisher creates a publisher for the repository named by
// cfg.RepoURL.
func NewGitHubPublisher(cfg GitHubConfig, logger *zap.Logger) (*GitHubPublisher, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	m := repoURLPattern.FindStringSubmatch(cfg.RepoURL)
	if m == nil {
		return nil, fmt.Errorf("invalid GitHub repository URL: %s", cfg.RepoURL)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubPublisher{
		cfg:        cfg,
		owner:      m[1],
		repo:       m[2],
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Publish creates a branch from the default branch head, applies every
// changeset entry, and opens a pull request. The PR URL is returned on
// success. On failure before the PR exists, the orphan branch is deleted so
// nothing is left half-published.
func (p *GitHubPublisher) Publish(ctx context.Context, cs *cycle.ChangeSet, title, description string) (string, error) {
	defaultBranch, headSHA, err := p.defaultBranchHead(ctx)
	if err != nil {
		return "", err
	}

	branch := fmt.Sprintf("ai-improvement-%d", p.now().Unix())
	p.logger.Info("creating branch",
		zap.String("branch", branch),
		zap.String("base", defaultBranch))
	if err := p.createBranch(ctx, branch, headSHA); err != nil {
		return "", err
	}

	for _, entry := range cs.Entries() {
		if err := p.applyChange(ctx, branch, title, entry); err != nil {
			p.cleanupBranch(ctx, branch)
			return "", err
		}
	}

	url, err := p.createPullRequest(ctx, branch, defaultBranch, title, description)
	if err != nil {
		p.cleanupBranch(ctx, branch)
		return "", err
	}
	p.logger.Info("pull request created", zap.String("url", url))
	return url, nil
}

func (p *GitHubPublisher) defaultBranchHead(ctx context.Context) (branch, sha string, err error) {
	var repoInfo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := p.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", p.owner, p.repo), nil, &repoInfo); err != nil {
		return "", "", err
	}

	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", p.owner, p.repo, repoInfo.DefaultBranch)
	if err := p.do(ctx, http.MethodGet, path, nil, &ref); err != nil {
		return "", "", err
	}
	return repoInfo.DefaultBranch, ref.Object.SHA, nil
}

func (p *GitHubPublisher) createBranch(ctx context.Context, branch, sha string) error {
	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	return p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/git/refs", p.owner, p.repo), body, nil)
}

// cleanupBranch deletes a branch left behind by a failed publish. Best
// effort; the publish error is what surfaces.
func (p *GitHubPublisher) cleanupBranch(ctx context.Context, branch string) {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", p.owner, p.repo, branch)
	if err := p.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		p.logger.Warn("failed to delete orphan branch",
			zap.String("branch", branch),
			zap.Error(err))
	}
}

func (p *GitHubPublisher) applyChange(ctx context.Context, branch, title string, entry cycle.Change) error {
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", p.owner, p.repo, entry.Path)
	commitMsg := fmt.Sprintf("AI Improvement: %s", title)

	// Existing file SHA is needed for updates and deletes; absence means
	// the file is new on this branch.
	var existing struct {
		SHA string `json:"sha"`
	}
	getErr := p.do(ctx, http.MethodGet, path+"?ref="+branch, nil, &existing)

	if entry.Op == cycle.OpDelete {
		if getErr != nil {
			return fmt.Errorf("cannot delete %s: %w", entry.Path, getErr)
		}
		body := map[string]string{
			"message": commitMsg,
			"sha":     existing.SHA,
			"branch":  branch,
		}
		return p.do(ctx, http.MethodDelete, path, body, nil)
	}

	body := map[string]string{
		"message": commitMsg,
		"content": base64.StdEncoding.EncodeToString([]byte(entry.Content)),
		"branch":  branch,
	}
	if getErr == nil && existing.SHA != "" {
		body["sha"] = existing.SHA
	}
	return p.do(ctx, http.MethodPut, path, body, nil)
}

func (p *GitHubPublisher) createPullRequest(ctx context.Context, branch, base, title, description string) (string, error) {
	body := map[string]string{
		"title": title,
		"body":  description,
		"head":  branch,
		"base":  base,
	}
	var pr struct {
		HTMLURL string `json:"html_url"`
	}
	if err := p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", p.owner, p.repo), body, &pr); err != nil {
		return "", err
	}
	if pr.HTMLURL == "" {
		return "", &MalformedOutputError{Op: "publish", Detail: "pull request response missing html_url"}
	}
	return pr.HTMLURL, nil
}

// do issues one API request, decoding a JSON response into out when out is
// non-nil. 5xx and 429 responses come back as TransientError.
func (p *GitHubPublisher) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: "publish", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{Op: "publish", Err: fmt.Errorf("github API returned %s for %s %s", resp.Status, method, path)}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("github API returned %s for %s %s: %s", resp.Status, method, path, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &MalformedOutputError{Op: "publish", Detail: fmt.Sprintf("invalid JSON from %s %s: %v", method, path, err)}
		}
	}
	return nil
}
