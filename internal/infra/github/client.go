// Package github implements the pull-request collaborator via the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/runoshun/crewd/internal/domain"
)

// Ensure Client implements domain.PullRequests interface.
var _ domain.PullRequests = (*Client)(nil)

// Client opens pull requests with the gh CLI.
type Client struct {
	executor domain.CommandExecutor
	token    string
}

// NewClient creates a new Client. When tokenEnv is set, its value is passed
// to gh as GH_TOKEN.
func NewClient(executor domain.CommandExecutor, tokenEnv string) *Client {
	c := &Client{executor: executor}
	if tokenEnv != "" {
		c.token = os.Getenv(tokenEnv)
	}
	return c
}

// FindPullRequest returns the URL of an open pull request for head.
func (c *Client) FindPullRequest(ctx context.Context, repo domain.Repository, head string) (string, bool, error) {
	repoArg, err := RepoArg(repo.URL)
	if err != nil {
		return "", false, err
	}
	out, err := c.gh(ctx, "pr", "list",
		"--repo", repoArg,
		"--head", head,
		"--state", "open",
		"--limit", "1",
		"--json", "url",
	)
	if err != nil {
		return "", false, fmt.Errorf("list pull requests: %w: %s", err, strings.TrimSpace(string(out)))
	}

	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(out, &prs); err != nil {
		return "", false, fmt.Errorf("parse gh output: %w", err)
	}
	if len(prs) == 0 {
		return "", false, nil
	}
	return prs[0].URL, true, nil
}

// CreatePullRequest opens a pull request and returns its URL.
func (c *Client) CreatePullRequest(ctx context.Context, in domain.PullRequestInput) (string, error) {
	repoArg, err := RepoArg(in.Repository.URL)
	if err != nil {
		return "", err
	}
	args := []string{"pr", "create",
		"--repo", repoArg,
		"--title", in.Title,
		"--body", in.Body,
		"--base", in.Base,
	}
	if in.Draft {
		args = append(args, "--draft")
	}
	args = append(args, "--head", in.Head)

	out, err := c.gh(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w: %s", err, strings.TrimSpace(string(out)))
	}
	url := lastURL(string(out))
	if url == "" {
		return "", fmt.Errorf("create pull request: no URL in gh output %q", strings.TrimSpace(string(out)))
	}
	return url, nil
}

func (c *Client) gh(ctx context.Context, args ...string) ([]byte, error) {
	cmd := domain.NewCommand("gh", args, "")
	if c.token != "" {
		cmd.WithEnv("GH_TOKEN=" + c.token)
	}
	return c.executor.Execute(ctx, cmd)
}

// lastURL returns the last line of out that looks like a URL.
func lastURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "https://") || strings.HasPrefix(line, "http://") {
			return line
		}
	}
	return ""
}

// RepoArg converts a clone URL into gh's [HOST/]OWNER/REPO form.
//
//	https://github.com/acme/api.git -> github.com/acme/api
//	git@github.com:acme/api.git     -> github.com/acme/api
func RepoArg(url string) (string, error) {
	s := strings.TrimSpace(url)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	switch {
	case strings.HasPrefix(s, "https://"):
		s = strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		s = strings.TrimPrefix(s, "http://")
	case strings.HasPrefix(s, "ssh://"):
		s = strings.TrimPrefix(s, "ssh://")
		s = s[strings.Index(s, "@")+1:]
	case strings.HasPrefix(s, "git@"):
		s = strings.Replace(strings.TrimPrefix(s, "git@"), ":", "/", 1)
	}
	// Drop credentials embedded in HTTPS URLs.
	if at := strings.Index(s, "@"); at >= 0 && at < strings.Index(s, "/") {
		s = s[at+1:]
	}

	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("repository %q is not a HOST/OWNER/REPO URL", url)
	}
	return s, nil
}
