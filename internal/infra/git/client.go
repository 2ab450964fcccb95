// Package git provides the git plumbing around execution unit workspaces.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/runoshun/crewd/internal/domain"
)

// Ensure Client implements domain.Workspace interface.
var _ domain.Workspace = (*Client)(nil)

// Default commit identity.
const (
	DefaultAuthorName  = "crewd"
	DefaultAuthorEmail = "crewd@localhost"
)

// Options configures a Client.
type Options struct {
	Clock       domain.Clock
	Remote      string // Remote name (default "origin")
	Token       string // Hosting token for HTTPS remotes (optional)
	AuthorName  string
	AuthorEmail string
}

// Client provides git operations on unit workspaces.
type Client struct {
	auth        transport.AuthMethod
	clock       domain.Clock
	remote      string
	authorName  string
	authorEmail string
}

// NewClient creates a new git client.
func NewClient(opts Options) *Client {
	c := &Client{
		clock:       opts.Clock,
		remote:      opts.Remote,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
	}
	if c.clock == nil {
		c.clock = domain.RealClock{}
	}
	if c.remote == "" {
		c.remote = git.DefaultRemoteName
	}
	if c.authorName == "" {
		c.authorName = DefaultAuthorName
	}
	if c.authorEmail == "" {
		c.authorEmail = DefaultAuthorEmail
	}
	if opts.Token != "" {
		c.auth = &http.BasicAuth{Username: "x-access-token", Password: opts.Token}
	}
	return c
}

// NewClientFromEnv creates a client reading the hosting token from tokenEnv.
func NewClientFromEnv(remote, tokenEnv string) *Client {
	var token string
	if tokenEnv != "" {
		token = os.Getenv(tokenEnv)
	}
	return NewClient(Options{Remote: remote, Token: token})
}

// Prepare clones repo into dir and checks out a new branch from repo.Branch.
// A workspace left behind by an earlier attempt is reused.
func (c *Client) Prepare(ctx context.Context, repo domain.Repository, dir, branch string) error {
	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           repo.URL,
		Auth:          c.auth,
		RemoteName:    c.remote,
		ReferenceName: plumbing.NewBranchReferenceName(repo.Branch),
		SingleBranch:  true,
	})
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		r, err = git.PlainOpen(dir)
	}
	if err != nil {
		return fmt.Errorf("clone %s@%s: %w", repo.URL, repo.Branch, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	_, err = r.Reference(ref, false)
	switch {
	case err == nil:
		err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Keep: true})
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true})
	}
	if err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// CommitAll stages and commits every change in dir.
// Returns false when there was nothing to commit.
func (c *Client) CommitAll(_ context.Context, dir, message string) (bool, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", dir, err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	sig := &object.Signature{
		Name:  c.authorName,
		Email: c.authorEmail,
		When:  c.clock.Now(),
	}
	if _, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Push pushes branch from dir to the remote.
func (c *Client) Push(ctx context.Context, dir, branch string) error {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = r.PushContext(ctx, &git.PushOptions{
		RemoteName: c.remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
		Auth:       c.auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// HeadBranch returns the branch checked out in dir.
func (c *Client) HeadBranch(dir string) (string, error) {
	r, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", dir, err)
	}
	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Name().Short(), nil
}
