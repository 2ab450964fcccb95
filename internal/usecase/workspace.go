package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// MaxWorkspaceFileBytes caps the size of a file returned by BrowseWorkspace.
const MaxWorkspaceFileBytes = 1 << 20

// BrowseWorkspaceInput contains the parameters for browsing a task's workspace.
type BrowseWorkspaceInput struct {
	Scope string
	Name  string
	Path  string // Relative to the workspace root (empty = root)
}

// WorkspaceEntry is one item of a workspace directory listing.
// Fields are ordered to minimize memory padding.
type WorkspaceEntry struct {
	ModTime time.Time `json:"modTime"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
}

// BrowseWorkspaceOutput holds either a directory listing or a file's content.
// Fields are ordered to minimize memory padding.
type BrowseWorkspaceOutput struct {
	Path    string           // Cleaned relative path ("." for the root)
	Entries []WorkspaceEntry // Set when IsDir
	Content []byte           // Set when !IsDir
	IsDir   bool
}

// BrowseWorkspace is the use case for reading a task's execution workspace.
type BrowseWorkspace struct {
	tasks   domain.TaskStore
	workDir string
}

// NewBrowseWorkspace creates a new BrowseWorkspace use case.
// workDir is the root under which the backend creates unit workspaces.
func NewBrowseWorkspace(tasks domain.TaskStore, workDir string) *BrowseWorkspace {
	return &BrowseWorkspace{tasks: tasks, workDir: workDir}
}

// Execute lists the directory or reads the file at in.Path.
// Paths containing ".." or resolving outside the workspace are rejected.
func (uc *BrowseWorkspace) Execute(ctx context.Context, in BrowseWorkspaceInput) (*BrowseWorkspaceOutput, error) {
	rel, err := cleanWorkspacePath(in.Path)
	if err != nil {
		return nil, err
	}

	key := domain.TaskKey{Scope: in.Scope, Name: in.Name}
	if _, err := uc.tasks.Get(ctx, key); err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	root, err := filepath.EvalSymlinks(domain.WorkspacePath(uc.workDir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrWorkspaceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	target, err := filepath.EvalSymlinks(filepath.Join(root, rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %q: %w", key, rel, domain.ErrWorkspaceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", rel, err)
	}
	if inside, _ := filepath.Rel(root, target); !filepath.IsLocal(inside) && inside != "." {
		return nil, domain.InvalidRequestf("path %q leaves the workspace", in.Path)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", rel, err)
	}
	out := &BrowseWorkspaceOutput{Path: filepath.ToSlash(rel), IsDir: info.IsDir()}
	if !info.IsDir() {
		if info.Size() > MaxWorkspaceFileBytes {
			return nil, domain.InvalidRequestf("file %q is %d bytes, limit is %d", rel, info.Size(), MaxWorkspaceFileBytes)
		}
		if out.Content, err = os.ReadFile(target); err != nil {
			return nil, fmt.Errorf("read %q: %w", rel, err)
		}
		return out, nil
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("read directory %q: %w", rel, err)
	}
	out.Entries = make([]WorkspaceEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		fi, err := de.Info()
		if err != nil {
			continue // removed while listing
		}
		out.Entries = append(out.Entries, WorkspaceEntry{
			Name:    de.Name(),
			IsDir:   de.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	return out, nil
}

// cleanWorkspacePath validates a client-supplied relative path.
func cleanWorkspacePath(p string) (string, error) {
	p = strings.TrimPrefix(strings.ReplaceAll(filepath.ToSlash(p), `\`, "/"), "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", domain.InvalidRequestf("path %q cannot contain '..'", p)
		}
	}
	if p == "" {
		return ".", nil
	}
	rel := filepath.Clean(filepath.FromSlash(p))
	if !filepath.IsLocal(rel) && rel != "." {
		return "", domain.InvalidRequestf("invalid path %q", p)
	}
	return rel, nil
}
