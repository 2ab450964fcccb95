package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/testutil"
	"github.com/runoshun/crewd/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "crewd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return dir, path
}

func TestNew_JSONStore(t *testing.T) {
	// Setup
	dataDir := filepath.Join(t.TempDir(), "data")
	dir, path := writeConfig(t, "[store]\nbackend = \"json\"\npath = \""+filepath.ToSlash(dataDir)+"\"\n")
	var logs bytes.Buffer

	// Execute
	c, err := New(Options{Out: &logs, ConfigPath: path, GlobalDir: filepath.Join(dir, "global")})

	// Verify
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, dataDir, c.Paths.DataDir)
	assert.Equal(t, dataDir, c.Paths.WorkDir)
	assert.DirExists(t, dataDir)
	assert.NotNil(t, c.Backend)
	assert.NotNil(t, c.Telemetry)
	assert.Nil(t, c.Limiter)
	assert.IsType(t, domain.NopPublisher{}, c.Events)

	// The store is usable through the use cases.
	out, err := c.AdmitTaskUseCase().Execute(t.Context(), usecase.AdmitTaskInput{
		Scope:        "payments",
		Creator:      "alice",
		Name:         "fix-login",
		Instructions: "Fix the login redirect",
		Repository:   domain.Repository{URL: "https://github.com/acme/api.git"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePending, out.Task.Status.Phase)
	assert.FileExists(t, domain.TasksStorePath(dataDir))
}

func TestNew_InvalidConfig(t *testing.T) {
	dir, path := writeConfig(t, "[admission]\nmax_deadline_seconds = 0\n")

	_, err := New(Options{Out: &bytes.Buffer{}, ConfigPath: path, GlobalDir: filepath.Join(dir, "global")})

	assert.Error(t, err)
}

func TestNew_MissingExplicitConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := New(Options{Out: &bytes.Buffer{}, ConfigPath: filepath.Join(dir, "missing.toml"), GlobalDir: dir})

	assert.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	t.Run("explicit paths", func(t *testing.T) {
		cfg := domain.NewDefaultConfig()
		cfg.Store.Path = "/srv/crewd"
		cfg.Execution.WorkDir = "/scratch"
		cfg.Log.Dir = "/var/log/crewd"

		paths, err := resolvePaths(cfg)

		require.NoError(t, err)
		assert.Equal(t, Paths{DataDir: "/srv/crewd", WorkDir: "/scratch", LogDir: "/var/log/crewd"}, paths)
	})

	t.Run("xdg data home", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", "/home/alice/.data")
		cfg := domain.NewDefaultConfig()

		paths, err := resolvePaths(cfg)

		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/home/alice/.data", "crewd"), paths.DataDir)
		assert.Equal(t, paths.DataDir, paths.WorkDir)
	})
}

func TestNewWithDeps_UseCases(t *testing.T) {
	// Setup
	store := testutil.NewMemoryStore()
	c := NewWithDeps(domain.NewDefaultConfig(), store, store, testutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), domain.NopLogger{})

	// Execute
	out, err := c.ListTasksUseCase().Execute(t.Context(), usecase.ListTasksInput{Scope: "payments"})

	// Verify
	require.NoError(t, err)
	assert.Empty(t, out.Tasks)
	projects, err := c.ListProjectsUseCase().Execute(t.Context())
	require.NoError(t, err)
	assert.Empty(t, projects.Projects)
	assert.NotNil(t, c.GetProjectUseCase())
	assert.NotNil(t, c.BrowseWorkspaceUseCase())
	assert.NoError(t, c.ShutdownBackend(t.Context()))
	assert.NoError(t, c.Close())
}
