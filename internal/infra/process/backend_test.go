package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirWorkspace creates the workspace directory instead of cloning.
// When block is set, Prepare waits for it to close or for ctx.
type dirWorkspace struct {
	block chan struct{}
	err   error
}

func (w *dirWorkspace) Prepare(ctx context.Context, _ domain.Repository, dir, _ string) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.err != nil {
		return w.err
	}
	return os.MkdirAll(dir, 0o750)
}

func (w *dirWorkspace) CommitAll(context.Context, string, string) (bool, error) { return false, nil }
func (w *dirWorkspace) Push(context.Context, string, string) error              { return nil }

var testOwner = domain.TaskKey{Scope: "payments", Name: "fix-flaky"}

func newTestBackend(t *testing.T, ws domain.Workspace, agent string) *Backend {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("Skipping test on Windows")
	}
	b := New(Options{
		Workspace:    ws,
		WorkDir:      t.TempDir(),
		AgentCommand: agent,
		GracePeriod:  200 * time.Millisecond,
		LogTailBytes: 256,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func spawn(t *testing.T, b *Backend, deadline time.Duration) domain.UnitHandle {
	t.Helper()
	h, err := b.Spawn(context.Background(), domain.UnitSpec{
		Owner:        testOwner,
		Repository:   domain.Repository{URL: "https://github.com/acme/api.git", Branch: "main"},
		Instructions: "fix the flaky test",
		Branch:       "crewd/payments/fix-flaky",
		Deadline:     deadline,
	})
	require.NoError(t, err)
	return h
}

func waitTerminal(t *testing.T, b *Backend, h domain.UnitHandle) domain.UnitStatus {
	t.Helper()
	var st domain.UnitStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = b.Status(context.Background(), h)
		require.NoError(t, err)
		return st.State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line  string
		pct   int
		label string
		ok    bool
	}{
		{line: "::progress 45 running tests", pct: 45, label: "running tests", ok: true},
		{line: "  ::progress 30%   editing files ", pct: 30, label: "editing files", ok: true},
		{line: "::progress 50", pct: 50, ok: true},
		{line: "::progress 101 too far"},
		{line: "::progress -1 negative"},
		{line: "::progress soon"},
		{line: "progress 10 missing marker"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			pct, label, ok := ParseProgress(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.pct, pct)
			assert.Equal(t, tt.label, label)
		})
	}
}

func TestBackend_Success(t *testing.T) {
	// Setup
	agent := `echo "task=$CREWD_TASK branch=$CREWD_BRANCH"
printf '%s' "$CREWD_INSTRUCTIONS" > instructions.txt
echo "::progress 45 editing files"
echo done`
	b := newTestBackend(t, &dirWorkspace{}, agent)

	// Execute
	h := spawn(t, b, 0)
	st := waitTerminal(t, b, h)

	// Verify
	assert.Equal(t, domain.UnitHandle("crewd-payments-fix-flaky"), h)
	assert.Equal(t, domain.UnitSucceeded, st.State)
	assert.Equal(t, domain.ReasonNone, st.Reason)
	assert.Equal(t, 45, st.Progress)
	assert.Equal(t, "editing files", st.Label)
	assert.Equal(t, "crewd/payments/fix-flaky", st.Branch)
	assert.Contains(t, st.LogTail, "task=payments/fix-flaky branch=crewd/payments/fix-flaky")
	assert.Contains(t, st.LogTail, "done")
	assert.NotContains(t, st.LogTail, "::progress")

	require.NotEmpty(t, st.Workspace)
	content, err := os.ReadFile(filepath.Join(st.Workspace, "instructions.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fix the flaky test", string(content))
}

func TestBackend_SpawnIsIdempotent(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{}, "sleep 5")

	h1 := spawn(t, b, 0)
	h2 := spawn(t, b, 0)

	assert.Equal(t, h1, h2)
	h, found, err := b.Lookup(context.Background(), testOwner)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, h1, h)
}

func TestBackend_AgentFailure(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{}, "echo boom >&2; exit 7")

	st := waitTerminal(t, b, spawn(t, b, 0))

	assert.Equal(t, domain.UnitFailed, st.State)
	assert.Equal(t, domain.ReasonCrashed, st.Reason)
	assert.Equal(t, 7, st.ExitCode)
	assert.Equal(t, "agent exited with code 7", st.ExitDetail)
	assert.Contains(t, st.LogTail, "boom")
	assert.Empty(t, st.Workspace)
}

func TestBackend_PrepareFailure(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{err: errors.New("repository not found")}, "true")

	st := waitTerminal(t, b, spawn(t, b, 0))

	assert.Equal(t, domain.UnitFailed, st.State)
	assert.Equal(t, domain.ReasonStartFailed, st.Reason)
	assert.Contains(t, st.ExitDetail, "repository not found")
}

func TestBackend_Deadline(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{}, "sleep 30")

	st := waitTerminal(t, b, spawn(t, b, 300*time.Millisecond))

	assert.Equal(t, domain.UnitKilled, st.State)
	assert.Equal(t, domain.ReasonDeadlineExceeded, st.Reason)
	assert.Equal(t, domain.PhaseTimeout, st.Outcome())
}

func TestBackend_Terminate(t *testing.T) {
	// Setup
	b := newTestBackend(t, &dirWorkspace{}, "sleep 30")
	h := spawn(t, b, 0)
	require.Eventually(t, func() bool {
		st, _ := b.Status(context.Background(), h)
		return st.State == domain.UnitRunning
	}, 5*time.Second, 10*time.Millisecond)

	// Execute
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Terminate(ctx, h, domain.ReasonCancelled))

	// Verify
	st, err := b.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKilled, st.State)
	assert.Equal(t, domain.ReasonCancelled, st.Reason)
	assert.Equal(t, domain.PhaseStopped, st.Outcome())
}

func TestBackend_TerminateEscalatesToKill(t *testing.T) {
	// Setup: the agent ignores SIGTERM
	b := newTestBackend(t, &dirWorkspace{}, `trap '' TERM; echo ready; while :; do sleep 0.05; done`)
	h := spawn(t, b, 0)
	require.Eventually(t, func() bool {
		st, _ := b.Status(context.Background(), h)
		return st.State == domain.UnitRunning
	}, 5*time.Second, 10*time.Millisecond)

	// Execute
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Terminate(ctx, h, domain.ReasonDeadlineExceeded))

	// Verify
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	st, err := b.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKilled, st.State)
	assert.Equal(t, domain.ReasonDeadlineExceeded, st.Reason)
}

func TestBackend_TerminateWhilePreparing(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{block: make(chan struct{})}, "true")
	h := spawn(t, b, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Terminate(ctx, h, domain.ReasonCancelled))

	st, err := b.Status(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitKilled, st.State)
	assert.Equal(t, domain.ReasonCancelled, st.Reason)
}

func TestBackend_Cleanup(t *testing.T) {
	// Setup
	b := newTestBackend(t, &dirWorkspace{}, "touch result.txt")
	h := spawn(t, b, 0)
	st := waitTerminal(t, b, h)
	require.DirExists(t, st.Workspace)

	// Execute
	require.NoError(t, b.Cleanup(context.Background(), h))

	// Verify
	assert.NoDirExists(t, st.Workspace)
	_, err := b.Status(context.Background(), h)
	assert.ErrorIs(t, err, domain.ErrUnitNotFound)
	_, found, err := b.Lookup(context.Background(), testOwner)
	require.NoError(t, err)
	assert.False(t, found)
	assert.ErrorIs(t, b.Cleanup(context.Background(), h), domain.ErrUnitNotFound)
}

func TestBackend_LogTailIsBounded(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{}, `i=0; while [ $i -lt 100 ]; do echo "line $i"; i=$((i+1)); done`)

	st := waitTerminal(t, b, spawn(t, b, 0))

	assert.LessOrEqual(t, len(st.LogTail), 256)
	assert.Contains(t, st.LogTail, "line 99")
	assert.NotContains(t, st.LogTail, "line 1\n")
}

func TestBackend_UnknownHandle(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{}, "true")

	_, err := b.Status(context.Background(), "crewd-x-y")
	assert.ErrorIs(t, err, domain.ErrUnitNotFound)
	assert.ErrorIs(t, b.Terminate(context.Background(), "crewd-x-y", domain.ReasonCancelled), domain.ErrUnitNotFound)
}

func TestBackend_NoAgentCommand(t *testing.T) {
	b := newTestBackend(t, &dirWorkspace{}, " ")

	_, err := b.Spawn(context.Background(), domain.UnitSpec{Owner: testOwner})

	assert.Error(t, err)
}
