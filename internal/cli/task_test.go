package cli

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskNew_Instructions(t *testing.T) {
	// Setup
	te := newTestEnv(t)

	// Execute
	out, _, err := te.run(t, "", "task", "new",
		"--repo", "https://github.com/acme/api.git",
		"--name", "fix-flaky",
		"-m", "Fix the flaky TestOrderSync test",
		"--deadline", "20m")

	// Verify
	require.NoError(t, err)
	assert.Equal(t, "Created task payments/fix-flaky\n", out)
	task, err := te.store.Get(t.Context(), domain.TaskKey{Scope: "payments", Name: "fix-flaky"})
	require.NoError(t, err)
	assert.Equal(t, "alice", task.Creator)
	assert.Equal(t, 1200, task.DeadlineSeconds)
	assert.Equal(t, domain.PhasePending, task.Status.Phase)
	assert.Equal(t, "main", task.Repository.Branch)
}

func TestTaskNew_InstructionsFromStdin(t *testing.T) {
	// Setup
	te := newTestEnv(t)

	// Execute
	_, _, err := te.run(t, "Upgrade every dependency\n", "task", "new",
		"--repo", "https://github.com/acme/api.git",
		"--name", "deps",
		"-f", "-")

	// Verify
	require.NoError(t, err)
	task, err := te.store.Get(t.Context(), domain.TaskKey{Scope: "payments", Name: "deps"})
	require.NoError(t, err)
	assert.Contains(t, task.Instructions, "Upgrade every dependency")
}

func TestTaskNew_FromTemplate(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	_, _, err := te.run(t, "", "template", "create", "bump-dep",
		"-m", "Upgrade {{ dep }} to {{ version }}",
		"-p", "dep", "-p", "version=latest")
	require.NoError(t, err)

	// Execute
	_, _, err = te.run(t, "", "task", "new",
		"--repo", "https://github.com/acme/api.git",
		"--name", "bump-net",
		"-t", "bump-dep",
		"-p", "dep=golang.org/x/net")

	// Verify
	require.NoError(t, err)
	task, err := te.store.Get(t.Context(), domain.TaskKey{Scope: "payments", Name: "bump-net"})
	require.NoError(t, err)
	assert.Equal(t, "Upgrade golang.org/x/net to latest", task.Instructions)
	assert.Equal(t, "bump-dep", task.TemplateRef)
}

func TestTaskNew_RequiresRepo(t *testing.T) {
	te := newTestEnv(t)

	_, _, err := te.run(t, "", "task", "new", "-m", "x")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo")
}

func TestTaskNew_ConcurrencyLimit(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("busy", "alice", domain.TaskStatus{Phase: domain.PhaseRunning})

	// Execute
	_, _, err := te.run(t, "", "task", "new",
		"--repo", "https://github.com/acme/api.git", "-m", "Another one")

	// Verify
	var limitErr *domain.ConcurrencyLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "busy", limitErr.Blocking)
}

func TestTaskNew_InvalidParam(t *testing.T) {
	te := newTestEnv(t)

	_, _, err := te.run(t, "", "task", "new",
		"--repo", "https://github.com/acme/api.git", "-t", "x", "-p", "novalue")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected name=value")
}

func TestTaskList(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("running-one", "alice", domain.TaskStatus{Phase: domain.PhaseRunning, ProgressPercent: 40, CurrentPhaseLabel: "Running agent"})
	te.seed("failed-one", "bob", domain.TaskStatus{Phase: domain.PhaseFailed, ErrorDetail: "agent exited with code 2\nmore"})

	// Execute
	out, _, err := te.run(t, "", "task", "list")

	// Verify
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "running-one")
	assert.Contains(t, out, "40%")
	assert.Contains(t, out, "Running agent")
	assert.Contains(t, out, "1h30m")
	assert.Contains(t, out, "agent exited with code 2")
	assert.NotContains(t, out, "more")
}

func TestTaskList_Filters(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("mine", "alice", domain.TaskStatus{Phase: domain.PhaseRunning})
	te.seed("theirs", "bob", domain.TaskStatus{Phase: domain.PhaseFailed})

	t.Run("mine", func(t *testing.T) {
		out, _, err := te.run(t, "", "task", "list", "--mine")
		require.NoError(t, err)
		assert.Contains(t, out, "mine")
		assert.NotContains(t, out, "theirs")
	})

	t.Run("phase", func(t *testing.T) {
		out, _, err := te.run(t, "", "task", "list", "--phase", "failed,timeout")
		require.NoError(t, err)
		assert.Contains(t, out, "theirs")
		assert.NotContains(t, out, "mine")
	})

	t.Run("invalid phase", func(t *testing.T) {
		_, _, err := te.run(t, "", "task", "list", "--phase", "sleeping")
		require.ErrorIs(t, err, domain.ErrInvalidPhase)
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := te.run(t, "", "task", "list", "--json")
		require.NoError(t, err)
		var tasks []domain.Task
		require.NoError(t, json.Unmarshal([]byte(out), &tasks))
		assert.Len(t, tasks, 2)
	})
}

func TestTaskShow(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("broken", "alice", domain.TaskStatus{
		Phase:       domain.PhaseFailed,
		ErrorDetail: "validation failed",
		Checks:      []domain.CheckResult{{Name: "go test", Passed: false}, {Name: "go vet", Passed: true}},
		LogTail:     "FAIL pkg/foo\n",
	})

	// Execute
	out, _, err := te.run(t, "", "task", "show", "broken")

	// Verify
	require.NoError(t, err)
	assert.Contains(t, out, "Task: payments/broken")
	assert.Contains(t, out, "Phase: Failed (0%)")
	assert.Contains(t, out, "Error: validation failed")
	assert.Contains(t, out, "FAIL go test")
	assert.Contains(t, out, "ok   go vet")
	assert.Contains(t, out, "  Fix broken")
	assert.Contains(t, out, "  FAIL pkg/foo")
}

func TestTaskShow_NotFound(t *testing.T) {
	te := newTestEnv(t)

	_, _, err := te.run(t, "", "task", "show", "missing")

	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskRetry(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("broken", "alice", domain.TaskStatus{Phase: domain.PhaseFailed, ErrorDetail: "boom"})

	// Execute
	out, _, err := te.run(t, "", "task", "retry", "broken", "--name", "broken-2")

	// Verify
	require.NoError(t, err)
	assert.Equal(t, "Created task payments/broken-2 (retry #1 of broken)\n", out)
	task, err := te.store.Get(t.Context(), domain.TaskKey{Scope: "payments", Name: "broken-2"})
	require.NoError(t, err)
	assert.Equal(t, "broken", task.RetryOf)
	assert.Equal(t, domain.PhasePending, task.Status.Phase)
}

func TestTaskRetry_NotRetryable(t *testing.T) {
	te := newTestEnv(t)
	te.seed("done", "alice", domain.TaskStatus{Phase: domain.PhaseStopped})

	_, _, err := te.run(t, "", "task", "retry", "done")

	require.ErrorIs(t, err, domain.ErrTaskNotRetryable)
}

func TestTaskCancel(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("busy", "alice", domain.TaskStatus{Phase: domain.PhaseRunning})

	// Execute
	out, _, err := te.run(t, "", "task", "cancel", "busy")

	// Verify
	require.NoError(t, err)
	assert.Equal(t, "Cancellation requested for payments/busy\n", out)
	task, err := te.store.Get(t.Context(), domain.TaskKey{Scope: "payments", Name: "busy"})
	require.NoError(t, err)
	assert.True(t, task.CancelRequested)
}

func TestTaskDelete(t *testing.T) {
	// Setup
	te := newTestEnv(t)
	te.seed("a", "alice", domain.TaskStatus{Phase: domain.PhaseCompleted, ExternalArtifactURL: "https://github.com/acme/api/pull/1"})
	te.seed("b", "bob", domain.TaskStatus{Phase: domain.PhaseFailed})

	// Execute
	out, _, err := te.run(t, "", "task", "rm", "a", "b")

	// Verify
	require.NoError(t, err)
	assert.Equal(t, "Deleted task payments/a\nDeleted task payments/b\n", out)
	_, err = te.store.Get(t.Context(), domain.TaskKey{Scope: "payments", Name: "a"})
	assert.True(t, errors.Is(err, domain.ErrTaskNotFound))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"dep=golang.org/x/net", "expr=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dep": "golang.org/x/net", "expr": "a=b", "empty": ""}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45e9))
	assert.Equal(t, "1h30m", formatDuration(90*60e9))
	assert.Equal(t, "2d3h", formatDuration(51*3600e9))
}
