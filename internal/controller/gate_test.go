package controller

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runningTask(t *testing.T, h *harness) *domain.Task {
	t.Helper()
	task := newTask("task-a")
	task.Status = domain.TaskStatus{Phase: domain.PhaseRunning, Started: testNow, ProgressPercent: 60}
	return h.store.Put(task)
}

func TestGate_Run_NoChecksConfigured(t *testing.T) {
	h := newHarness(t, nil)
	gate := NewGate(h.deps(), Options{BranchPrefix: "crewd/"})
	task := runningTask(t, h)

	var reported []int
	err := gate.Run(context.Background(), task, domain.UnitStatus{State: domain.UnitSucceeded, Workspace: t.TempDir()}, func(p int, _ string) {
		reported = append(reported, p)
	})

	require.NoError(t, err)
	done := h.get(t, task.Key())
	assert.Equal(t, domain.PhaseCompleted, done.Status.Phase)
	assert.Equal(t, []int{domain.ProgressValidated}, reported)
	assert.Contains(t, h.prs.Created[0].Body, "No checks configured.")
	assert.Equal(t, 1, h.metrics.GatePassed)
}

func TestGate_Run_InvalidRepositoryCheckFile(t *testing.T) {
	h := newHarness(t, nil)
	gate := NewGate(h.deps(), Options{})
	task := runningTask(t, h)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(domain.RepoChecksPath(dir), []byte("[[checks]]\nname = \"x\"\n"), 0o644))

	err := gate.Run(context.Background(), task, domain.UnitStatus{State: domain.UnitSucceeded, Workspace: dir}, func(int, string) {})

	require.NoError(t, err)
	failed := h.get(t, task.Key())
	assert.Equal(t, domain.PhaseFailed, failed.Status.Phase)
	assert.Contains(t, failed.Status.ErrorDetail, "load checks")
	assert.Zero(t, h.prs.CreateCount())
	assert.Equal(t, 1, h.metrics.GateFailed)
}

func TestGate_Run_PullRequestError(t *testing.T) {
	h := newHarness(t, nil)
	h.prs.CreateErr = errors.New("rate limited by host")
	gate := NewGate(h.deps(), Options{BranchPrefix: "crewd/"})
	task := runningTask(t, h)

	err := gate.Run(context.Background(), task, domain.UnitStatus{State: domain.UnitSucceeded, Workspace: t.TempDir()}, func(int, string) {})

	require.NoError(t, err)
	failed := h.get(t, task.Key())
	assert.Equal(t, domain.PhaseFailed, failed.Status.Phase)
	assert.Equal(t, "publish failed: create pull request: rate limited by host", failed.Status.ErrorDetail)
	assert.Equal(t, 1, h.ws.PushCount(), "push happens before the pull request")
}

func TestGate_Run_TaskDeletedBeforeWrite(t *testing.T) {
	h := newHarness(t, nil)
	gate := NewGate(h.deps(), Options{BranchPrefix: "crewd/"})
	task := runningTask(t, h)
	require.NoError(t, h.store.Delete(context.Background(), task.Key()))

	err := gate.Run(context.Background(), task, domain.UnitStatus{State: domain.UnitSucceeded, Workspace: t.TempDir()}, func(int, string) {})

	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestPullRequestTitle(t *testing.T) {
	task := &domain.Task{Instructions: "Fix flaky test\n\nDetails follow"}
	assert.Equal(t, "crewd: Fix flaky test", pullRequestTitle(task))

	task.Instructions = strings.Repeat("a", 100)
	title := pullRequestTitle(task)
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len(title), len("crewd: ")+72)
}

func TestPullRequestBody(t *testing.T) {
	task := newTask("task-a")
	task.TemplateRef = "upgrade"
	task.RetryOf = "task-0"

	body := pullRequestBody(task, []domain.CheckResult{{Name: "lint", Passed: true}, {Name: "tests", Passed: true}}, testNow)

	assert.Contains(t, body, "`proj/task-a`")
	assert.Contains(t, body, "Completed: 2026-03-01T12:00:00Z")
	assert.Contains(t, body, "Template: upgrade")
	assert.Contains(t, body, "Retry of: task-0")
	assert.Contains(t, body, "- [x] lint\n- [x] tests\n")
	assert.Contains(t, body, "> Fix the flaky test in pkg/foo")
}
