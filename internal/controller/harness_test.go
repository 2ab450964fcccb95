package controller

import (
	"context"
	"testing"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/testutil"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *testutil.MemoryStore
	backend *testutil.FakeBackend
	ws      *testutil.FakeWorkspace
	prs     *testutil.FakePullRequests
	exec    *testutil.MockCommandExecutor
	events  *testutil.RecordingPublisher
	metrics *testutil.RecordingMetrics
	clock   *testutil.MockClock
	logger  *testutil.RecordingLogger
	rec     *Reconciler
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewMemoryStore(),
		backend: testutil.NewFakeBackend(),
		ws:      &testutil.FakeWorkspace{},
		prs:     &testutil.FakePullRequests{},
		exec:    testutil.NewMockCommandExecutor(),
		events:  &testutil.RecordingPublisher{},
		metrics: testutil.NewRecordingMetrics(),
		clock:   testutil.NewMockClock(testNow),
		logger:  &testutil.RecordingLogger{},
	}
	opts := Options{
		Checks:         []domain.CheckConfig{{Name: "tests", Command: "go test ./..."}},
		BranchPrefix:   domain.DefaultBranchPrefix,
		PollInterval:   tick,
		ReconnectDelay: 10 * time.Millisecond,
		CheckTimeout:   time.Minute,
		Partitions:     1,
	}
	if configure != nil {
		configure(&opts)
	}
	h.rec = NewReconciler(h.deps(), opts)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Tasks:        h.store,
		Backend:      h.backend,
		Workspace:    h.ws,
		PullRequests: h.prs,
		Executor:     h.exec,
		Events:       h.events,
		Metrics:      h.metrics,
		Clock:        h.clock,
		Logger:       h.logger,
	}
}

// start runs the reconciler until the test ends and then checks that
// every monitor has exited.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.rec.Run(ctx) }()
	require.Eventually(t, func() bool { return h.store.WatcherCount() == 1 }, waitFor, tick)

	t.Cleanup(func() {
		h.stop(t)
	})
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("reconciler did not stop")
	}
	require.Zero(t, h.rec.ActiveMonitors(), "monitors leaked")
}

func newTask(name string) *domain.Task {
	return &domain.Task{
		Created: testNow,
		Labels: map[string]string{
			domain.LabelMode:    domain.ModeBackground,
			domain.LabelCreator: "alice",
		},
		Repository:      domain.Repository{URL: "https://github.com/example/repo.git", Branch: "main"},
		Scope:           "proj",
		Name:            name,
		Instructions:    "Fix the flaky test in pkg/foo",
		Creator:         "alice",
		DeadlineSeconds: 60,
		Status:          domain.TaskStatus{Phase: domain.PhasePending, CurrentPhaseLabel: "queued"},
	}
}

func (h *harness) submit(name string) domain.TaskKey {
	return h.store.Put(newTask(name)).Key()
}

func (h *harness) get(t *testing.T, key domain.TaskKey) *domain.Task {
	t.Helper()
	task, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	return task
}

func (h *harness) waitPhase(t *testing.T, key domain.TaskKey, phase domain.Phase) *domain.Task {
	t.Helper()
	var last *domain.Task
	require.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), key)
		if err != nil {
			return false
		}
		last = task
		return task.Status.Phase == phase
	}, waitFor, tick, "waiting for %s", phase)
	return last
}

func (h *harness) succeed(t *testing.T, key domain.TaskKey) string {
	t.Helper()
	dir := t.TempDir()
	h.backend.SetStatus(key, domain.UnitStatus{
		State:     domain.UnitSucceeded,
		Workspace: dir,
		Branch:    domain.BranchName(domain.DefaultBranchPrefix, key),
		Progress:  domain.ProgressChangesGenerated,
		LogTail:   "agent finished",
	})
	return dir
}
