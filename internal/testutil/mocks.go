// Package testutil provides shared test utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// MockClock is a test double for domain.Clock.
type MockClock struct {
	NowTime time.Time
	mu      sync.Mutex
}

// NewMockClock creates a MockClock set to now.
func NewMockClock(now time.Time) *MockClock {
	return &MockClock{NowTime: now}
}

// Now returns the configured time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.NowTime
}

// Advance moves the clock forward.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NowTime = m.NowTime.Add(d)
}

// FakeUnit is one execution unit held by FakeBackend.
type FakeUnit struct {
	Spec        domain.UnitSpec
	Status      domain.UnitStatus
	Terminated  domain.TerminationReason
	CleanedUp   bool
	TermRequest int
}

// FakeBackend is a test double for domain.ExecutionBackend.
// Units start in Starting and change only when a test calls SetStatus,
// except that Terminate moves them to Killed unless IgnoreTerminate is set.
// Fields are ordered to minimize memory padding.
type FakeBackend struct {
	units           map[domain.UnitHandle]*FakeUnit
	SpawnErr        error
	StatusErr       error
	SpawnCount      int
	mu              sync.Mutex
	IgnoreTerminate bool
}

var _ domain.ExecutionBackend = (*FakeBackend)(nil)

// NewFakeBackend creates an empty FakeBackend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{units: make(map[domain.UnitHandle]*FakeUnit)}
}

// Spawn registers a unit for the spec.
func (f *FakeBackend) Spawn(_ context.Context, spec domain.UnitSpec) (domain.UnitHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SpawnErr != nil {
		return "", f.SpawnErr
	}
	f.SpawnCount++
	h := domain.UnitHandle(domain.UnitName(spec.Owner))
	f.units[h] = &FakeUnit{Spec: spec, Status: domain.UnitStatus{State: domain.UnitStarting}}
	return h, nil
}

// Lookup finds the unit owned by a task.
func (f *FakeBackend) Lookup(_ context.Context, owner domain.TaskKey) (domain.UnitHandle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := domain.UnitHandle(domain.UnitName(owner))
	_, ok := f.units[h]
	return h, ok, nil
}

// Status returns the unit's configured status.
func (f *FakeBackend) Status(_ context.Context, h domain.UnitHandle) (domain.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return domain.UnitStatus{}, f.StatusErr
	}
	u, ok := f.units[h]
	if !ok {
		return domain.UnitStatus{}, domain.ErrUnitNotFound
	}
	return u.Status, nil
}

// Terminate records the request and kills the unit.
func (f *FakeBackend) Terminate(_ context.Context, h domain.UnitHandle, reason domain.TerminationReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.units[h]
	if !ok {
		return domain.ErrUnitNotFound
	}
	u.TermRequest++
	u.Terminated = reason
	if !f.IgnoreTerminate && !u.Status.State.IsTerminal() {
		u.Status.State = domain.UnitKilled
		u.Status.Reason = reason
	}
	return nil
}

// Cleanup marks the unit as cleaned up.
func (f *FakeBackend) Cleanup(_ context.Context, h domain.UnitHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.units[h]
	if !ok {
		return domain.ErrUnitNotFound
	}
	u.CleanedUp = true
	return nil
}

// SetStatus replaces the status of the unit owned by a task.
func (f *FakeBackend) SetStatus(owner domain.TaskKey, st domain.UnitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := domain.UnitHandle(domain.UnitName(owner))
	u, ok := f.units[h]
	if !ok {
		u = &FakeUnit{Spec: domain.UnitSpec{Owner: owner}}
		f.units[h] = u
	}
	u.Status = st
}

// Unit returns a copy of the unit owned by a task.
func (f *FakeBackend) Unit(owner domain.TaskKey) (FakeUnit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.units[domain.UnitHandle(domain.UnitName(owner))]
	if !ok {
		return FakeUnit{}, false
	}
	return *u, true
}

// Spawns returns the number of successful Spawn calls.
func (f *FakeBackend) Spawns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SpawnCount
}

// FakeWorkspace is a test double for domain.Workspace.
// Fields are ordered to minimize memory padding.
type FakeWorkspace struct {
	Prepared   []string
	Commits    []string
	Pushes     []string
	PrepareErr error
	CommitErr  error
	PushErr    error
	mu         sync.Mutex
	NoChanges  bool
}

var _ domain.Workspace = (*FakeWorkspace)(nil)

// Prepare records the clone.
func (f *FakeWorkspace) Prepare(_ context.Context, _ domain.Repository, dir, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PrepareErr != nil {
		return f.PrepareErr
	}
	f.Prepared = append(f.Prepared, dir+"@"+branch)
	return nil
}

// CommitAll records the commit.
func (f *FakeWorkspace) CommitAll(_ context.Context, dir, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return false, f.CommitErr
	}
	if f.NoChanges {
		return false, nil
	}
	f.Commits = append(f.Commits, dir+": "+message)
	return true, nil
}

// Push records the push.
func (f *FakeWorkspace) Push(_ context.Context, _ string, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PushErr != nil {
		return f.PushErr
	}
	f.Pushes = append(f.Pushes, branch)
	return nil
}

// PushCount returns the number of successful pushes.
func (f *FakeWorkspace) PushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Pushes)
}

// FakePullRequests is a test double for domain.PullRequests.
// Fields are ordered to minimize memory padding.
type FakePullRequests struct {
	Existing  map[string]string // head -> URL
	Created   []domain.PullRequestInput
	CreateErr error
	FindErr   error
	mu        sync.Mutex
}

var _ domain.PullRequests = (*FakePullRequests)(nil)

// FindPullRequest returns an existing pull request for head.
func (f *FakePullRequests) FindPullRequest(_ context.Context, _ domain.Repository, head string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FindErr != nil {
		return "", false, f.FindErr
	}
	url, ok := f.Existing[head]
	return url, ok, nil
}

// CreatePullRequest records the request and returns a URL derived from head.
func (f *FakePullRequests) CreatePullRequest(_ context.Context, in domain.PullRequestInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.Created = append(f.Created, in)
	url := fmt.Sprintf("https://github.com/example/repo/pull/%d", len(f.Created))
	if f.Existing == nil {
		f.Existing = make(map[string]string)
	}
	f.Existing[in.Head] = url
	return url, nil
}

// CreateCount returns the number of pull requests created.
func (f *FakePullRequests) CreateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// ExecResult is a canned command outcome.
type ExecResult struct {
	Err    error
	Output string
}

// MockCommandExecutor is a test double for domain.CommandExecutor.
// Results are keyed by the last argument of the command (the script for
// shell commands); unknown commands succeed with empty output.
// Fields are ordered to minimize memory padding.
type MockCommandExecutor struct {
	Results  map[string]ExecResult
	Executed []*domain.ExecCommand
	mu       sync.Mutex
}

var _ domain.CommandExecutor = (*MockCommandExecutor)(nil)

// NewMockCommandExecutor creates a MockCommandExecutor.
func NewMockCommandExecutor() *MockCommandExecutor {
	return &MockCommandExecutor{Results: make(map[string]ExecResult)}
}

// Execute returns the canned result for the command.
func (m *MockCommandExecutor) Execute(_ context.Context, cmd *domain.ExecCommand) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = append(m.Executed, cmd)
	r := m.Results[commandKey(cmd)]
	return []byte(r.Output), r.Err
}

// ExecuteWithContext writes the canned output to stdout.
func (m *MockCommandExecutor) ExecuteWithContext(ctx context.Context, cmd *domain.ExecCommand, stdout, _ io.Writer) error {
	out, err := m.Execute(ctx, cmd)
	if stdout != nil {
		_, _ = stdout.Write(out)
	}
	return err
}

// Scripts returns the executed command keys in order.
func (m *MockCommandExecutor) Scripts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Executed))
	for _, c := range m.Executed {
		out = append(out, commandKey(c))
	}
	return out
}

func commandKey(cmd *domain.ExecCommand) string {
	if len(cmd.Args) == 0 {
		return cmd.Program
	}
	return cmd.Args[len(cmd.Args)-1]
}

// LogEntry is one line captured by RecordingLogger.
type LogEntry struct {
	Level    string
	Category string
	Msg      string
	Task     domain.TaskKey
}

// RecordingLogger is a domain.Logger that keeps every entry.
type RecordingLogger struct {
	Entries []LogEntry
	mu      sync.Mutex
}

var _ domain.Logger = (*RecordingLogger)(nil)

func (l *RecordingLogger) add(level string, task domain.TaskKey, category, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, LogEntry{Level: level, Task: task, Category: category, Msg: msg})
}

func (l *RecordingLogger) Info(task domain.TaskKey, category, msg string) {
	l.add("info", task, category, msg)
}
func (l *RecordingLogger) Debug(task domain.TaskKey, category, msg string) {
	l.add("debug", task, category, msg)
}
func (l *RecordingLogger) Warn(task domain.TaskKey, category, msg string) {
	l.add("warn", task, category, msg)
}
func (l *RecordingLogger) Error(task domain.TaskKey, category, msg string) {
	l.add("error", task, category, msg)
}

// Contains reports whether any entry's message contains substr.
func (l *RecordingLogger) Contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.Entries {
		if strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}

// RecordingPublisher is a domain.EventPublisher that keeps every event.
type RecordingPublisher struct {
	Events []domain.LifecycleEvent
	Err    error
	mu     sync.Mutex
}

var _ domain.EventPublisher = (*RecordingPublisher)(nil)

// Publish records the event.
func (p *RecordingPublisher) Publish(_ context.Context, ev domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
	return p.Err
}

// Snapshot returns a copy of the recorded events.
func (p *RecordingPublisher) Snapshot() []domain.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), p.Events...)
}

// Types returns the recorded event types in order.
func (p *RecordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Events))
	for _, e := range p.Events {
		out = append(out, e.Type)
	}
	return out
}

// RecordingMetrics is a domain.Metrics that counts calls.
type RecordingMetrics struct {
	Phases     map[domain.Phase]int
	Rejected   map[string]int
	Admitted   int
	Reconnects int
	Monitors   int
	GatePassed int
	GateFailed int
	mu         sync.Mutex
}

var _ domain.Metrics = (*RecordingMetrics)(nil)

// NewRecordingMetrics creates a RecordingMetrics.
func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{Phases: make(map[domain.Phase]int), Rejected: make(map[string]int)}
}

func (m *RecordingMetrics) TaskAdmitted(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Admitted++
}

func (m *RecordingMetrics) AdmissionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected[reason]++
}

func (m *RecordingMetrics) PhaseChanged(p domain.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Phases[p]++
}

func (m *RecordingMetrics) WatchReconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconnects++
}

func (m *RecordingMetrics) MonitorsActive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Monitors = n
}

func (m *RecordingMetrics) GateFinished(passed bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if passed {
		m.GatePassed++
	} else {
		m.GateFailed++
	}
}

// ReconnectCount returns the number of recorded reconnects.
func (m *RecordingMetrics) ReconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reconnects
}

// MockRateLimiter is a test double for domain.RateLimiter.
type MockRateLimiter struct {
	Err   error
	Calls map[string]int
	Limit int
	mu    sync.Mutex
}

var _ domain.RateLimiter = (*MockRateLimiter)(nil)

// Allow admits the first Limit calls per key.
func (r *MockRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	if r.Calls == nil {
		r.Calls = make(map[string]int)
	}
	r.Calls[key]++
	return r.Calls[key] <= r.Limit, nil
}
