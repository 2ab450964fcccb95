// Package process implements the execution backend with supervised local
// subprocesses. Each unit clones the task's repository into its own
// workspace, runs the agent command there and reports progress parsed from
// the agent's output.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/infra/executor"
)

// Ensure Backend implements domain.ExecutionBackend interface.
var _ domain.ExecutionBackend = (*Backend)(nil)

// ProgressPrefix marks agent output lines that report progress:
//
//	::progress 45 running tests
const ProgressPrefix = "::progress "

// Environment passed to the agent command.
const (
	EnvInstructions = "CREWD_INSTRUCTIONS"
	EnvTask         = "CREWD_TASK"
	EnvBranch       = "CREWD_BRANCH"
	EnvWorkspace    = "CREWD_WORKSPACE"
)

// Options configures a Backend.
// Fields are ordered to minimize memory padding.
type Options struct {
	Workspace    domain.Workspace
	Executor     *executor.Client
	Logger       domain.Logger
	WorkDir      string        // Root of unit workspaces
	AgentCommand string        // Shell command run inside the workspace
	GracePeriod  time.Duration // SIGTERM to SIGKILL delay
	LogTailBytes int
}

// Backend runs execution units as local process groups.
// Fields are ordered to minimize memory padding.
type Backend struct {
	workspace    domain.Workspace
	executor     *executor.Client
	logger       domain.Logger
	units        map[domain.UnitHandle]*unit
	workDir      string
	agentCommand string
	gracePeriod  time.Duration
	logTailBytes int
	mu           sync.Mutex
}

// New creates a new Backend.
func New(opts Options) *Backend {
	b := &Backend{
		workspace:    opts.Workspace,
		executor:     opts.Executor,
		logger:       opts.Logger,
		units:        make(map[domain.UnitHandle]*unit),
		workDir:      opts.WorkDir,
		agentCommand: opts.AgentCommand,
		gracePeriod:  opts.GracePeriod,
		logTailBytes: opts.LogTailBytes,
	}
	if b.executor == nil {
		b.executor = executor.NewClient()
	}
	if b.logger == nil {
		b.logger = domain.NopLogger{}
	}
	if b.workDir == "" {
		b.workDir = os.TempDir()
	}
	if b.gracePeriod <= 0 {
		b.gracePeriod = domain.DefaultGracePeriod
	}
	return b
}

// unit is one supervised execution.
// Fields are ordered to minimize memory padding.
type unit struct {
	tail     *domain.LogTail
	proc     *executor.Process
	cancel   context.CancelFunc
	done     chan struct{}
	spec     domain.UnitSpec
	dir      string
	label    string
	detail   string
	state    domain.UnitState
	reason   domain.TerminationReason
	exitCode int
	progress int
	mu       sync.Mutex
}

func (u *unit) snapshot() domain.UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()

	st := domain.UnitStatus{
		State:      u.state,
		Reason:     u.reason,
		ExitDetail: u.detail,
		Label:      u.label,
		LogTail:    u.tail.String(),
		Branch:     u.spec.Branch,
		ExitCode:   u.exitCode,
		Progress:   u.progress,
	}
	if u.state == domain.UnitSucceeded {
		st.Workspace = u.dir
	}
	return st
}

func (u *unit) setProgress(pct int, label string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if pct > u.progress {
		u.progress = min(pct, 100)
	}
	if label != "" {
		u.label = label
	}
}

// finish records the terminal state unless one was already recorded.
func (u *unit) finish(state domain.UnitState, reason domain.TerminationReason, code int, detail string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.IsTerminal() {
		return
	}
	// A requested termination wins over however the agent exited.
	if u.reason != domain.ReasonNone {
		state = domain.UnitKilled
		reason = u.reason
	}
	u.state = state
	u.reason = reason
	u.exitCode = code
	u.detail = detail
}

// Spawn starts a unit for the spec and returns its handle.
// Spawning an owner that already has a unit returns the existing handle.
func (b *Backend) Spawn(_ context.Context, spec domain.UnitSpec) (domain.UnitHandle, error) {
	handle := domain.UnitHandle(domain.UnitName(spec.Owner))

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.units[handle]; ok {
		return handle, nil
	}
	if strings.TrimSpace(b.agentCommand) == "" {
		return "", errors.New("no agent command configured")
	}

	// Units outlive the reconcile pass that spawned them.
	runCtx, cancel := context.WithCancel(context.Background())
	u := &unit{
		tail:   domain.NewLogTail(b.logTailBytes),
		cancel: cancel,
		done:   make(chan struct{}),
		spec:   spec,
		dir:    domain.WorkspacePath(b.workDir, spec.Owner),
		label:  "preparing workspace",
		state:  domain.UnitStarting,
	}
	b.units[handle] = u

	go b.run(runCtx, u)
	return handle, nil
}

func (b *Backend) run(ctx context.Context, u *unit) {
	defer close(u.done)
	defer u.cancel()

	key := u.spec.Owner
	if u.spec.Deadline > 0 {
		timer := time.AfterFunc(u.spec.Deadline, func() {
			b.logger.Warn(key, "process", fmt.Sprintf("deadline of %s exceeded, terminating", u.spec.Deadline))
			b.stop(u, domain.ReasonDeadlineExceeded)
		})
		defer timer.Stop()
	}

	if err := b.workspace.Prepare(ctx, u.spec.Repository, u.dir, u.spec.Branch); err != nil {
		u.finish(domain.UnitFailed, domain.ReasonStartFailed, -1, fmt.Sprintf("prepare workspace: %v", err))
		return
	}
	u.setProgress(domain.ProgressWorkspacePrepared, "workspace prepared")

	cmd := domain.NewShellCommand(b.agentCommand, u.dir).WithEnv(
		EnvInstructions+"="+u.spec.Instructions,
		EnvTask+"="+key.String(),
		EnvBranch+"="+u.spec.Branch,
		EnvWorkspace+"="+u.dir,
	)
	pr, pw := io.Pipe()
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		b.scan(u, pr)
	}()

	u.mu.Lock()
	if u.reason != domain.ReasonNone {
		u.mu.Unlock()
		_ = pw.Close()
		<-scanned
		u.finish(domain.UnitKilled, domain.ReasonCancelled, -1, "terminated before start")
		return
	}
	proc, err := b.executor.Start(ctx, cmd, pw)
	if err != nil {
		u.mu.Unlock()
		_ = pw.Close()
		<-scanned
		u.finish(domain.UnitFailed, domain.ReasonStartFailed, -1, fmt.Sprintf("start agent: %v", err))
		return
	}
	u.proc = proc
	u.state = domain.UnitRunning
	u.label = "agent running"
	u.mu.Unlock()
	b.logger.Info(key, "process", fmt.Sprintf("agent started (pid %d) in %s", proc.Pid(), u.dir))

	waitErr := proc.Wait()
	_ = pw.Close()
	<-scanned

	code := proc.ExitCode()
	switch {
	case waitErr == nil:
		u.finish(domain.UnitSucceeded, domain.ReasonNone, 0, "")
	case code > 0:
		u.finish(domain.UnitFailed, domain.ReasonCrashed, code, fmt.Sprintf("agent exited with code %d", code))
	default:
		u.finish(domain.UnitFailed, domain.ReasonCrashed, code, fmt.Sprintf("agent terminated: %v", waitErr))
	}
	b.logger.Info(key, "process", fmt.Sprintf("agent finished: %s", u.snapshot().State))
}

// scan copies agent output into the log tail and picks up progress lines.
func (b *Backend) scan(u *unit, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if pct, label, ok := ParseProgress(line); ok {
			u.setProgress(pct, label)
			continue
		}
		_, _ = u.tail.Write([]byte(line + "\n"))
	}
	// Drain so the writer never blocks on an overlong line.
	_, _ = io.Copy(io.Discard, r)
}

// ParseProgress parses a "::progress <pct> <label>" line.
func ParseProgress(line string) (int, string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), ProgressPrefix)
	if !ok {
		return 0, "", false
	}
	pctStr, label, _ := strings.Cut(strings.TrimSpace(rest), " ")
	pct, err := strconv.Atoi(strings.TrimSuffix(pctStr, "%"))
	if err != nil || pct < 0 || pct > 100 {
		return 0, "", false
	}
	return pct, strings.TrimSpace(label), true
}

// Lookup returns the handle of an existing unit owned by the task.
// Units do not survive an engine restart.
func (b *Backend) Lookup(_ context.Context, owner domain.TaskKey) (domain.UnitHandle, bool, error) {
	handle := domain.UnitHandle(domain.UnitName(owner))

	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.units[handle]
	return handle, ok, nil
}

// Status reports the unit's current state.
func (b *Backend) Status(_ context.Context, handle domain.UnitHandle) (domain.UnitStatus, error) {
	u, err := b.get(handle)
	if err != nil {
		return domain.UnitStatus{}, err
	}
	return u.snapshot(), nil
}

// Terminate stops the unit: SIGTERM to its process group, then SIGKILL
// after the grace period. It returns once the unit has stopped or ctx is done.
func (b *Backend) Terminate(ctx context.Context, handle domain.UnitHandle, reason domain.TerminationReason) error {
	u, err := b.get(handle)
	if err != nil {
		return err
	}
	if reason == domain.ReasonNone {
		reason = domain.ReasonCancelled
	}
	b.stop(u, reason)

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) stop(u *unit, reason domain.TerminationReason) {
	u.mu.Lock()
	if u.state.IsTerminal() || u.reason != domain.ReasonNone {
		u.mu.Unlock()
		return
	}
	u.reason = reason
	proc := u.proc
	u.mu.Unlock()

	if proc == nil {
		// Still preparing the workspace.
		u.cancel()
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-proc.Done():
		case <-time.After(b.gracePeriod):
			b.logger.Warn(u.spec.Owner, "process", "grace period elapsed, killing agent")
			_ = proc.Signal(syscall.SIGKILL)
		}
	}()
}

// Cleanup stops the unit if needed and removes its workspace.
func (b *Backend) Cleanup(ctx context.Context, handle domain.UnitHandle) error {
	u, err := b.get(handle)
	if err != nil {
		return err
	}
	b.stop(u, domain.ReasonCancelled)
	select {
	case <-u.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	delete(b.units, handle)
	b.mu.Unlock()

	if err := os.RemoveAll(u.dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// Shutdown terminates every unit and waits for them to stop.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	units := make([]*unit, 0, len(b.units))
	for _, u := range b.units {
		units = append(units, u)
	}
	b.mu.Unlock()

	for _, u := range units {
		b.stop(u, domain.ReasonCancelled)
	}
	for _, u := range units {
		select {
		case <-u.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Backend) get(handle domain.UnitHandle) (*unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.units[handle]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", handle, domain.ErrUnitNotFound)
	}
	return u, nil
}
