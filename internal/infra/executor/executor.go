// Package executor provides command execution functionality.
package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// waitDelay bounds how long Execute waits for output pipes after the
// process was killed by its context.
const waitDelay = 5 * time.Second

// Client implements domain.CommandExecutor interface.
type Client struct{}

// NewClient creates a new command executor client.
func NewClient() *Client {
	return &Client{}
}

// Ensure Client implements domain.CommandExecutor interface.
var _ domain.CommandExecutor = (*Client)(nil)

// Execute runs the command and returns its combined output.
// The whole process group is killed when ctx is done.
func (c *Client) Execute(ctx context.Context, cmd *domain.ExecCommand) ([]byte, error) {
	execCmd := command(ctx, cmd)
	return execCmd.CombinedOutput()
}

// ExecuteWithContext runs a command with context and custom stdout/stderr writers.
func (c *Client) ExecuteWithContext(ctx context.Context, cmd *domain.ExecCommand, stdout, stderr io.Writer) error {
	execCmd := command(ctx, cmd)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	return execCmd.Run()
}

func command(ctx context.Context, cmd *domain.ExecCommand) *exec.Cmd {
	// #nosec G204 - cmd.Program and cmd.Args come from engine configuration
	execCmd := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	if cmd.Dir != "" {
		execCmd.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Env...)
	}
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	execCmd.Cancel = func() error {
		return syscall.Kill(-execCmd.Process.Pid, syscall.SIGKILL)
	}
	execCmd.WaitDelay = waitDelay
	return execCmd
}

// Process is a started command running in its own process group.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Start starts the command with stdout and stderr both written to out.
// The process group is killed when ctx is done.
func (c *Client) Start(ctx context.Context, cmd *domain.ExecCommand, out io.Writer) (*Process, error) {
	execCmd := command(ctx, cmd)
	execCmd.Stdout = out
	execCmd.Stderr = out
	if err := execCmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{cmd: execCmd, done: make(chan struct{})}
	go func() {
		p.err = execCmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the process id, which is also the process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Signal sends sig to the whole process group.
func (p *Process) Signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait waits for the process to exit and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// ExitCode returns the exit code once the process has exited, or -1.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}
