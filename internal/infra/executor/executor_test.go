package executor

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Execute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping test on Windows")
	}

	client := NewClient()
	ctx := context.Background()

	t.Run("executes simple echo command", func(t *testing.T) {
		output, err := client.Execute(ctx, domain.NewShellCommand("echo hello", ""))
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(output))
	})

	t.Run("executes command in specified directory", func(t *testing.T) {
		dir := t.TempDir()
		output, err := client.Execute(ctx, domain.NewShellCommand("pwd", dir))
		require.NoError(t, err)
		assert.Contains(t, strings.TrimSpace(string(output)), dir)
	})

	t.Run("passes extra environment", func(t *testing.T) {
		cmd := domain.NewShellCommand(`printf %s "$CREWD_TEST_VALUE"`, "").WithEnv("CREWD_TEST_VALUE=42")
		output, err := client.Execute(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, "42", string(output))
	})

	t.Run("returns error for non-existent command", func(t *testing.T) {
		_, err := client.Execute(ctx, domain.NewCommand("nonexistent-command-xyz", nil, ""))
		require.Error(t, err)
	})

	t.Run("returns output of failing command", func(t *testing.T) {
		output, err := client.Execute(ctx, domain.NewShellCommand("echo broken; exit 1", ""))
		require.Error(t, err)
		assert.Equal(t, "broken\n", string(output))
	})

	t.Run("captures stderr in output", func(t *testing.T) {
		output, err := client.Execute(ctx, domain.NewShellCommand("echo error >&2", ""))
		require.NoError(t, err)
		assert.Equal(t, "error\n", string(output))
	})

	t.Run("kills the command when the context ends", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := client.Execute(tctx, domain.NewShellCommand("sleep 10 & wait", ""))
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestClient_ExecuteWithContext(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := NewClient().ExecuteWithContext(context.Background(), domain.NewShellCommand("echo out; echo err >&2", ""), &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestClient_Start(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping test on Windows")
	}

	client := NewClient()

	t.Run("captures output and exit code", func(t *testing.T) {
		var out bytes.Buffer
		p, err := client.Start(context.Background(), domain.NewShellCommand("echo out; echo err >&2; exit 3", ""), &out)
		require.NoError(t, err)
		assert.Positive(t, p.Pid())

		err = p.Wait()
		assert.Error(t, err)
		assert.Equal(t, 3, p.ExitCode())
		assert.Contains(t, out.String(), "out")
		assert.Contains(t, out.String(), "err")
	})

	t.Run("signal reaches the process group", func(t *testing.T) {
		var out bytes.Buffer
		p, err := client.Start(context.Background(), domain.NewShellCommand("sleep 30 & wait", ""), &out)
		require.NoError(t, err)
		assert.Equal(t, -1, p.ExitCode())

		require.NoError(t, p.Signal(syscall.SIGTERM))

		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("process did not exit after SIGTERM")
		}
		assert.Error(t, p.Wait())

		// Signalling an exited group is not an error
		assert.NoError(t, p.Signal(syscall.SIGKILL))
	})

	t.Run("missing program fails to start", func(t *testing.T) {
		_, err := client.Start(context.Background(), domain.NewCommand("crewd-no-such-program", nil, ""), &bytes.Buffer{})
		assert.Error(t, err)
	})
}
