package usecase

import (
	"context"
	"testing"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelTask_Execute(t *testing.T) {
	// Setup
	f := newAdmitFixture(nil)
	out, err := f.uc.Execute(context.Background(), validInput("task-a"))
	require.NoError(t, err)
	uc := NewCancelTask(f.store, domain.NopLogger{})

	// Execute
	res, err := uc.Execute(context.Background(), CancelTaskInput{Scope: "proj", Name: "task-a"})

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Task.CancelRequested)
	assert.Equal(t, domain.PhasePending, res.Task.Status.Phase, "cancel never writes status")
	assert.Greater(t, res.Task.Revision, out.Task.Revision)

	// Cancelling twice is harmless
	_, err = uc.Execute(context.Background(), CancelTaskInput{Scope: "proj", Name: "task-a"})
	assert.NoError(t, err)
}

func TestCancelTask_Execute_Terminal(t *testing.T) {
	f := newAdmitFixture(nil)
	seedFinished(t, f, "task-a", domain.PhaseCompleted)
	uc := NewCancelTask(f.store, domain.NopLogger{})

	_, err := uc.Execute(context.Background(), CancelTaskInput{Scope: "proj", Name: "task-a"})

	assert.ErrorIs(t, err, domain.ErrTaskTerminal)
	task, _ := f.store.Get(context.Background(), domain.TaskKey{Scope: "proj", Name: "task-a"})
	assert.False(t, task.CancelRequested)
}

func TestCancelTask_Execute_NotFound(t *testing.T) {
	f := newAdmitFixture(nil)
	uc := NewCancelTask(f.store, domain.NopLogger{})

	_, err := uc.Execute(context.Background(), CancelTaskInput{Scope: "proj", Name: "missing"})

	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
