package tui

import (
	"testing"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestProgressBar(t *testing.T) {
	tests := []struct {
		name      string
		pct       int
		wantFull  int
		wantEmpty int
	}{
		{"zero", 0, 0, 10},
		{"half", 50, 5, 5},
		{"rounds down", 59, 5, 5},
		{"full", 100, 10, 0},
		{"clamped above", 130, 10, 0},
		{"clamped below", -5, 0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full, empty := ProgressBar(tt.pct, 10)
			assert.Equal(t, tt.wantFull, len([]rune(full)))
			assert.Equal(t, tt.wantEmpty, len([]rune(empty)))
		})
	}
}

func TestTaskSummary(t *testing.T) {
	tests := []struct {
		name string
		task domain.Task
		want string
	}{
		{
			name: "pull request wins",
			task: domain.Task{Instructions: "x", Status: domain.TaskStatus{
				Phase: domain.PhaseCompleted, ExternalArtifactURL: "https://github.com/o/r/pull/1",
			}},
			want: "https://github.com/o/r/pull/1",
		},
		{
			name: "error detail",
			task: domain.Task{Instructions: "x", Status: domain.TaskStatus{
				Phase: domain.PhaseFailed, ErrorDetail: "agent exited with code 2",
			}},
			want: "agent exited with code 2",
		},
		{
			name: "cancelling",
			task: domain.Task{Instructions: "x", CancelRequested: true, Status: domain.TaskStatus{
				Phase: domain.PhaseRunning, CurrentPhaseLabel: "Running agent",
			}},
			want: "cancelling",
		},
		{
			name: "phase label",
			task: domain.Task{Instructions: "x", Status: domain.TaskStatus{
				Phase: domain.PhaseRunning, CurrentPhaseLabel: "Running agent",
			}},
			want: "Running agent",
		},
		{
			name: "instructions fallback",
			task: domain.Task{Instructions: "Fix the flaky test", Status: domain.TaskStatus{Phase: domain.PhasePending}},
			want: "Fix the flaky test",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskSummary(&tt.task))
		})
	}
}

func TestEscapeNewlines(t *testing.T) {
	assert.Equal(t, "a b c d", escapeNewlines("a\nb\r\nc\rd"))
}

func TestPhaseFilter_Next(t *testing.T) {
	assert.Equal(t, FilterActive, FilterAll.Next())
	assert.Equal(t, FilterTerminal, FilterActive.Next())
	assert.Equal(t, FilterAll, FilterTerminal.Next())
	assert.Equal(t, "finished", FilterTerminal.String())
}
