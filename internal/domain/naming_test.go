package domain

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	valid := []string{"a", "proj-1", "alice.smith", "task_01", "x9"}
	for _, s := range valid {
		assert.NoError(t, ValidateName(s), s)
	}
	invalid := []string{"", "-lead", "trail-", "Upper", "has space", "a/b", string(make([]byte, 64))}
	for _, s := range invalid {
		assert.ErrorIs(t, ValidateName(s), ErrInvalidRequest, s)
	}
}

func TestNaming(t *testing.T) {
	key := TaskKey{Scope: "proj", Name: "task-1"}

	assert.Equal(t, "proj/alice", SlotKey("proj", "alice"))
	assert.Equal(t, "crewd/proj/task-1", BranchName("crewd/", key))
	assert.Equal(t, "crewd-proj-task-1", UnitName(key))
	assert.Equal(t, filepath.Join("/w", "units", "proj", "task-1"), WorkspacePath("/w", key))
	assert.Equal(t, filepath.Join("/logs", "task-proj-task-1.log"), TaskLogPath("/logs", key))
	assert.Equal(t, "task-1b4e28ba", TaskNameFromID("1B4E28BA-2FA1-11D2-883F-0016D3CCA427"))
	assert.NoError(t, ValidateName(TaskNameFromID("1b4e28ba-2fa1-11d2-883f-0016d3cca427")))
}
