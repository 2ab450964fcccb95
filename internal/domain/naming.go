package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// namePattern matches scope, creator, task and template names.
// Names must be usable as store key segments and in branch names.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]{0,61}[a-z0-9])?$`)

// ValidateName checks that s is a valid identifier.
func ValidateName(s string) error {
	if !namePattern.MatchString(s) {
		return InvalidRequestf("invalid name %q: must be 1-63 lowercase alphanumerics, '.', '_' or '-'", s)
	}
	return nil
}

// SlotKey returns the admission slot identifier for a creator within a scope.
// Format: <scope>/<creator>
func SlotKey(scope, creator string) string {
	return scope + "/" + creator
}

// TaskNameFromID builds a task name from a generated identifier.
// Format: task-<first 8 chars of id>
func TaskNameFromID(id string) string {
	id = strings.ReplaceAll(strings.ToLower(id), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "task-" + id
}

// BranchName returns the work branch for a task.
// Format: <prefix><scope>/<name>
func BranchName(prefix string, key TaskKey) string {
	return fmt.Sprintf("%s%s/%s", prefix, key.Scope, key.Name)
}

// UnitName returns the execution unit name for a task.
// Format: crewd-<scope>-<name>
func UnitName(key TaskKey) string {
	return fmt.Sprintf("crewd-%s-%s", key.Scope, key.Name)
}

// WorkspacePath returns the directory an execution unit works in.
func WorkspacePath(workDir string, key TaskKey) string {
	return filepath.Join(workDir, "units", key.Scope, key.Name)
}

// TaskLogPath returns the path to a task's log file.
func TaskLogPath(logDir string, key TaskKey) string {
	return filepath.Join(logDir, fmt.Sprintf("task-%s-%s.log", key.Scope, key.Name))
}

// GlobalLogPath returns the path to the engine log file.
func GlobalLogPath(logDir string) string {
	return filepath.Join(logDir, "crewd.log")
}

// TasksStorePath returns the path to the file store.
func TasksStorePath(dataDir string) string {
	return filepath.Join(dataDir, "tasks.json")
}
