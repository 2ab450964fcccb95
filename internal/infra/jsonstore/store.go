// Package jsonstore provides a JSON file-based implementation of the task
// and template stores for single-node deployments.
package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// DefaultWatchInterval is how often a watch re-reads the file.
const DefaultWatchInterval = 500 * time.Millisecond

// storeData represents the JSON file structure.
// Fields are ordered to minimize memory padding.
type storeData struct {
	Tasks     map[string]*taskRecord                 `json:"tasks"`     // "<scope>/<name>"
	Units     map[string]*domain.ExecutionUnitRecord `json:"units"`     // "<scope>/<name>"
	Slots     map[string]string                      `json:"slots"`     // "<scope>/<creator>" -> task name
	Templates map[string]*templateRecord             `json:"templates"` // "<scope>/<name>"
	Meta      meta                                   `json:"meta"`
}

// meta contains store metadata.
type meta struct {
	Revision int64 `json:"revision"`
}

// taskRecord stores a task with its revision, which Task does not serialize.
type taskRecord struct {
	Task     *domain.Task `json:"task"`
	Revision int64        `json:"revision"`
}

type templateRecord struct {
	Template *domain.TaskTemplate `json:"template"`
	Revision int64                `json:"revision"`
}

func (r *taskRecord) task() *domain.Task {
	t := r.Task.Clone()
	t.Revision = r.Revision
	return t
}

func (r *templateRecord) template() *domain.TaskTemplate {
	t := r.Template.Clone()
	t.Revision = r.Revision
	return t
}

// Store implements domain.TaskStore and domain.TemplateStore using a JSON
// file. Every mutation runs under an exclusive flock, which makes
// conditional writes atomic across processes sharing the file.
type Store struct {
	path          string
	lockPath      string
	watchInterval time.Duration
}

// Ensure Store implements the store ports.
var (
	_ domain.TaskStore     = (*Store)(nil)
	_ domain.TemplateStore = (*Store)(nil)
)

// New creates a new Store for the given file path.
// The file does not need to exist; it will be created on first write.
func New(path string) *Store {
	return &Store{
		path:          path,
		lockPath:      path + ".lock",
		watchInterval: DefaultWatchInterval,
	}
}

// WithWatchInterval sets the polling interval of Watch.
func (s *Store) WithWatchInterval(d time.Duration) *Store {
	if d > 0 {
		s.watchInterval = d
	}
	return s
}

func recordKey(scope, name string) string {
	return scope + "/" + name
}

// Create persists a new task, claiming the active slot atomically.
func (s *Store) Create(_ context.Context, task *domain.Task, cond domain.CreateConditions) (*domain.Task, error) {
	var created *domain.Task
	err := s.withLockWrite(func(data *storeData) error {
		key := recordKey(task.Scope, task.Name)
		if _, ok := data.Tasks[key]; ok {
			return domain.ErrTaskExists
		}
		if cond.ActiveSlot != "" {
			if holder, ok := data.Slots[cond.ActiveSlot]; ok {
				if rec, exists := data.Tasks[recordKey(task.Scope, holder)]; exists && rec.Task.IsActive() {
					return &domain.ConflictError{Slot: cond.ActiveSlot, Holder: holder}
				}
			}
			data.Slots[cond.ActiveSlot] = task.Name
		}

		data.Meta.Revision++
		rec := &taskRecord{Task: task.Clone(), Revision: data.Meta.Revision}
		data.Tasks[key] = rec
		created = rec.task()
		return nil
	})
	return created, err
}

// Get retrieves a task.
func (s *Store) Get(_ context.Context, key domain.TaskKey) (*domain.Task, error) {
	var task *domain.Task
	err := s.withLock(func(data *storeData) error {
		rec, ok := data.Tasks[recordKey(key.Scope, key.Name)]
		if !ok {
			return domain.ErrTaskNotFound
		}
		task = rec.task()
		return nil
	})
	return task, err
}

// List retrieves tasks matching the filter, sorted by creation time.
func (s *Store) List(_ context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := s.withLock(func(data *storeData) error {
		for _, rec := range data.Tasks {
			if filter.Matches(rec.Task) {
				tasks = append(tasks, rec.task())
			}
		}
		return nil
	})

	slices.SortFunc(tasks, func(a, b *domain.Task) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.Key().String(), b.Key().String())
	})
	return tasks, err
}

// UpdateStatus applies mutate to the task's status.
func (s *Store) UpdateStatus(_ context.Context, key domain.TaskKey, mutate func(*domain.TaskStatus) error) (*domain.Task, error) {
	var updated *domain.Task
	err := s.withLockWrite(func(data *storeData) error {
		rec, ok := data.Tasks[recordKey(key.Scope, key.Name)]
		if !ok {
			return domain.ErrTaskNotFound
		}
		next, err := domain.ApplyStatus(rec.Task, mutate)
		if err != nil {
			return err
		}
		if domain.ReleasesSlot(rec.Task.Status.Phase, next.Status.Phase) {
			releaseSlot(data, next)
		}
		data.Meta.Revision++
		rec.Task = next
		rec.Revision = data.Meta.Revision
		updated = rec.task()
		return nil
	})
	return updated, err
}

// UpdateSpec applies mutate to client-owned fields.
func (s *Store) UpdateSpec(_ context.Context, key domain.TaskKey, mutate func(*domain.Task) error) (*domain.Task, error) {
	var updated *domain.Task
	err := s.withLockWrite(func(data *storeData) error {
		rec, ok := data.Tasks[recordKey(key.Scope, key.Name)]
		if !ok {
			return domain.ErrTaskNotFound
		}
		next, err := domain.ApplySpec(rec.Task, mutate)
		if err != nil {
			return err
		}
		data.Meta.Revision++
		rec.Task = next
		rec.Revision = data.Meta.Revision
		updated = rec.task()
		return nil
	})
	return updated, err
}

// Delete removes a task with its unit record and slot.
func (s *Store) Delete(_ context.Context, key domain.TaskKey) error {
	return s.withLockWrite(func(data *storeData) error {
		k := recordKey(key.Scope, key.Name)
		rec, ok := data.Tasks[k]
		if !ok {
			return domain.ErrTaskNotFound
		}
		releaseSlot(data, rec.Task)
		delete(data.Tasks, k)
		delete(data.Units, k)
		data.Meta.Revision++
		return nil
	})
}

// SaveUnit records a task's execution unit.
func (s *Store) SaveUnit(_ context.Context, rec domain.ExecutionUnitRecord) error {
	return s.withLockWrite(func(data *storeData) error {
		k := recordKey(rec.Owner.Scope, rec.Owner.Name)
		if _, ok := data.Tasks[k]; !ok {
			return domain.ErrTaskNotFound
		}
		r := rec
		data.Units[k] = &r
		return nil
	})
}

// GetUnit retrieves a task's execution unit record.
func (s *Store) GetUnit(_ context.Context, key domain.TaskKey) (*domain.ExecutionUnitRecord, error) {
	var unit *domain.ExecutionUnitRecord
	err := s.withLock(func(data *storeData) error {
		r, ok := data.Units[recordKey(key.Scope, key.Name)]
		if !ok {
			return domain.ErrUnitNotFound
		}
		c := *r
		unit = &c
		return nil
	})
	return unit, err
}

// Watch polls the file and streams changes to matching tasks.
// Changes are detected by revision; intermediate revisions between two
// polls are coalesced. The channel is closed when the file cannot be
// read or ctx is done.
func (s *Store) Watch(ctx context.Context, filter domain.TaskFilter) (<-chan domain.TaskEvent, error) {
	seen, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.TaskEvent)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := s.snapshot()
			if err != nil {
				return
			}
			for _, ev := range diff(seen, current, filter) {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			seen = current
		}
	}()
	return ch, nil
}

func (s *Store) snapshot() (map[string]*taskRecord, error) {
	var tasks map[string]*taskRecord
	err := s.withLock(func(data *storeData) error {
		tasks = data.Tasks
		return nil
	})
	return tasks, err
}

// diff returns the events that turn prev into next, oldest revision first.
func diff(prev, next map[string]*taskRecord, filter domain.TaskFilter) []domain.TaskEvent {
	var events []domain.TaskEvent
	for k, rec := range next {
		if old, ok := prev[k]; ok && old.Revision == rec.Revision {
			continue
		}
		if !filter.Matches(rec.Task) {
			continue
		}
		t := rec.task()
		events = append(events, domain.TaskEvent{Type: domain.EventPut, Key: t.Key(), Task: t, Revision: rec.Revision})
	}
	for k, rec := range prev {
		if _, ok := next[k]; ok {
			continue
		}
		if filter.Scope != "" && rec.Task.Scope != filter.Scope {
			continue
		}
		t := rec.task()
		events = append(events, domain.TaskEvent{Type: domain.EventDeleted, Key: t.Key(), Task: t, Revision: rec.Revision})
	}
	slices.SortFunc(events, func(a, b domain.TaskEvent) int {
		switch {
		case a.Revision < b.Revision:
			return -1
		case a.Revision > b.Revision:
			return 1
		}
		return 0
	})
	return events
}

// CreateTemplate stores a template.
func (s *Store) CreateTemplate(_ context.Context, tpl *domain.TaskTemplate) error {
	return s.withLockWrite(func(data *storeData) error {
		k := recordKey(tpl.Scope, tpl.Name)
		if _, ok := data.Templates[k]; ok {
			return domain.ErrTemplateExists
		}
		data.Meta.Revision++
		data.Templates[k] = &templateRecord{Template: tpl.Clone(), Revision: data.Meta.Revision}
		return nil
	})
}

// GetTemplate retrieves a template.
func (s *Store) GetTemplate(_ context.Context, scope, name string) (*domain.TaskTemplate, error) {
	var tpl *domain.TaskTemplate
	err := s.withLock(func(data *storeData) error {
		rec, ok := data.Templates[recordKey(scope, name)]
		if !ok {
			return domain.ErrTemplateNotFound
		}
		tpl = rec.template()
		return nil
	})
	return tpl, err
}

// ListTemplates returns a scope's templates sorted by name.
// An empty scope lists every scope.
func (s *Store) ListTemplates(_ context.Context, scope string) ([]*domain.TaskTemplate, error) {
	var tpls []*domain.TaskTemplate
	err := s.withLock(func(data *storeData) error {
		for _, rec := range data.Templates {
			if scope == "" || rec.Template.Scope == scope {
				tpls = append(tpls, rec.template())
			}
		}
		return nil
	})
	slices.SortFunc(tpls, func(a, b *domain.TaskTemplate) int {
		if c := strings.Compare(a.Scope, b.Scope); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return tpls, err
}

// RecordTemplateUse bumps usage statistics.
func (s *Store) RecordTemplateUse(_ context.Context, scope, name string, at time.Time) (*domain.TaskTemplate, error) {
	var tpl *domain.TaskTemplate
	err := s.withLockWrite(func(data *storeData) error {
		rec, ok := data.Templates[recordKey(scope, name)]
		if !ok {
			return domain.ErrTemplateNotFound
		}
		data.Meta.Revision++
		rec.Template.UsageCount++
		rec.Template.LastUsedAt = at
		rec.Revision = data.Meta.Revision
		tpl = rec.template()
		return nil
	})
	return tpl, err
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(_ context.Context, scope, name string) error {
	return s.withLockWrite(func(data *storeData) error {
		k := recordKey(scope, name)
		if _, ok := data.Templates[k]; !ok {
			return domain.ErrTemplateNotFound
		}
		delete(data.Templates, k)
		data.Meta.Revision++
		return nil
	})
}

func releaseSlot(data *storeData, t *domain.Task) {
	slot := domain.SlotKey(t.Scope, t.Creator)
	if data.Slots[slot] == t.Name {
		delete(data.Slots, slot)
	}
}

// withLock executes fn with a shared (read) lock.
func (s *Store) withLock(fn func(*storeData) error) error {
	lock, err := s.acquireLock(syscall.LOCK_SH)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	data, err := s.read()
	if err != nil {
		return err
	}

	return fn(data)
}

// withLockWrite executes fn with an exclusive (write) lock and writes the result.
func (s *Store) withLockWrite(fn func(*storeData) error) error {
	lock, err := s.acquireLock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer s.releaseLock(lock)

	data, err := s.read()
	if err != nil {
		return err
	}

	if err := fn(data); err != nil {
		return err
	}

	return s.write(data)
}

func (s *Store) acquireLock(lockType int) (*os.File, error) {
	// Ensure lock file directory exists
	dir := filepath.Dir(s.lockPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(lock.Fd()), lockType); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	return lock, nil
}

func (s *Store) releaseLock(lock *os.File) {
	_ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
	_ = lock.Close()
}

// read loads the file. A missing file reads as an empty store.
func (s *Store) read() (*storeData, error) {
	var data storeData
	content, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read store file: %w", err)
	default:
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, fmt.Errorf("parse store file: %w", err)
		}
	}

	// Ensure maps are initialized
	if data.Tasks == nil {
		data.Tasks = make(map[string]*taskRecord)
	}
	if data.Units == nil {
		data.Units = make(map[string]*domain.ExecutionUnitRecord)
	}
	if data.Slots == nil {
		data.Slots = make(map[string]string)
	}
	if data.Templates == nil {
		data.Templates = make(map[string]*templateRecord)
	}
	for k, rec := range data.Tasks {
		if rec.Task == nil || !rec.Task.Status.Phase.IsValid() {
			return nil, fmt.Errorf("parse store file: task %s: %w", k, domain.ErrInvalidPhase)
		}
	}

	return &data, nil
}

func (s *Store) write(data *storeData) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store data: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath) // Clean up
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
