package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// Ensure MemoryStore implements the store ports.
var (
	_ domain.TaskStore     = (*MemoryStore)(nil)
	_ domain.TemplateStore = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory TaskStore and TemplateStore with the same
// slot, revision and watch semantics as the real stores.
// Fields are ordered to minimize memory padding.
type MemoryStore struct {
	tasks     map[domain.TaskKey]*domain.Task
	units     map[domain.TaskKey]*domain.ExecutionUnitRecord
	slots     map[string]string // slot -> holder task name
	templates map[string]*domain.TaskTemplate
	watchers  []*memWatcher

	// Error injection
	GetErr    error
	ListErr   error
	CreateErr error
	WatchErr  error

	updateStatusErr      error
	updateStatusFailures int

	updateStatusCalls int
	mu                sync.Mutex
	rev               int64
}

type memWatcher struct {
	ch     chan domain.TaskEvent
	filter domain.TaskFilter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[domain.TaskKey]*domain.Task),
		units:     make(map[domain.TaskKey]*domain.ExecutionUnitRecord),
		slots:     make(map[string]string),
		templates: make(map[string]*domain.TaskTemplate),
	}
}

// FailUpdateStatus makes the next n UpdateStatus calls return err.
func (m *MemoryStore) FailUpdateStatus(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateStatusFailures = n
	m.updateStatusErr = err
}

// Put stores a task directly, bypassing admission. Used to seed tests.
func (m *MemoryStore) Put(task *domain.Task) *domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	stored := task.Clone()
	stored.Revision = m.rev
	m.tasks[stored.Key()] = stored
	if stored.IsActive() && stored.Creator != "" {
		m.slots[domain.SlotKey(stored.Scope, stored.Creator)] = stored.Name
	}
	m.notify(domain.EventPut, stored)
	return stored.Clone()
}

// SlotHolder returns the task currently holding a slot.
func (m *MemoryStore) SlotHolder(slot string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.slots[slot]
	return h, ok
}

// CloseWatches closes every open watch stream, simulating a disconnect.
func (m *MemoryStore) CloseWatches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchers {
		close(w.ch)
	}
	m.watchers = nil
}

// WatcherCount returns the number of open watch streams.
func (m *MemoryStore) WatcherCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Create persists a new task, claiming the active slot atomically.
func (m *MemoryStore) Create(_ context.Context, task *domain.Task, cond domain.CreateConditions) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	key := task.Key()
	if _, ok := m.tasks[key]; ok {
		return nil, domain.ErrTaskExists
	}
	if cond.ActiveSlot != "" {
		if holder, ok := m.slots[cond.ActiveSlot]; ok {
			h, exists := m.tasks[domain.TaskKey{Scope: task.Scope, Name: holder}]
			if exists && h.IsActive() {
				return nil, &domain.ConflictError{Slot: cond.ActiveSlot, Holder: holder}
			}
		}
		m.slots[cond.ActiveSlot] = task.Name
	}

	m.rev++
	stored := task.Clone()
	stored.Revision = m.rev
	m.tasks[key] = stored
	m.notify(domain.EventPut, stored)
	return stored.Clone(), nil
}

// Get retrieves a task.
func (m *MemoryStore) Get(_ context.Context, key domain.TaskKey) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetErr != nil {
		return nil, m.GetErr
	}
	t, ok := m.tasks[key]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List returns matching tasks sorted by creation time.
func (m *MemoryStore) List(_ context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*domain.Task
	for _, t := range m.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Name < out[j].Name
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// UpdateStatusCalls returns how many status writes were attempted, including
// ones against missing tasks.
func (m *MemoryStore) UpdateStatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateStatusCalls
}

// UpdateStatus applies mutate to the task's status.
func (m *MemoryStore) UpdateStatus(_ context.Context, key domain.TaskKey, mutate func(*domain.TaskStatus) error) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateStatusCalls++
	if m.updateStatusFailures > 0 {
		m.updateStatusFailures--
		return nil, m.updateStatusErr
	}
	cur, ok := m.tasks[key]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	next, err := domain.ApplyStatus(cur, mutate)
	if err != nil {
		return nil, err
	}
	if domain.ReleasesSlot(cur.Status.Phase, next.Status.Phase) {
		m.releaseSlot(next)
	}
	m.rev++
	next.Revision = m.rev
	m.tasks[key] = next
	m.notify(domain.EventPut, next)
	return next.Clone(), nil
}

// UpdateSpec applies mutate to client-owned fields.
func (m *MemoryStore) UpdateSpec(_ context.Context, key domain.TaskKey, mutate func(*domain.Task) error) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[key]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	next, err := domain.ApplySpec(cur, mutate)
	if err != nil {
		return nil, err
	}
	m.rev++
	next.Revision = m.rev
	m.tasks[key] = next
	m.notify(domain.EventPut, next)
	return next.Clone(), nil
}

// Watch streams changes matching the filter.
func (m *MemoryStore) Watch(ctx context.Context, filter domain.TaskFilter) (<-chan domain.TaskEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WatchErr != nil {
		return nil, m.WatchErr
	}
	w := &memWatcher{ch: make(chan domain.TaskEvent, 256), filter: filter}
	m.watchers = append(m.watchers, w)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if i := slices.Index(m.watchers, w); i >= 0 {
			m.watchers = slices.Delete(m.watchers, i, i+1)
			close(w.ch)
		}
	}()
	return w.ch, nil
}

// Delete removes a task and its unit record.
func (m *MemoryStore) Delete(_ context.Context, key domain.TaskKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[key]
	if !ok {
		return domain.ErrTaskNotFound
	}
	m.releaseSlot(cur)
	delete(m.tasks, key)
	delete(m.units, key)
	m.rev++
	m.notify(domain.EventDeleted, cur)
	return nil
}

// SaveUnit records a task's execution unit.
func (m *MemoryStore) SaveUnit(_ context.Context, rec domain.ExecutionUnitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[rec.Owner]; !ok {
		return domain.ErrTaskNotFound
	}
	r := rec
	m.units[rec.Owner] = &r
	return nil
}

// GetUnit retrieves a task's execution unit record.
func (m *MemoryStore) GetUnit(_ context.Context, key domain.TaskKey) (*domain.ExecutionUnitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.units[key]
	if !ok {
		return nil, domain.ErrUnitNotFound
	}
	c := *r
	return &c, nil
}

// CreateTemplate stores a template.
func (m *MemoryStore) CreateTemplate(_ context.Context, tpl *domain.TaskTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := templateKey(tpl.Scope, tpl.Name)
	if _, ok := m.templates[k]; ok {
		return domain.ErrTemplateExists
	}
	m.rev++
	stored := tpl.Clone()
	stored.Revision = m.rev
	m.templates[k] = stored
	return nil
}

// GetTemplate retrieves a template.
func (m *MemoryStore) GetTemplate(_ context.Context, scope, name string) (*domain.TaskTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[templateKey(scope, name)]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return tpl.Clone(), nil
}

// ListTemplates returns a scope's templates sorted by name.
// An empty scope lists every scope.
func (m *MemoryStore) ListTemplates(_ context.Context, scope string) ([]*domain.TaskTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.TaskTemplate
	for _, tpl := range m.templates {
		if scope == "" || tpl.Scope == scope {
			out = append(out, tpl.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// RecordTemplateUse bumps usage statistics.
func (m *MemoryStore) RecordTemplateUse(_ context.Context, scope, name string, at time.Time) (*domain.TaskTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[templateKey(scope, name)]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	m.rev++
	tpl.UsageCount++
	tpl.LastUsedAt = at
	tpl.Revision = m.rev
	return tpl.Clone(), nil
}

// DeleteTemplate removes a template.
func (m *MemoryStore) DeleteTemplate(_ context.Context, scope, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := templateKey(scope, name)
	if _, ok := m.templates[k]; !ok {
		return domain.ErrTemplateNotFound
	}
	delete(m.templates, k)
	return nil
}

// releaseSlot frees the creator's slot if t holds it. Caller holds mu.
func (m *MemoryStore) releaseSlot(t *domain.Task) {
	slot := domain.SlotKey(t.Scope, t.Creator)
	if m.slots[slot] == t.Name {
		delete(m.slots, slot)
	}
}

// notify fans an event out to watchers. A watcher whose buffer is full is
// dropped, the same way a real stream fails under a slow consumer.
// Caller holds mu.
func (m *MemoryStore) notify(typ domain.EventType, t *domain.Task) {
	ev := domain.TaskEvent{Type: typ, Key: t.Key(), Task: t.Clone(), Revision: m.rev}
	kept := m.watchers[:0]
	for _, w := range m.watchers {
		if typ == domain.EventPut && !w.filter.Matches(t) {
			kept = append(kept, w)
			continue
		}
		select {
		case w.ch <- ev:
			kept = append(kept, w)
		default:
			close(w.ch)
		}
	}
	m.watchers = kept
}

func templateKey(scope, name string) string {
	return scope + "/" + name
}

// ErrInjected is a generic transient error for tests.
var ErrInjected = errors.New("injected failure")

// TaskKeys returns the sorted keys of tasks, for assertions.
func TaskKeys(tasks []*domain.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Key().String())
	}
	sort.Strings(out)
	return out
}

// Describe renders a short task summary for assertion messages.
func Describe(t *domain.Task) string {
	if t == nil {
		return "<nil>"
	}
	return strings.TrimSpace(fmt.Sprintf("%s phase=%s progress=%d err=%q", t.Key(), t.Status.Phase, t.Status.ProgressPercent, t.Status.ErrorDetail))
}
