// Package etcdstore implements the task and template stores on etcd.
//
// Key layout under the configured prefix:
//
//	<prefix>/tasks/<scope>/<name>      JSON task, revision = mod revision
//	<prefix>/units/<scope>/<name>      JSON execution unit record
//	<prefix>/slots/<scope>/<creator>   name of the task holding the slot
//	<prefix>/templates/<scope>/<name>  JSON template
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// maxAttempts bounds compare-and-swap retries under contention.
const maxAttempts = 16

// Store implements domain.TaskStore and domain.TemplateStore on etcd.
// Conditional writes are etcd transactions comparing mod revisions.
type Store struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	closer  func() error
	prefix  string
}

// Ensure Store implements the store ports.
var (
	_ domain.TaskStore     = (*Store)(nil)
	_ domain.TemplateStore = (*Store)(nil)
)

// New creates a Store on an existing client.
func New(client *clientv3.Client, prefix string) *Store {
	return &Store{
		kv:      client,
		watcher: client,
		closer:  client.Close,
		prefix:  strings.TrimSuffix(prefix, "/"),
	}
}

// Dial connects to the etcd cluster and returns a Store.
func Dial(endpoints []string, prefix string, dialTimeout time.Duration) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return New(client, prefix), nil
}

// Close closes the etcd client.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *Store) taskKey(scope, name string) string {
	return s.prefix + "/tasks/" + scope + "/" + name
}

func (s *Store) unitKey(scope, name string) string {
	return s.prefix + "/units/" + scope + "/" + name
}

func (s *Store) slotKey(slot string) string {
	return s.prefix + "/slots/" + slot
}

func (s *Store) templateKey(scope, name string) string {
	return s.prefix + "/templates/" + scope + "/" + name
}

// tasksPrefix returns the range of a scope's tasks, or all tasks when
// scope is empty.
func (s *Store) tasksPrefix(scope string) string {
	if scope == "" {
		return s.prefix + "/tasks/"
	}
	return s.prefix + "/tasks/" + scope + "/"
}

// parseTaskKey recovers a task identity from its etcd key.
func (s *Store) parseTaskKey(key string) (domain.TaskKey, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+"/tasks/")
	if !ok {
		return domain.TaskKey{}, false
	}
	scope, name, ok := strings.Cut(rest, "/")
	if !ok {
		return domain.TaskKey{}, false
	}
	return domain.TaskKey{Scope: scope, Name: name}, true
}

func encodeTask(t *domain.Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	return string(b), nil
}

func decodeTask(value []byte, revision int64) (*domain.Task, error) {
	var t domain.Task
	if err := json.Unmarshal(value, &t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if !t.Status.Phase.IsValid() {
		return nil, fmt.Errorf("parse task %s: %w", t.Key(), domain.ErrInvalidPhase)
	}
	t.Revision = revision
	return &t, nil
}

func decodeTemplate(value []byte, revision int64) (*domain.TaskTemplate, error) {
	var tpl domain.TaskTemplate
	if err := json.Unmarshal(value, &tpl); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	tpl.Revision = revision
	return &tpl, nil
}

// releaseSlotOp deletes the creator's slot if t still holds it.
func (s *Store) releaseSlotOp(t *domain.Task) clientv3.Op {
	slot := s.slotKey(domain.SlotKey(t.Scope, t.Creator))
	return clientv3.OpTxn(
		[]clientv3.Cmp{clientv3.Compare(clientv3.Value(slot), "=", t.Name)},
		[]clientv3.Op{clientv3.OpDelete(slot)},
		nil,
	)
}

// Create persists a new task, claiming the active slot atomically.
// A slot whose holder is terminal or gone is taken over.
func (s *Store) Create(ctx context.Context, task *domain.Task, cond domain.CreateConditions) (*domain.Task, error) {
	key := s.taskKey(task.Scope, task.Name)
	value, err := encodeTask(task)
	if err != nil {
		return nil, err
	}

	for range maxAttempts {
		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)}
		ops := []clientv3.Op{clientv3.OpPut(key, value)}

		if cond.ActiveSlot != "" {
			slotCmps, err := s.slotConditions(ctx, task.Scope, cond.ActiveSlot)
			if err != nil {
				return nil, err
			}
			cmps = append(cmps, slotCmps...)
			ops = append(ops, clientv3.OpPut(s.slotKey(cond.ActiveSlot), task.Name))
		}

		resp, err := s.kv.Txn(ctx).
			If(cmps...).
			Then(ops...).
			Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
			Commit()
		if err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		if resp.Succeeded {
			created := task.Clone()
			created.Revision = resp.Header.Revision
			return created, nil
		}
		if resp.Responses[0].GetResponseRange().Count > 0 {
			return nil, domain.ErrTaskExists
		}
		// The slot or its holder changed between the read and the commit.
	}
	return nil, fmt.Errorf("create task: %w", domain.ErrRevisionConflict)
}

// slotConditions reads the current slot holder and returns the comparisons
// that keep the read valid at commit time. An active holder is a conflict.
func (s *Store) slotConditions(ctx context.Context, scope, slot string) ([]clientv3.Cmp, error) {
	slotKey := s.slotKey(slot)
	resp, err := s.kv.Get(ctx, slotKey)
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(slotKey), "=", 0)}, nil
	}

	slotKV := resp.Kvs[0]
	holder := string(slotKV.Value)
	holderKey := s.taskKey(scope, holder)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(slotKey), "=", slotKV.ModRevision)}

	hresp, err := s.kv.Get(ctx, holderKey)
	if err != nil {
		return nil, fmt.Errorf("read slot holder: %w", err)
	}
	if len(hresp.Kvs) == 0 {
		return append(cmps, clientv3.Compare(clientv3.CreateRevision(holderKey), "=", 0)), nil
	}
	holderTask, err := decodeTask(hresp.Kvs[0].Value, hresp.Kvs[0].ModRevision)
	if err != nil {
		return nil, err
	}
	if holderTask.IsActive() {
		return nil, &domain.ConflictError{Slot: slot, Holder: holder}
	}
	return append(cmps, clientv3.Compare(clientv3.ModRevision(holderKey), "=", hresp.Kvs[0].ModRevision)), nil
}

// Get retrieves a task.
func (s *Store) Get(ctx context.Context, key domain.TaskKey) (*domain.Task, error) {
	resp, err := s.kv.Get(ctx, s.taskKey(key.Scope, key.Name))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrTaskNotFound
	}
	return decodeTask(resp.Kvs[0].Value, resp.Kvs[0].ModRevision)
}

// List retrieves tasks matching the filter, sorted by creation time.
func (s *Store) List(ctx context.Context, filter domain.TaskFilter) ([]*domain.Task, error) {
	resp, err := s.kv.Get(ctx, s.tasksPrefix(filter.Scope), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	var tasks []*domain.Task
	for _, kv := range resp.Kvs {
		t, err := decodeTask(kv.Value, kv.ModRevision)
		if err != nil {
			return nil, err
		}
		if filter.Matches(t) {
			tasks = append(tasks, t)
		}
	}
	slices.SortFunc(tasks, func(a, b *domain.Task) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return strings.Compare(a.Key().String(), b.Key().String())
	})
	return tasks, nil
}

// UpdateStatus applies mutate to the task's status with compare-and-swap.
// mutate may run several times when writers race.
func (s *Store) UpdateStatus(ctx context.Context, key domain.TaskKey, mutate func(*domain.TaskStatus) error) (*domain.Task, error) {
	return s.update(ctx, key, func(cur *domain.Task) (*domain.Task, []clientv3.Op, error) {
		next, err := domain.ApplyStatus(cur, mutate)
		if err != nil {
			return nil, nil, err
		}
		var extra []clientv3.Op
		if domain.ReleasesSlot(cur.Status.Phase, next.Status.Phase) {
			extra = append(extra, s.releaseSlotOp(next))
		}
		return next, extra, nil
	})
}

// UpdateSpec applies mutate to client-owned fields with compare-and-swap.
func (s *Store) UpdateSpec(ctx context.Context, key domain.TaskKey, mutate func(*domain.Task) error) (*domain.Task, error) {
	return s.update(ctx, key, func(cur *domain.Task) (*domain.Task, []clientv3.Op, error) {
		next, err := domain.ApplySpec(cur, mutate)
		return next, nil, err
	})
}

// update is the read-modify-write loop shared by the update paths.
func (s *Store) update(
	ctx context.Context,
	key domain.TaskKey,
	change func(*domain.Task) (*domain.Task, []clientv3.Op, error),
) (*domain.Task, error) {
	k := s.taskKey(key.Scope, key.Name)
	for range maxAttempts {
		cur, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		next, extra, err := change(cur)
		if err != nil {
			return nil, err
		}
		value, err := encodeTask(next)
		if err != nil {
			return nil, err
		}

		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", cur.Revision)).
			Then(append([]clientv3.Op{clientv3.OpPut(k, value)}, extra...)...).
			Commit()
		if err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		if resp.Succeeded {
			next.Revision = resp.Header.Revision
			return next, nil
		}
	}
	return nil, fmt.Errorf("update task %s: %w", key, domain.ErrRevisionConflict)
}

// Delete removes a task with its unit record and slot.
func (s *Store) Delete(ctx context.Context, key domain.TaskKey) error {
	k := s.taskKey(key.Scope, key.Name)
	for range maxAttempts {
		cur, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", cur.Revision)).
			Then(
				clientv3.OpDelete(k),
				clientv3.OpDelete(s.unitKey(key.Scope, key.Name)),
				s.releaseSlotOp(cur),
			).
			Commit()
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		if resp.Succeeded {
			return nil
		}
	}
	return fmt.Errorf("delete task %s: %w", key, domain.ErrRevisionConflict)
}

// SaveUnit records a task's execution unit.
func (s *Store) SaveUnit(ctx context.Context, rec domain.ExecutionUnitRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	owner := s.taskKey(rec.Owner.Scope, rec.Owner.Name)
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(owner), ">", 0)).
		Then(clientv3.OpPut(s.unitKey(rec.Owner.Scope, rec.Owner.Name), string(b))).
		Commit()
	if err != nil {
		return fmt.Errorf("save unit: %w", err)
	}
	if !resp.Succeeded {
		return domain.ErrTaskNotFound
	}
	return nil
}

// GetUnit retrieves a task's execution unit record.
func (s *Store) GetUnit(ctx context.Context, key domain.TaskKey) (*domain.ExecutionUnitRecord, error) {
	resp, err := s.kv.Get(ctx, s.unitKey(key.Scope, key.Name))
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrUnitNotFound
	}
	var rec domain.ExecutionUnitRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("parse unit: %w", err)
	}
	return &rec, nil
}

// Watch streams changes to matching tasks from the current revision on.
// The stream requires a leader, so a partitioned member ends it instead of
// going silent. The channel is closed on failure or when ctx is done.
func (s *Store) Watch(ctx context.Context, filter domain.TaskFilter) (<-chan domain.TaskEvent, error) {
	resp, err := s.kv.Get(ctx, s.tasksPrefix(filter.Scope), clientv3.WithCountOnly())
	if err != nil {
		return nil, fmt.Errorf("watch tasks: %w", err)
	}

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := s.watcher.Watch(wctx, s.tasksPrefix(filter.Scope),
		clientv3.WithPrefix(),
		clientv3.WithPrevKV(),
		clientv3.WithRev(resp.Header.Revision+1),
	)

	ch := make(chan domain.TaskEvent)
	go func() {
		defer close(ch)
		defer cancel()
		for wresp := range wch {
			if wresp.Err() != nil {
				return
			}
			for _, ev := range wresp.Events {
				out, ok := s.toEvent(ev, filter)
				if !ok {
					continue
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// toEvent converts an etcd event, reporting false when it is filtered out
// or undecodable.
func (s *Store) toEvent(ev *clientv3.Event, filter domain.TaskFilter) (domain.TaskEvent, bool) {
	key, ok := s.parseTaskKey(string(ev.Kv.Key))
	if !ok {
		return domain.TaskEvent{}, false
	}

	if ev.Type == clientv3.EventTypeDelete {
		t := &domain.Task{Scope: key.Scope, Name: key.Name}
		if ev.PrevKv != nil {
			if prev, err := decodeTask(ev.PrevKv.Value, ev.PrevKv.ModRevision); err == nil {
				t = prev
			}
		}
		if filter.Scope != "" && key.Scope != filter.Scope {
			return domain.TaskEvent{}, false
		}
		return domain.TaskEvent{Type: domain.EventDeleted, Key: key, Task: t, Revision: ev.Kv.ModRevision}, true
	}

	t, err := decodeTask(ev.Kv.Value, ev.Kv.ModRevision)
	if err != nil || !filter.Matches(t) {
		return domain.TaskEvent{}, false
	}
	return domain.TaskEvent{Type: domain.EventPut, Key: key, Task: t, Revision: ev.Kv.ModRevision}, true
}

// CreateTemplate stores a template.
func (s *Store) CreateTemplate(ctx context.Context, tpl *domain.TaskTemplate) error {
	b, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	k := s.templateKey(tpl.Scope, tpl.Name)
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(b))).
		Commit()
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	if !resp.Succeeded {
		return domain.ErrTemplateExists
	}
	return nil
}

// GetTemplate retrieves a template.
func (s *Store) GetTemplate(ctx context.Context, scope, name string) (*domain.TaskTemplate, error) {
	resp, err := s.kv.Get(ctx, s.templateKey(scope, name))
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrTemplateNotFound
	}
	return decodeTemplate(resp.Kvs[0].Value, resp.Kvs[0].ModRevision)
}

// ListTemplates returns a scope's templates sorted by name.
// An empty scope lists every scope.
func (s *Store) ListTemplates(ctx context.Context, scope string) ([]*domain.TaskTemplate, error) {
	key := s.prefix + "/templates/"
	if scope != "" {
		key += scope + "/"
	}
	resp, err := s.kv.Get(ctx, key,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	tpls := make([]*domain.TaskTemplate, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		tpl, err := decodeTemplate(kv.Value, kv.ModRevision)
		if err != nil {
			return nil, err
		}
		tpls = append(tpls, tpl)
	}
	return tpls, nil
}

// RecordTemplateUse bumps usage statistics with compare-and-swap.
func (s *Store) RecordTemplateUse(ctx context.Context, scope, name string, at time.Time) (*domain.TaskTemplate, error) {
	k := s.templateKey(scope, name)
	for range maxAttempts {
		tpl, err := s.GetTemplate(ctx, scope, name)
		if err != nil {
			return nil, err
		}
		tpl.UsageCount++
		tpl.LastUsedAt = at
		b, err := json.Marshal(tpl)
		if err != nil {
			return nil, fmt.Errorf("marshal template: %w", err)
		}
		resp, err := s.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", tpl.Revision)).
			Then(clientv3.OpPut(k, string(b))).
			Commit()
		if err != nil {
			return nil, fmt.Errorf("record template use: %w", err)
		}
		if resp.Succeeded {
			tpl.Revision = resp.Header.Revision
			return tpl, nil
		}
	}
	return nil, fmt.Errorf("record template use: %w", domain.ErrRevisionConflict)
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, scope, name string) error {
	resp, err := s.kv.Delete(ctx, s.templateKey(scope, name))
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if resp.Deleted == 0 {
		return domain.ErrTemplateNotFound
	}
	return nil
}

