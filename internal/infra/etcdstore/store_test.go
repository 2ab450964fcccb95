package etcdstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestStore_Keys(t *testing.T) {
	s := &Store{prefix: "/crewd"}

	assert.Equal(t, "/crewd/tasks/payments/fix", s.taskKey("payments", "fix"))
	assert.Equal(t, "/crewd/units/payments/fix", s.unitKey("payments", "fix"))
	assert.Equal(t, "/crewd/slots/payments/alice", s.slotKey(domain.SlotKey("payments", "alice")))
	assert.Equal(t, "/crewd/templates/payments/bump", s.templateKey("payments", "bump"))
	assert.Equal(t, "/crewd/tasks/", s.tasksPrefix(""))
	assert.Equal(t, "/crewd/tasks/payments/", s.tasksPrefix("payments"))
}

func TestStore_ParseTaskKey(t *testing.T) {
	s := &Store{prefix: "/crewd"}

	key, ok := s.parseTaskKey("/crewd/tasks/payments/fix")
	assert.True(t, ok)
	assert.Equal(t, domain.TaskKey{Scope: "payments", Name: "fix"}, key)

	_, ok = s.parseTaskKey("/crewd/units/payments/fix")
	assert.False(t, ok)
	_, ok = s.parseTaskKey("/crewd/tasks/payments")
	assert.False(t, ok)
}

func TestDecodeTask(t *testing.T) {
	task := &domain.Task{
		Scope:   "payments",
		Name:    "fix",
		Creator: "alice",
		Status:  domain.TaskStatus{Phase: domain.PhaseRunning, ProgressPercent: 40},
	}
	value, err := encodeTask(task)
	require.NoError(t, err)

	got, err := decodeTask([]byte(value), 42)

	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Revision)
	assert.Equal(t, domain.PhaseRunning, got.Status.Phase)
	assert.Equal(t, 40, got.Status.ProgressPercent)
}

func TestDecodeTask_Invalid(t *testing.T) {
	_, err := decodeTask([]byte(`{"scope":"a","name":"b","status":{"phase":"Exploded"}}`), 1)
	assert.ErrorIs(t, err, domain.ErrInvalidPhase)

	_, err = decodeTask([]byte("not json"), 1)
	assert.ErrorContains(t, err, "parse task")
}

// newIntegrationStore connects to the etcd cluster named by
// CREWD_ETCD_ENDPOINTS and isolates the test under its own prefix.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	endpoints := os.Getenv("CREWD_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("CREWD_ETCD_ENDPOINTS not set")
	}

	prefix := fmt.Sprintf("/crewd-test/%s-%d", t.Name(), time.Now().UnixNano())
	s, err := Dial(strings.Split(endpoints, ","), prefix, 5*time.Second)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = s.kv.Delete(ctx, prefix+"/", clientv3.WithPrefix())
		_ = s.Close()
	})
	return s
}

func newTask(name, creator string) *domain.Task {
	return &domain.Task{
		Created:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Scope:      "payments",
		Name:       name,
		Creator:    creator,
		Repository: domain.Repository{URL: "https://github.com/acme/api.git", Branch: "main"},
		Labels:     map[string]string{domain.LabelMode: domain.ModeBackground, domain.LabelCreator: creator},
		Status:     domain.TaskStatus{Phase: domain.PhasePending},
	}
}

func TestStore_CreateClaimsSlot(t *testing.T) {
	// Setup
	s := newIntegrationStore(t)
	ctx := context.Background()
	slot := domain.SlotKey("payments", "alice")

	// Execute
	created, err := s.Create(ctx, newTask("first", "alice"), domain.CreateConditions{ActiveSlot: slot})
	require.NoError(t, err)
	_, err = s.Create(ctx, newTask("second", "alice"), domain.CreateConditions{ActiveSlot: slot})

	// Verify
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "first", conflict.Holder)
	assert.Positive(t, created.Revision)

	_, err = s.Create(ctx, newTask("first", "bob"), domain.CreateConditions{})
	assert.ErrorIs(t, err, domain.ErrTaskExists)
}

func TestStore_ConcurrentCreateAdmitsOne(t *testing.T) {
	s := newIntegrationStore(t)
	slot := domain.SlotKey("payments", "alice")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Create(context.Background(), newTask(fmt.Sprintf("t%d", i), "alice"), domain.CreateConditions{ActiveSlot: slot})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestStore_TerminalStatusReleasesSlot(t *testing.T) {
	// Setup
	s := newIntegrationStore(t)
	ctx := context.Background()
	slot := domain.SlotKey("payments", "alice")
	_, err := s.Create(ctx, newTask("first", "alice"), domain.CreateConditions{ActiveSlot: slot})
	require.NoError(t, err)

	// Execute
	_, err = s.UpdateStatus(ctx, domain.TaskKey{Scope: "payments", Name: "first"}, func(st *domain.TaskStatus) error {
		st.Phase = domain.PhaseStopped
		st.ErrorDetail = "cancelled"
		return nil
	})
	require.NoError(t, err)

	// Verify
	_, err = s.Create(ctx, newTask("second", "alice"), domain.CreateConditions{ActiveSlot: slot})
	assert.NoError(t, err)
}

func TestStore_UpdateStatusRejectsInvalidTransition(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, newTask("first", "alice"), domain.CreateConditions{})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, domain.TaskKey{Scope: "payments", Name: "first"}, func(st *domain.TaskStatus) error {
		st.Phase = domain.PhaseCompleted
		return nil
	})

	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStore_DeleteCascades(t *testing.T) {
	// Setup
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := domain.TaskKey{Scope: "payments", Name: "first"}
	slot := domain.SlotKey("payments", "alice")
	_, err := s.Create(ctx, newTask("first", "alice"), domain.CreateConditions{ActiveSlot: slot})
	require.NoError(t, err)
	require.NoError(t, s.SaveUnit(ctx, domain.ExecutionUnitRecord{Owner: key, Handle: "crewd-payments-first"}))

	// Execute
	require.NoError(t, s.Delete(ctx, key))

	// Verify
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	_, err = s.GetUnit(ctx, key)
	assert.ErrorIs(t, err, domain.ErrUnitNotFound)
	_, err = s.Create(ctx, newTask("second", "alice"), domain.CreateConditions{ActiveSlot: slot})
	assert.NoError(t, err)
	assert.ErrorIs(t, s.SaveUnit(ctx, domain.ExecutionUnitRecord{Owner: key}), domain.ErrTaskNotFound)
}

func TestStore_Watch(t *testing.T) {
	// Setup
	s := newIntegrationStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Watch(ctx, domain.TaskFilter{Scope: "payments"})
	require.NoError(t, err)

	// Execute
	_, err = s.Create(ctx, newTask("first", "alice"), domain.CreateConditions{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, domain.TaskKey{Scope: "payments", Name: "first"}))

	// Verify
	var events []domain.TaskEvent
	for len(events) < 2 {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for watch events")
		}
	}
	assert.Equal(t, domain.EventPut, events[0].Type)
	assert.Equal(t, domain.EventDeleted, events[1].Type)
	assert.Equal(t, "alice", events[1].Task.Creator)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStore_Templates(t *testing.T) {
	// Setup
	s := newIntegrationStore(t)
	ctx := context.Background()
	tpl := &domain.TaskTemplate{Scope: "payments", Name: "bump", InstructionsTemplate: "bump {{dep}}"}

	// Execute
	require.NoError(t, s.CreateTemplate(ctx, tpl))
	assert.ErrorIs(t, s.CreateTemplate(ctx, tpl), domain.ErrTemplateExists)
	used, err := s.RecordTemplateUse(ctx, "payments", "bump", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	// Verify
	require.NoError(t, err)
	assert.Equal(t, 1, used.UsageCount)
	list, err := s.ListTemplates(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bump", list[0].Name)

	require.NoError(t, s.DeleteTemplate(ctx, "payments", "bump"))
	assert.ErrorIs(t, s.DeleteTemplate(ctx, "payments", "bump"), domain.ErrTemplateNotFound)
}
