package tui

import "github.com/runoshun/crewd/internal/domain"

// Msg is the sealed interface for all dashboard messages.
//
// go-sumtype:decl Msg
type Msg interface {
	sealed()
}

// MsgTasksLoaded is sent when tasks are loaded from the store.
type MsgTasksLoaded struct {
	Tasks []*domain.Task
}

func (MsgTasksLoaded) sealed() {}

// MsgTick triggers a periodic reload.
type MsgTick struct{}

func (MsgTick) sealed() {}

// MsgDetailLoaded carries a task with its execution unit record.
type MsgDetailLoaded struct {
	Task *domain.Task
	Unit *domain.ExecutionUnitRecord
}

func (MsgDetailLoaded) sealed() {}

// MsgActionDone is sent when a task action finished.
type MsgActionDone struct {
	Message string
}

func (MsgActionDone) sealed() {}

// MsgError is sent when an operation fails.
type MsgError struct {
	Err error
}

func (MsgError) sealed() {}
