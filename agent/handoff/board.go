package handoff

import (
	"sort"
	"sync"
)

// TaskStatus is a task's state on the board.
type TaskStatus string

const (
	TaskUnknown    TaskStatus = ""
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskBoard tracks task states for dependency gating.
type TaskBoard interface {
	TaskStatus(taskID string) TaskStatus
	SetTaskStatus(taskID string, status TaskStatus)
}

// VersionChecker resolves and pins context versions. *contextstore.Store satisfies it.
type VersionChecker interface {
	HasVersion(versionID string) bool
	Pin(versionID string) error
	Unpin(versionID string)
}

// MemoryTaskBoard is an in-memory TaskBoard.
type MemoryTaskBoard struct {
	mu    sync.RWMutex
	tasks map[string]TaskStatus
}

// NewMemoryTaskBoard creates an empty board.
func NewMemoryTaskBoard() *MemoryTaskBoard {
	return &MemoryTaskBoard{tasks: make(map[string]TaskStatus)}
}

func (b *MemoryTaskBoard) TaskStatus(taskID string) TaskStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tasks[taskID]
}

func (b *MemoryTaskBoard) SetTaskStatus(taskID string, status TaskStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// completed is final on the board
	if b.tasks[taskID] == TaskCompleted {
		return
	}
	b.tasks[taskID] = status
}

// Snapshot returns task ids and states sorted by id.
func (b *MemoryTaskBoard) Snapshot() map[string]TaskStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]TaskStatus, len(b.tasks))
	for k, v := range b.tasks {
		out[k] = v
	}
	return out
}

// unmet returns the dependencies that are not completed, in sorted order.
func unmet(board TaskBoard, deps []string) []string {
	var out []string
	for _, d := range deps {
		if board.TaskStatus(d) != TaskCompleted {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}
