package outcome

import (
	"sync"
)

// taskLocks provides per-task mutual exclusion while outcome reports are
// applied. Uses a keyed mutex pattern: each task id gets its own mutex, so
// reports for different tasks proceed concurrently while duplicate or racing
// reports for the same task serialize.
type taskLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*sync.Mutex
}

func newTaskLocks() *taskLocks {
	return &taskLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the per-task mutex, creating it on first access.
func (l *taskLocks) Lock(taskID string) {
	l.mu.Lock()
	taskLock, exists := l.locks[taskID]
	if !exists {
		taskLock = &sync.Mutex{}
		l.locks[taskID] = taskLock
	}
	l.mu.Unlock()

	// Acquire the per-task lock outside the manager lock to avoid contention.
	taskLock.Lock()
}

// Unlock releases the per-task mutex.
func (l *taskLocks) Unlock(taskID string) {
	l.mu.Lock()
	taskLock, exists := l.locks[taskID]
	l.mu.Unlock()

	if exists {
		taskLock.Unlock()
	}
}
