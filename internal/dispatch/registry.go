// Package dispatch hands claimed tasks to workers and reclaims leases the
// workers abandon. It keeps the worker registry, the delivery path with its
// per-worker circuit breakers, the report intake queue, and the lease sweeper.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/task"
)

// Deliverer receives assignments on behalf of one worker. Implementations
// must not block; queue the assignment and return.
type Deliverer interface {
	Deliver(ctx context.Context, a *task.Assignment) error
}

// Worker describes a registered worker and its capacity.
type Worker struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Slots        int       `json:"slots"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Accepts reports whether the worker can run tasks of the given type.
// A worker with no declared capabilities accepts every type.
func (w Worker) Accepts(taskType string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	return slices.Contains(w.Capabilities, taskType)
}

type entry struct {
	worker  Worker
	deliver Deliverer
	active  map[string]struct{} // task ids currently occupying a slot
}

// Registry tracks registered workers and their occupied slots. Slot
// occupancy is keyed by task id: a claimed task holds at most one slot at a
// time, so reservation and release are naturally idempotent.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*entry
	bus     *events.Bus
}

func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		workers: make(map[string]*entry),
		bus:     bus,
	}
}

// Register adds a worker and its delivery endpoint.
func (r *Registry) Register(w Worker, d Deliverer) error {
	if w.ID == "" {
		return errors.New("worker id is required")
	}
	if w.Slots <= 0 {
		return fmt.Errorf("worker %s: slots must be positive", w.ID)
	}
	if d == nil {
		return fmt.Errorf("worker %s: deliverer is required", w.ID)
	}
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = time.Now().UTC()
	}

	r.mu.Lock()
	if _, ok := r.workers[w.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("worker %s is already registered", w.ID)
	}
	r.workers[w.ID] = &entry{
		worker:  w,
		deliver: d,
		active:  make(map[string]struct{}),
	}
	r.mu.Unlock()

	r.bus.Publish(events.TopicWorker, events.WorkerRegisteredEvent{
		WorkerID:     w.ID,
		Capabilities: w.Capabilities,
		Slots:        w.Slots,
		Timestamp:    time.Now().UTC(),
	})
	return nil
}

// Deregister removes a worker. Slots it held are forgotten; leases the
// worker still owns are left for the sweeper to reclaim.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()

	if ok {
		r.bus.Publish(events.TopicWorker, events.WorkerStoppedEvent{
			WorkerID:  workerID,
			Timestamp: time.Now().UTC(),
		})
	}
}

// Get returns the worker record for the given id.
func (r *Registry) Get(workerID string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return Worker{}, false
	}
	return e.worker, true
}

// Snapshot returns all registered workers ordered by id.
func (r *Registry) Snapshot() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.worker)
	}
	slices.SortFunc(out, func(a, b Worker) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ActiveCount returns the number of slots the worker currently occupies.
func (r *Registry) ActiveCount(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return 0
	}
	return len(e.active)
}

// delivererOf returns the delivery endpoint registered for the worker.
func (r *Registry) delivererOf(workerID string) (Deliverer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return e.deliver, true
}

// reserve takes one slot on the named worker for the given task.
func (r *Registry) reserve(workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("unknown worker %s", workerID)
	}
	if _, held := e.active[taskID]; held {
		return nil
	}
	if len(e.active) >= e.worker.Slots {
		return fmt.Errorf("worker %s has no free slot", workerID)
	}
	e.active[taskID] = struct{}{}
	return nil
}

// reserveFor picks the least loaded worker that accepts the task type and
// has a free slot, skipping workers in skip, and takes a slot on it. Ties
// break on worker id so the choice is deterministic.
func (r *Registry) reserveFor(taskType, taskID string, skip map[string]bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.workers) == 0 {
		return "", errors.New("no workers registered")
	}

	var best *entry
	for _, e := range r.workers {
		if skip[e.worker.ID] || !e.worker.Accepts(taskType) {
			continue
		}
		if len(e.active) >= e.worker.Slots {
			continue
		}
		if best == nil || len(e.active) < len(best.active) ||
			(len(e.active) == len(best.active) && e.worker.ID < best.worker.ID) {
			best = e
		}
	}
	if best == nil {
		return "", fmt.Errorf("no worker with a free slot accepts %q tasks", taskType)
	}
	best.active[taskID] = struct{}{}
	return best.worker.ID, nil
}

// Release frees the slot the task held on the worker. Safe to call for
// tasks or workers that are no longer tracked.
func (r *Registry) Release(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[workerID]; ok {
		delete(e.active, taskID)
	}
}
