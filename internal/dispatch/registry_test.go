package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hiveplan/hive/internal/events"
	"github.com/hiveplan/hive/internal/task"
)

type stubDeliverer struct {
	mu        sync.Mutex
	delivered []*task.Assignment
	fail      error
}

func (s *stubDeliverer) Deliver(_ context.Context, a *task.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.delivered = append(s.delivered, a)
	return nil
}

func (s *stubDeliverer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *stubDeliverer) last() *task.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delivered) == 0 {
		return nil
	}
	return s.delivered[len(s.delivered)-1]
}

func (s *stubDeliverer) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func newRegistry(t *testing.T) (*Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewRegistry(bus), bus
}

func TestRegisterAndSnapshot(t *testing.T) {
	reg, bus := newRegistry(t)
	workerCh := bus.Subscribe(events.TopicWorker, 8)

	if err := reg.Register(Worker{ID: "w2", Slots: 1}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register w2: %v", err)
	}
	if err := reg.Register(Worker{ID: "w1", Slots: 2, Capabilities: []string{"fetch"}}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register w1: %v", err)
	}

	snap := reg.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(snap))
	}
	if snap[0].ID != "w1" || snap[1].ID != "w2" {
		t.Errorf("snapshot should be ordered by id, got %s, %s", snap[0].ID, snap[1].ID)
	}

	select {
	case e := <-workerCh:
		if e.EventType() != events.EventTypeWorkerRegistered {
			t.Errorf("expected a registration event, got %s", e.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("expected a registration event on the bus")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg, _ := newRegistry(t)
	if err := reg.Register(Worker{ID: "w1", Slots: 1}, &stubDeliverer{}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := reg.Register(Worker{ID: "w1", Slots: 1}, &stubDeliverer{})
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("duplicate registration should fail, got %v", err)
	}
}

func TestRegisterValidates(t *testing.T) {
	reg, _ := newRegistry(t)
	if err := reg.Register(Worker{Slots: 1}, &stubDeliverer{}); err == nil {
		t.Error("missing id should be rejected")
	}
	if err := reg.Register(Worker{ID: "w1"}, &stubDeliverer{}); err == nil {
		t.Error("zero slots should be rejected")
	}
	if err := reg.Register(Worker{ID: "w1", Slots: 1}, nil); err == nil {
		t.Error("nil deliverer should be rejected")
	}
}

func TestReserveRespectsSlots(t *testing.T) {
	reg, _ := newRegistry(t)
	if err := reg.Register(Worker{ID: "w1", Slots: 2}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	if err := reg.reserve("w1", "t1"); err != nil {
		t.Fatalf("first slot: %v", err)
	}
	if err := reg.reserve("w1", "t2"); err != nil {
		t.Fatalf("second slot: %v", err)
	}
	if err := reg.reserve("w1", "t3"); err == nil {
		t.Fatal("third slot should be refused")
	}
	if got := reg.ActiveCount("w1"); got != 2 {
		t.Errorf("expected 2 occupied slots, got %d", got)
	}

	// Re-reserving the same task holds, not doubles, the slot.
	if err := reg.reserve("w1", "t1"); err != nil {
		t.Fatalf("re-reserving the same task should be a no-op: %v", err)
	}
	if got := reg.ActiveCount("w1"); got != 2 {
		t.Errorf("expected 2 occupied slots after re-reserve, got %d", got)
	}

	reg.Release("w1", "t1")
	if err := reg.reserve("w1", "t3"); err != nil {
		t.Fatalf("released slot should be reusable: %v", err)
	}
}

func TestReserveForPrefersLeastLoaded(t *testing.T) {
	reg, _ := newRegistry(t)
	for _, id := range []string{"w1", "w2"} {
		if err := reg.Register(Worker{ID: id, Slots: 4}, &stubDeliverer{}); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}

	// Ties break on id.
	got, err := reg.reserveFor("generic", "t1", nil)
	if err != nil {
		t.Fatalf("reserveFor: %v", err)
	}
	if got != "w1" {
		t.Errorf("idle tie should pick w1, got %s", got)
	}

	// w1 now holds one task, so w2 is the lighter worker.
	got, err = reg.reserveFor("generic", "t2", nil)
	if err != nil {
		t.Fatalf("reserveFor: %v", err)
	}
	if got != "w2" {
		t.Errorf("expected least loaded w2, got %s", got)
	}
}

func TestReserveForCapabilities(t *testing.T) {
	reg, _ := newRegistry(t)
	if err := reg.Register(Worker{ID: "typed", Slots: 4, Capabilities: []string{"fetch"}}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register typed: %v", err)
	}

	if _, err := reg.reserveFor("parse", "t1", nil); err == nil {
		t.Error("typed worker should not accept other task types")
	}

	got, err := reg.reserveFor("fetch", "t2", nil)
	if err != nil {
		t.Fatalf("reserveFor: %v", err)
	}
	if got != "typed" {
		t.Errorf("expected typed worker, got %s", got)
	}

	// A worker with no declared capabilities takes anything.
	if err := reg.Register(Worker{ID: "any", Slots: 4}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register any: %v", err)
	}
	got, err = reg.reserveFor("parse", "t3", nil)
	if err != nil {
		t.Fatalf("reserveFor: %v", err)
	}
	if got != "any" {
		t.Errorf("expected untyped worker, got %s", got)
	}
}

func TestDeregister(t *testing.T) {
	reg, bus := newRegistry(t)
	workerCh := bus.Subscribe(events.TopicWorker, 8)

	if err := reg.Register(Worker{ID: "w1", Slots: 1}, &stubDeliverer{}); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	<-workerCh // registration event

	reg.Deregister("w1")
	if _, ok := reg.Get("w1"); ok {
		t.Error("deregistered worker should be gone")
	}
	if _, err := reg.reserveFor("generic", "t1", nil); err == nil {
		t.Error("reserveFor should fail with no workers left")
	}

	select {
	case e := <-workerCh:
		if e.EventType() != events.EventTypeWorkerStopped {
			t.Errorf("expected a stop event, got %s", e.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("expected a stop event on the bus")
	}

	// Deregistering twice is quiet.
	reg.Deregister("w1")
	select {
	case e := <-workerCh:
		t.Errorf("unexpected event %s", e.EventType())
	case <-time.After(50 * time.Millisecond):
	}
}
