package queue

import (
	"testing"

	"github.com/behrlich/go-evloop/internal/core"
)

func TestEventQueueFIFOOrder(t *testing.T) {
	q := NewEventQueue()
	a := core.NewSource(core.KindIdle, nil, &core.IdleData{})
	b := core.NewSource(core.KindIdle, nil, &core.IdleData{})
	defer a.Unref()
	defer b.Unref()

	q.Emit(a, 0)
	q.Emit(b, 0)

	if got := q.Pop(); got != a {
		t.Fatalf("expected FIFO head to be a")
	} else {
		got.Unref()
	}
	if got := q.Pop(); got != b {
		t.Fatalf("expected FIFO head to be b")
	} else {
		got.Unref()
	}
	if q.Pop() != nil {
		t.Fatalf("expected queue empty after draining both entries")
	}
}

func TestEventQueueEmitTakesReference(t *testing.T) {
	q := NewEventQueue()
	s := core.NewSource(core.KindIdle, nil, &core.IdleData{})
	defer s.Unref()

	before := s.RefCount()
	q.Emit(s, 0)
	if s.RefCount() != before+1 {
		t.Fatalf("expected emit to take a reference, before=%d after=%d", before, s.RefCount())
	}
	got := q.Pop()
	if got != s {
		t.Fatalf("expected popped source to be s")
	}
	got.Unref()
	if s.RefCount() != before {
		t.Fatalf("expected refcount restored after pop+unref, got %d", s.RefCount())
	}
}

func TestEventQueueFdHandlerCoalescesRepeatReadiness(t *testing.T) {
	q := NewEventQueue()
	fd := &core.FdData{Fd: 7, Mask: core.Read}
	s := core.NewSource(core.KindFdHandler, nil, fd)
	defer s.Unref()

	q.Emit(s, core.Read)
	// A repeat readiness notification before dispatch clears pending must
	// not enqueue a second entry.
	q.Emit(s, core.Read)

	first := q.Pop()
	if first != s {
		t.Fatalf("expected the fd source to be queued exactly once")
	}
	if q.Pop() != nil {
		t.Fatalf("expected no second queue entry from coalesced readiness")
	}
	if fd.Pending.Load() != uint32(core.Read) {
		t.Fatalf("expected pending mask to be Read, got %d", fd.Pending.Load())
	}
	first.Unref()
}

func TestEventQueueFdHandlerRearmsAfterClear(t *testing.T) {
	q := NewEventQueue()
	fd := &core.FdData{Fd: 7, Mask: core.Read}
	s := core.NewSource(core.KindFdHandler, nil, fd)
	defer s.Unref()

	q.Emit(s, core.Read)
	got := q.Pop()
	got.Unref()
	fd.Pending.Store(0) // dispatcher clears pending after invoking the callback

	q.Emit(s, core.Write)
	got2 := q.Pop()
	if got2 != s {
		t.Fatalf("expected a fresh queue entry after pending was cleared")
	}
	got2.Unref()
}

func TestEventQueueDrainReleasesReferences(t *testing.T) {
	q := NewEventQueue()
	a := core.NewSource(core.KindIdle, nil, &core.IdleData{})
	b := core.NewSource(core.KindIdle, nil, &core.IdleData{})
	defer a.Unref()
	defer b.Unref()

	q.Emit(a, 0)
	q.Emit(b, 0)
	q.Drain()

	if !q.Empty() {
		t.Fatalf("expected queue empty after drain")
	}
	if a.RefCount() != 1 || b.RefCount() != 1 {
		t.Fatalf("expected drain to release the emit-held reference, got a=%d b=%d", a.RefCount(), b.RefCount())
	}
}

func TestEventQueueNonFdKindIgnoresRevents(t *testing.T) {
	q := NewEventQueue()
	s := core.NewSource(core.KindWork, nil, &core.WorkData{})
	defer s.Unref()

	q.Emit(s, core.Read|core.Write)
	got := q.Pop()
	if got != s {
		t.Fatalf("expected work source to enqueue regardless of revents value")
	}
	got.Unref()
}
