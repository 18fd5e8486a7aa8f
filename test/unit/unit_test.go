//go:build !integration

package unit

import (
	"sync/atomic"
	"testing"
	"time"

	evloop "github.com/behrlich/go-evloop"
)

// These tests run without requiring real epoll/io_uring privileges; they
// exercise the public API end to end against a StubBackend.

func TestSourceIDsAreUnique(t *testing.T) {
	l, err := evloop.New(evloop.WithBackend(evloop.NewStubBackend()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Unref()

	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		h := evloop.NewFdHandler(i, evloop.Read, nil)
		if seen[h.GetID()] {
			t.Fatalf("duplicate source id %d", h.GetID())
		}
		seen[h.GetID()] = true
		h.Unref()
	}
}

func TestRefBalanceAcrossStartStop(t *testing.T) {
	l, err := evloop.New(evloop.WithBackend(evloop.NewStubBackend()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Unref()

	h := evloop.NewFdHandler(3, evloop.Read, nil)
	if got := h.RefCount(); got != 1 {
		t.Fatalf("fresh handler refcount = %d, want 1", got)
	}
	if err := h.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.RefCount(); got != 2 {
		t.Fatalf("started handler refcount = %d, want 2 (caller + loop)", got)
	}
	if err := h.Stop(l); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.RefCount(); got != 1 {
		t.Fatalf("stopped handler refcount = %d, want 1", got)
	}
	h.Unref()
}

func TestUpgradeSafetyAfterDrop(t *testing.T) {
	h := evloop.NewFdHandler(4, evloop.Read, nil)
	id := h.GetID()
	h.Unref()

	if _, ok := evloop.UpgradeSource(id); ok {
		t.Fatal("UpgradeSource succeeded after the only reference was dropped")
	}
}

func TestNoDoubleDispatchOfCoalescedReadiness(t *testing.T) {
	sb := evloop.NewStubBackend()
	l, err := evloop.New(evloop.WithBackend(sb))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Unref()

	var dispatches atomic.Int32
	h := evloop.NewFdHandler(5, evloop.Read, func(_ *evloop.FdHandler, _ evloop.EventMask) {
		dispatches.Add(1)
	})
	if err := h.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Two readiness injections before a single dispatch pass must coalesce
	// into exactly one callback invocation (spec.md §4.5 emit contract).
	sb.InjectReadiness(5, evloop.Read)
	sb.InjectReadiness(5, evloop.Read)
	l.Poll(0)
	l.Dispatch()

	if got := dispatches.Load(); got != 1 {
		t.Fatalf("dispatch count = %d, want 1 (coalesced)", got)
	}
	h.Stop(l)
	h.Unref()
}

func TestTimerMonotonicity(t *testing.T) {
	l, err := evloop.New(evloop.WithBackend(evloop.NewStubBackend()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Unref()

	var fireOrder []int
	for i := 0; i < 3; i++ {
		i := i
		tm := evloop.NewTimer(int64((3-i)*2*1000), func(_ *evloop.Timer) {
			fireOrder = append(fireOrder, i)
		})
		if err := tm.Start(l); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer tm.Unref()
	}

	time.Sleep(10 * time.Millisecond)
	l.Dispatch()

	if len(fireOrder) != 3 {
		t.Fatalf("fired %d timers, want 3", len(fireOrder))
	}
	for i := 0; i < len(fireOrder)-1; i++ {
		if fireOrder[i] < fireOrder[i+1] {
			t.Fatalf("timers fired out of deadline order: %v", fireOrder)
		}
	}
}

func TestMetricsSnapshotReflectsDispatches(t *testing.T) {
	m := evloop.NewMetrics()
	obs := evloop.NewMetricsObserver(m)
	l, err := evloop.New(evloop.WithBackend(evloop.NewStubBackend()), evloop.WithObserver(obs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Unref()

	tm := evloop.NewTimer(0, func(_ *evloop.Timer) {})
	if err := tm.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.Dispatch()
	tm.Unref()

	snap := m.Snapshot()
	if snap.TimerDispatches != 1 {
		t.Fatalf("TimerDispatches = %d, want 1", snap.TimerDispatches)
	}
}
