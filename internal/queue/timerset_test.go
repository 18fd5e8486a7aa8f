package queue

import (
	"testing"

	"github.com/behrlich/go-evloop/internal/core"
)

func newTimerSource(deadlineUs int64) *core.Source {
	return core.NewSource(core.KindTimer, nil, &core.TimerData{DeadlineUs: deadlineUs})
}

func TestTimerSetPeekDeadlineEmpty(t *testing.T) {
	ts := NewTimerSet()
	if _, ok := ts.PeekDeadline(); ok {
		t.Fatalf("expected no deadline in an empty set")
	}
}

func TestTimerSetOrdering(t *testing.T) {
	ts := NewTimerSet()
	deadlines := []int64{500, 100, 300, 200, 400}
	sources := make([]*core.Source, 0, len(deadlines))
	for _, d := range deadlines {
		s := newTimerSource(d)
		sources = append(sources, s)
		ts.Insert(s)
	}
	defer func() {
		for _, s := range sources {
			s.Unref()
		}
	}()

	if d, ok := ts.PeekDeadline(); !ok || d != 100 {
		t.Fatalf("expected earliest deadline 100, got %d ok=%v", d, ok)
	}

	expired := ts.PopExpired(300)
	if len(expired) != 3 {
		t.Fatalf("expected 3 expired timers at now=300, got %d", len(expired))
	}
	for i, want := range []int64{100, 200, 300} {
		got := expired[i].KindData.(*core.TimerData).DeadlineUs
		if got != want {
			t.Fatalf("expected expired[%d] deadline %d, got %d", i, want, got)
		}
	}

	if ts.Len() != 2 {
		t.Fatalf("expected 2 timers remaining, got %d", ts.Len())
	}
}

func TestTimerSetRemove(t *testing.T) {
	ts := NewTimerSet()
	a := newTimerSource(100)
	b := newTimerSource(200)
	defer a.Unref()
	defer b.Unref()
	ts.Insert(a)
	ts.Insert(b)

	ts.Remove(a)
	if ts.Len() != 1 {
		t.Fatalf("expected 1 timer after remove, got %d", ts.Len())
	}
	if d, _ := ts.PeekDeadline(); d != 200 {
		t.Fatalf("expected remaining deadline 200, got %d", d)
	}

	// removing again is a no-op
	ts.Remove(a)
	if ts.Len() != 1 {
		t.Fatalf("expected remove of a non-member to be a no-op")
	}
}

func TestTimerSetFixReordersAfterTickerAdvance(t *testing.T) {
	ts := NewTimerSet()
	a := newTimerSource(100)
	b := newTimerSource(200)
	defer a.Unref()
	defer b.Unref()
	ts.Insert(a)
	ts.Insert(b)

	// simulate a ticker re-arm pushing a's deadline past b's
	a.KindData.(*core.TimerData).DeadlineUs = 300
	ts.Fix(a)

	if d, _ := ts.PeekDeadline(); d != 200 {
		t.Fatalf("expected b (200) to be earliest after fixing a's advance, got %d", d)
	}
	expired := ts.PopExpired(300)
	if len(expired) != 2 {
		t.Fatalf("expected both timers expired by now=300, got %d", len(expired))
	}
	if expired[0] != b || expired[1] != a {
		t.Fatalf("expected ascending order b then a after fix")
	}
}

func TestTimerSetPopExpiredNoneReady(t *testing.T) {
	ts := NewTimerSet()
	a := newTimerSource(500)
	defer a.Unref()
	ts.Insert(a)

	if expired := ts.PopExpired(100); len(expired) != 0 {
		t.Fatalf("expected no expired timers before deadline, got %d", len(expired))
	}
	if ts.Len() != 1 {
		t.Fatalf("expected timer to remain in the set")
	}
}
