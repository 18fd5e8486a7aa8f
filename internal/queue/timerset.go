package queue

import (
	"container/heap"
	"sync"

	"github.com/behrlich/go-evloop/internal/core"
)

// TimerSet tracks started Timer and Ticker sources ordered by absolute
// deadline, giving the dispatcher's phase-1 timer drain an O(log n)
// earliest-deadline lookup. The dispatcher is the only caller (spec.md §5:
// "the per-loop ... timer set ... are mutated only on the dispatch thread
// and require no lock"), but the set still serializes internally so tests
// can exercise it outside the dispatcher without reimplementing locking.
//
// No suitable third-party priority-queue library surfaced anywhere in the
// retrieved corpus; container/heap is the idiomatic standard-library choice
// for this specific shape and is what the dispatcher itself would use if
// writing Go longhand, so this one data structure is intentionally
// stdlib-only (see DESIGN.md).
type TimerSet struct {
	mu sync.Mutex
	h  timerHeap
}

// NewTimerSet returns an empty timer set.
func NewTimerSet() *TimerSet {
	ts := &TimerSet{}
	heap.Init(&ts.h)
	return ts
}

type timerHeap []*core.Source

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	ti := h[i].KindData.(*core.TimerData)
	tj := h[j].KindData.(*core.TimerData)
	return ti.DeadlineUs < tj.DeadlineUs
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].KindData.(*core.TimerData).SetHeapIndex(i)
	h[j].KindData.(*core.TimerData).SetHeapIndex(j)
}

func (h *timerHeap) Push(x any) {
	src := x.(*core.Source)
	src.KindData.(*core.TimerData).SetHeapIndex(len(*h))
	*h = append(*h, src)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	src.KindData.(*core.TimerData).SetHeapIndex(-1)
	*h = old[:n-1]
	return src
}

// Insert adds a started timer/ticker source at its current TimerData
// deadline. Takes no reference; the started-sources list already owns one.
func (ts *TimerSet) Insert(src *core.Source) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	heap.Push(&ts.h, src)
}

// Remove drops src from the set (called on stop). No-op if src is not a
// member (the slot at HeapIndex() does not hold src).
func (ts *TimerSet) Remove(src *core.Source) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	td := src.KindData.(*core.TimerData)
	idx := td.HeapIndex()
	if idx < 0 || idx >= len(ts.h) || ts.h[idx] != src {
		return
	}
	heap.Remove(&ts.h, idx)
}

// Fix re-establishes heap order for src after its deadline changed in
// place. No-op if src is not a member. The dispatcher does not call it: a
// fired Ticker has already been popped and is re-inserted with Insert.
func (ts *TimerSet) Fix(src *core.Source) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	td := src.KindData.(*core.TimerData)
	idx := td.HeapIndex()
	if idx < 0 || idx >= len(ts.h) || ts.h[idx] != src {
		return
	}
	heap.Fix(&ts.h, idx)
}

// PeekDeadline returns the earliest deadline in the set and true, or
// (0, false) if the set is empty. Used to compute set_deadline's argument.
func (ts *TimerSet) PeekDeadline() (int64, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.h) == 0 {
		return 0, false
	}
	return ts.h[0].KindData.(*core.TimerData).DeadlineUs, true
}

// PopExpired removes and returns every timer whose deadline is <= nowUs, in
// ascending-deadline order, matching spec.md §4.4 phase 1.
func (ts *TimerSet) PopExpired(nowUs int64) []*core.Source {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var expired []*core.Source
	for len(ts.h) > 0 && ts.h[0].KindData.(*core.TimerData).DeadlineUs <= nowUs {
		expired = append(expired, heap.Pop(&ts.h).(*core.Source))
	}
	return expired
}

// Len returns the number of timers currently tracked.
func (ts *TimerSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.h)
}
