// Package core implements the event-loop object model: the tagged source
// variant, its reference counting, and the global id registry used to
// upgrade weak ids to strong references from worker and signal contexts.
package core

import (
	"sync"
	"sync/atomic"
)

// Kind tags the variant a Source carries.
type Kind uint8

const (
	KindUnspec Kind = iota
	KindLoop
	KindFdHandler
	KindTimer
	KindTicker
	KindSignal
	KindWork
	KindIdle
)

func (k Kind) String() string {
	switch k {
	case KindLoop:
		return "loop"
	case KindFdHandler:
		return "fd_handler"
	case KindTimer:
		return "timer"
	case KindTicker:
		return "ticker"
	case KindSignal:
		return "signal"
	case KindWork:
		return "work"
	case KindIdle:
		return "idle"
	default:
		return "unspec"
	}
}

// EventMask encodes FdHandler readiness bits (spec.md §6).
type EventMask uint32

const (
	Read EventMask = 1 << iota
	Write
	OutOfBand
)

// DispatchFunc is the per-source callback the dispatcher invokes.
type DispatchFunc func(src *Source)

// ReleaseFunc is invoked exactly once, at finalization, on the user payload.
type ReleaseFunc func(payload any)

// FdData holds FdHandler-specific attributes.
type FdData struct {
	Fd           int
	Mask         EventMask
	Pending      atomic.Uint32 // readiness bits accumulated between emit and dispatch
	Loop         atomic.Pointer[Loop]
	BackendData  any // opaque per-backend private state (distinct from user payload)
}

// TimerData holds Timer/Ticker-specific attributes.
type TimerData struct {
	DurationUs int64
	DeadlineUs int64 // absolute deadline in the loop's monotonic clock units
	IsTicker   bool
	heapIndex  int // maintained by the timer set; -1 once popped or removed (0 before the first insert)
}

// HeapIndex exposes the timer set's bookkeeping slot to internal/queue
// without leaking the heap's internals into core.
func (t *TimerData) HeapIndex() int      { return t.heapIndex }
func (t *TimerData) SetHeapIndex(i int)  { t.heapIndex = i }

// SignalData holds Signal-specific attributes.
type SignalData struct {
	Signo       int
	BackendData any
}

// WorkData holds Work-specific attributes. Run is set by the root package's
// Work wrapper to a closure that invokes the user's work function and
// stashes its result for the done callback; core itself never calls Run —
// the thread pool protocol (internal/queue.Pool) does, off-thread.
type WorkData struct {
	Run func()
}

// IdleData holds Idle-specific attributes (idle sources need no extra
// fields beyond the shared dispatch callback, but the type exists so the
// tagged-variant switch stays exhaustive and symmetric).
type IdleData struct{}

// Loop is the minimal surface of the owning loop that core needs: just
// enough to let a Source hold a back-reference without core importing the
// root package (which would create an import cycle). Each root-package
// *Loop owns one *core.Loop and hands it to the sources it starts.
type Loop struct {
	ID uint64
}

// Source is the shared header every event-source kind carries. Per-kind
// data lives behind KindData, type-switched by Kind.
type Source struct {
	id       uint64
	kind     Kind
	refcount atomic.Int64

	payload        atomic.Pointer[any]
	releaseFn      ReleaseFunc
	dispatchFn     DispatchFunc

	// KindData holds exactly one of *FdData, *TimerData, *SignalData,
	// *WorkData, *IdleData depending on Kind. Loop sources carry nil.
	KindData any

	// mu guards fields mutated only from the dispatch thread plus the
	// bookkeeping the registry/queue touch from other threads.
	mu sync.Mutex

	// queued is true while the source occupies a slot in the event queue.
	queued atomic.Bool

	// startedLoop is non-nil while the source is a member of some loop's
	// started list; used to enforce "started on at most one loop".
	startedLoop atomic.Pointer[Loop]

	// queueNext chains this source into the event queue's intrusive
	// singly-linked list. Only the event queue's own lock guards it.
	queueNext *Source
}

// NewSource allocates a Source with refcount 1 and assigns it a fresh id
// via the global registry. kindData must be the pointer type matching kind
// (or nil for KindLoop/KindIdle/KindUnspec placeholders).
func NewSource(kind Kind, dispatchFn DispatchFunc, kindData any) *Source {
	s := &Source{
		kind:       kind,
		dispatchFn: dispatchFn,
		KindData:   kindData,
	}
	s.refcount.Store(1)
	s.id = globalRegistry.assignID(s)
	return s
}

func (s *Source) ID() uint64     { return s.id }
func (s *Source) Kind() Kind     { return s.kind }
func (s *Source) Dispatch() {
	if s.kind == KindUnspec {
		panic("evloop: dispatching a source with kind unspec")
	}
	if s.dispatchFn != nil {
		s.dispatchFn(s)
	}
}

// SetDispatchFunc replaces the dispatch callback. Only safe to call before
// the source is started, or from the dispatch thread.
func (s *Source) SetDispatchFunc(fn DispatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchFn = fn
}

// Ref increments the reference count and returns the prior value.
func (s *Source) Ref() int64 {
	return s.refcount.Add(1) - 1
}

// Unref decrements the reference count, finalizing the source when it
// reaches zero, and returns the new value. The decrement and the
// registry's removal of this source's id happen in one critical section
// (registry.unrefAndMaybeDrop) so a concurrent TryUpgrade can never
// resurrect a source between the count hitting zero and its id being
// dropped.
func (s *Source) Unref() int64 {
	n, dropped := globalRegistry.unrefAndMaybeDrop(s)
	if dropped {
		s.finalize()
	}
	return n
}

// RefCount returns the current reference count (for tests/diagnostics).
func (s *Source) RefCount() int64 { return s.refcount.Load() }

func (s *Source) finalize() {
	if s.releaseFn != nil {
		p := s.payload.Load()
		var v any
		if p != nil {
			v = *p
		}
		s.releaseFn(v)
	}
}

// SetUserdata stores the user payload and its optional release callback.
func (s *Source) SetUserdata(data any, release ReleaseFunc) {
	s.payload.Store(&data)
	s.mu.Lock()
	s.releaseFn = release
	s.mu.Unlock()
}

// GetUserdata returns the current user payload, or nil if unset.
func (s *Source) GetUserdata() any {
	p := s.payload.Load()
	if p == nil {
		return nil
	}
	return *p
}

// IsQueued reports whether the source currently occupies a slot in the
// event queue.
func (s *Source) IsQueued() bool { return s.queued.Load() }

// MarkQueued attempts to transition the source into the queued state,
// returning true if this call performed the transition (i.e. the source
// was not already queued).
func (s *Source) MarkQueued() bool { return s.queued.CompareAndSwap(false, true) }

// ClearQueued exits the queued state; called by the event queue when it
// pops the source, before the dispatcher invokes the callback, so an emit
// made during the callback queues the source again.
func (s *Source) ClearQueued() { s.queued.Store(false) }

// StartedLoop returns the loop this source is currently started on, or nil.
func (s *Source) StartedLoop() *Loop { return s.startedLoop.Load() }

// TryMarkStarted atomically claims "started on loop" if the source is not
// already started on any loop. Returns false if it was already started.
func (s *Source) TryMarkStarted(l *Loop) bool {
	return s.startedLoop.CompareAndSwap(nil, l)
}

// ClearStarted releases the "started" claim. Must only be called by the
// loop that currently holds it.
func (s *Source) ClearStarted() { s.startedLoop.Store(nil) }

// QueueNext and SetQueueNext give the event queue an intrusive link field
// on Source without leaking the queue's list shape into core's API.
// Callers must hold the event queue's own lock.
func (s *Source) QueueNext() *Source        { return s.queueNext }
func (s *Source) SetQueueNext(next *Source) { s.queueNext = next }
