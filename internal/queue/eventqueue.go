// Package queue implements the loop-internal data structures that sit
// between the backend and the dispatcher: the signal-safe event queue, the
// timer set, and the worker thread pool.
package queue

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/core"
)

// EventQueue is the signal-safe FIFO the dispatcher drains in phase 2.
// Enqueue is callable from the dispatch thread, worker threads, and
// asynchronous signal handlers; it blocks all deliverable signals around
// its critical section so a handler invoked mid-update can never observe a
// half-linked list. Pop does the same masking around its dequeue; the
// callback the dispatcher then invokes runs with the thread's own signal
// mask, not with signals blocked.
type EventQueue struct {
	lock sync.Mutex
	head *core.Source
	tail *core.Source
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// blockAllSignals masks every deliverable signal on the calling OS thread
// and returns the prior mask so the caller can restore it. Uses
// PthreadSigmask from golang.org/x/sys/unix, the same package the teacher
// reaches for around raw syscalls and CPU-affinity calls elsewhere in the
// corpus.
func blockAllSignals() unix.Sigset_t {
	var full, old unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	_ = unix.PthreadSigmask(unix.SIG_SETMASK, &full, &old)
	return old
}

func restoreSignalMask(old unix.Sigset_t) {
	_ = unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
}

// Emit implements emit(loop, src, revents) from spec.md §4.5. For
// FdHandlers it atomically ORs revents into the pending mask and only
// enqueues on the 0→nonzero transition, coalescing repeat readiness between
// backend delivery and the dispatcher clearing the mask. For every other
// kind revents is ignored. On enqueue, Emit takes a reference on src (the
// dispatcher releases it after invoking the callback) so the caller's own
// reference remains independently valid.
func (q *EventQueue) Emit(src *core.Source, revents core.EventMask) {
	if src.Kind() == core.KindFdHandler {
		fd, ok := src.KindData.(*core.FdData)
		if ok {
			if !fetchOrWasZero(&fd.Pending, uint32(revents)) {
				return
			}
		}
	}
	q.enqueue(src)
}

// fetchOrWasZero atomically ORs bits into p and reports whether the value
// was zero beforehand (the 0→nonzero transition that must trigger an
// enqueue). Implemented as a CAS loop since go1.22's atomic.Uint32 has no
// built-in Or.
func fetchOrWasZero(p *atomic.Uint32, bits uint32) bool {
	for {
		cur := p.Load()
		if !p.CompareAndSwap(cur, cur|bits) {
			continue
		}
		return cur == 0
	}
}

func (q *EventQueue) enqueue(src *core.Source) {
	old := blockAllSignals()
	defer restoreSignalMask(old)

	q.lock.Lock()
	defer q.lock.Unlock()

	if !src.MarkQueued() {
		// Already linked into the list (non-fd kinds can race here too,
		// e.g. a work-done emit racing a duplicate emit); don't double-link.
		return
	}
	src.Ref()
	src.SetQueueNext(nil)
	if q.tail == nil {
		q.head, q.tail = src, src
	} else {
		q.tail.SetQueueNext(src)
		q.tail = src
	}
}

// Pop removes and returns the head of the queue, or nil if empty. The
// returned source still holds the reference Emit took; the caller (the
// dispatcher) is responsible for releasing it once the callback returns.
func (q *EventQueue) Pop() *core.Source {
	old := blockAllSignals()
	defer restoreSignalMask(old)

	q.lock.Lock()
	defer q.lock.Unlock()

	src := q.head
	if src == nil {
		return nil
	}
	q.head = src.QueueNext()
	if q.head == nil {
		q.tail = nil
	}
	src.SetQueueNext(nil)
	src.ClearQueued()
	return src
}

// Drain empties the queue, releasing every queued reference without
// invoking any callback. Used during loop destruction (spec.md §4.3).
func (q *EventQueue) Drain() {
	for {
		src := q.Pop()
		if src == nil {
			return
		}
		src.Unref()
	}
}

// Empty reports whether the queue currently holds no entries. Racy by
// nature (another thread may enqueue immediately after); intended for
// diagnostics and tests, not for synchronization.
func (q *EventQueue) Empty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.head == nil
}
