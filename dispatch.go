package evloop

import (
	"github.com/behrlich/go-evloop/internal/backend"
	"github.com/behrlich/go-evloop/internal/core"
)

// Dispatch runs one pass of the three-phase dispatch cycle (spec.md §4.4):
// first every timer whose deadline has elapsed, then every source queued
// by the backend's Poll or by a worker's cross-thread emit, then every
// idle still started. Each phase is allowed to start or stop sources that
// affect a later phase in the same pass; nothing started during phase 3
// runs again until the next Dispatch call. After phase 3, the earliest
// remaining timer deadline is re-armed (an idle callback may have armed or
// stopped a timer) and, if the backend has a producer-thread arrangement
// that needs a kick to resume waiting, PostDispatch is called.
func (l *Loop) Dispatch() {
	l.timerDrain()
	l.eventDrain()
	l.idleDrain()
	l.rearmDeadline()
	if pd, ok := l.backend.(backend.PostDispatcher); ok {
		_ = pd.PostDispatch()
	}
}

// rearmDeadline re-arms the backend's single deadline timer to the
// earliest remaining timer/ticker, or disarms it if none remain.
func (l *Loop) rearmDeadline() {
	if deadline, ok := l.timers.PeekDeadline(); ok {
		_ = l.backend.SetDeadline(deadline, true)
	} else {
		_ = l.backend.SetDeadline(0, false)
	}
}

// timerDrain implements phase 1: pop every timer/ticker whose deadline has
// elapsed as of now, dispatch it, and either stop it (one-shot Timer) or
// re-insert it at its next deadline (Ticker), then re-arm the backend
// deadline for whatever is now soonest.
func (l *Loop) timerDrain() {
	expired := l.timers.PopExpired(l.nowUs())
	for _, src := range expired {
		td := src.KindData.(*core.TimerData)
		src.Dispatch()
		l.observer.ObserveDispatch(src.Kind().String())

		if td.IsTicker {
			if src.StartedLoop() != l.coreLoop || td.HeapIndex() >= 0 {
				// Stopped (or stopped and restarted) from inside its own
				// callback: stopSource/startTimer already settled it.
				continue
			}
			// Advance from the deadline that just fired, not from now, so a
			// dispatch pass that runs late doesn't stretch the ticker's
			// period — a late pass instead produces a catch-up tick on the
			// next pass (spec.md §4.4).
			td.DeadlineUs += td.DurationUs
			l.timers.Insert(src)
		} else {
			_ = l.stopSource(src)
		}
	}
	l.rearmDeadline()
}

// eventDrain implements phase 2: pop everything the backend's Poll or a
// worker's cross-thread Emit queued, in FIFO order, dispatching each
// exactly once. A Work source is one-shot: once its done callback runs, it
// is removed from the started list here, on the dispatch thread, since the
// worker that emitted it must never touch that bookkeeping itself. An
// FdHandler started on an edge-triggered backend is re-armed via ModFd
// after every callback, since an edge-triggered engine only resurfaces a
// fd's readiness once per edge (spec.md §4.4, §4.7).
func (l *Loop) eventDrain() {
	edgeTriggered := l.backend.Capabilities()&backend.EdgeTriggered != 0
	depth := 0
	for {
		src := l.eventQ.Pop()
		if src == nil {
			break
		}
		depth++
		src.Dispatch()
		l.observer.ObserveDispatch(src.Kind().String())
		switch src.Kind() {
		case core.KindWork:
			_ = l.stopSource(src)
		case core.KindFdHandler:
			// Clear the coalesced readiness mask now that the callback has
			// observed it, re-arming the 0→nonzero transition Emit relies on.
			if fd, ok := src.KindData.(*core.FdData); ok {
				fd.Pending.Store(0)
				if edgeTriggered && fd.Loop.Load() != nil {
					_ = l.backend.ModFd(src, fd.Fd, fd.Mask)
				}
			}
		}
		src.Unref() // release the reference Emit took on enqueue
	}
	if depth > 0 {
		l.observer.ObserveQueueDepth(uint32(depth))
	}
}

// idleDrain implements phase 3: dispatch every idle still started, once
// per pass, in the order they were started. An idle started during phases
// 1 or 2 of this same pass participates, since it is already appended to
// l.idles by the time this phase begins. The phase walks a copy of the list
// taken when it begins: an idle started by a phase-3 callback waits for the
// next pass, and one stopped by an earlier idle's callback is skipped.
func (l *Loop) idleDrain() {
	idles := append([]*core.Source(nil), l.idles...)
	for _, src := range idles {
		if src.StartedLoop() != l.coreLoop {
			continue
		}
		src.Dispatch()
		l.observer.ObserveDispatch(src.Kind().String())
	}
}
