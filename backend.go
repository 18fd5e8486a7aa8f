// Package evloop implements a general-purpose, backend-agnostic event
// loop: a tagged-variant object registry, a timer set, a signal-safe event
// queue, a mutex+condvar worker pool, and a pluggable readiness-engine
// contract satisfied by the epoll and io_uring backends shipped alongside
// it.
package evloop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/backend"
	"github.com/behrlich/go-evloop/internal/backend/epoll"
	"github.com/behrlich/go-evloop/internal/core"
	"github.com/behrlich/go-evloop/internal/logging"
	"github.com/behrlich/go-evloop/internal/queue"
)

// Loop owns exactly one dispatch thread's worth of started sources, a
// timer set, an idle list, a signal-safe event queue, and a backend
// (spec.md §4.3). All of Loop's methods except Interrupt must be called
// from that single dispatch thread.
type Loop struct {
	regSrc   *core.Source // the loop's own registry entry; Ref/Unref drive lifecycle
	coreLoop *core.Loop   // stable back-reference handed to started sources

	backend backend.Backend

	started map[uint64]*core.Source // dispatch-thread only
	idles   []*core.Source          // dispatch-thread only
	timers  *queue.TimerSet
	eventQ  *queue.EventQueue

	pool *queue.Pool

	exitFlag bool

	selfPipeR, selfPipeW int
	selfPipeHandler      *FdHandler

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

var (
	defaultLoopMu sync.Mutex
	defaultLoop   *Loop

	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[*core.Loop]*Loop)
)

func registerLoop(l *Loop) {
	loopRegistryMu.Lock()
	loopRegistry[l.coreLoop] = l
	loopRegistryMu.Unlock()
}

func unregisterLoop(l *Loop) {
	loopRegistryMu.Lock()
	delete(loopRegistry, l.coreLoop)
	loopRegistryMu.Unlock()
}

func loopByCoreLoop(cl *core.Loop) *Loop {
	loopRegistryMu.Lock()
	defer loopRegistryMu.Unlock()
	return loopRegistry[cl]
}

// Option configures a Loop at construction time — backend swaps happen at
// composition time this way, matching spec.md §1's portability promise.
type Option func(*loopOptions)

type loopOptions struct {
	backend  backend.Backend
	logger   *logging.Logger
	observer Observer
}

// WithBackend overrides the default epoll backend. Use internal/backend/uring's
// constructor, a StubBackend, or any caller-supplied backend.Backend.
func WithBackend(b backend.Backend) Option {
	return func(o *loopOptions) { o.backend = b }
}

// WithLogger overrides the loop's logger (default: logging.Default()).
func WithLogger(l *logging.Logger) Option {
	return func(o *loopOptions) { o.logger = l }
}

// WithObserver overrides the loop's metrics observer (default: a
// MetricsObserver wrapping a fresh Metrics instance).
func WithObserver(obs Observer) Option {
	return func(o *loopOptions) { o.observer = obs }
}

// New constructs a Loop (spec.md §4.3): allocates the started list, timer
// set, event queue, and a global-id registry entry, then instantiates the
// backend. If the backend does not implement backend.Interrupter, a
// self-pipe is created and its read end registered as an internal
// FdHandler that drains it.
func New(opts ...Option) (*Loop, error) {
	var o loopOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}

	b := o.backend
	if b == nil {
		eb, err := epoll.New()
		if err != nil {
			return nil, WrapError("new", err)
		}
		b = eb
	}

	l := &Loop{
		backend: b,
		started:     make(map[uint64]*core.Source),
		timers:      queue.NewTimerSet(),
		eventQ:      queue.NewEventQueue(),
		metrics:     NewMetrics(),
		logger:      o.logger,
	}
	if o.observer != nil {
		l.observer = o.observer
	} else {
		l.observer = NewMetricsObserver(l.metrics)
	}

	l.regSrc = core.NewSource(core.KindLoop, nil, nil)
	l.coreLoop = &core.Loop{ID: l.regSrc.ID()}
	l.regSrc.SetUserdata(l, func(any) { l.teardown() })
	registerLoop(l)

	if _, ok := b.(backend.Interrupter); !ok {
		if err := l.setupSelfPipe(); err != nil {
			l.regSrc.Unref()
			return nil, WrapError("new", err)
		}
	}

	l.logger.Debug("loop created", "id", l.coreLoop.ID)
	return l, nil
}

func (l *Loop) setupSelfPipe() error {
	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	if err != nil {
		return err
	}
	l.selfPipeR, l.selfPipeW = fds[0], fds[1]

	h := NewFdHandler(fds[0], Read, func(_ *FdHandler, _ EventMask) {
		var buf [64]byte
		for {
			n, err := unix.Read(fds[0], buf[:])
			if n <= 0 || err != nil {
				break
			}
		}
	})
	h.SetUserdata(l, func(any) {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	if err := h.Start(l); err != nil {
		return err
	}
	l.selfPipeHandler = h
	return nil
}

// Ref increments the loop's own reference count and returns the prior
// value. A Loop is itself a registry-tracked object (spec.md §4.3).
func (l *Loop) Ref() int64 { return l.regSrc.Ref() }

// Unref decrements the loop's reference count; when it reaches zero the
// loop tears down every started source, releases the worker pool if ever
// acquired, closes the backend, and drains the event queue (spec.md §4.3
// destruction). Stopping the Loop itself through the generic per-source
// Stop entry point is a caller bug and is intentionally not exposed —
// Unref is the only teardown path.
func (l *Loop) Unref() int64 { return l.regSrc.Unref() }

// GetID returns the loop's own stable registry id.
func (l *Loop) GetID() uint64 { return l.coreLoop.ID }

func (l *Loop) teardown() {
	unregisterLoop(l)

	for id, src := range l.started {
		_ = l.stopSource(src)
		delete(l.started, id)
	}
	if l.selfPipeHandler != nil {
		l.selfPipeHandler.Unref()
		l.selfPipeHandler = nil
	}
	if l.pool != nil {
		l.pool.Release()
		l.pool = nil
	}
	_ = l.backend.Close()
	l.eventQ.Drain()
	l.metrics.Stop()
	l.logger.Debug("loop destroyed", "id", l.coreLoop.ID)
}

// SetDefault installs l as the process-wide default loop. This is a pure
// pointer assignment; it does not affect l's refcount (spec.md §4.3).
func SetDefault(l *Loop) {
	defaultLoopMu.Lock()
	defaultLoop = l
	defaultLoopMu.Unlock()
}

// GetDefault returns the process-wide default loop, or nil if none has been
// set.
func GetDefault() *Loop {
	defaultLoopMu.Lock()
	defer defaultLoopMu.Unlock()
	return defaultLoop
}

// RequireWorkers lazily acquires the process-global worker pool for this
// loop, starting it on first use. n == PerCPU (-1) means one worker per
// available CPU (spec.md §4.6).
func (l *Loop) RequireWorkers(n int) error {
	if l.pool != nil {
		return nil
	}
	l.pool = queue.AcquireGlobalPool(n)
	return nil
}

// GetFd delegates to the backend's optional readiness-aggregation
// descriptor, returning -1 if the backend doesn't expose one
// (spec.md §6).
func (l *Loop) GetFd() int {
	if fe, ok := l.backend.(backend.FdExposer); ok {
		return fe.Fd()
	}
	return -1
}

// Interrupt unblocks a Poll in progress on another thread, using the
// backend's native wakeup if it has one, otherwise the self-pipe.
func (l *Loop) Interrupt() {
	if it, ok := l.backend.(backend.Interrupter); ok {
		_ = it.Interrupt()
		return
	}
	if l.selfPipeW != 0 {
		var b [1]byte
		_, _ = unix.Write(l.selfPipeW, b[:])
	}
}

// Exit sets the run-loop exit flag and unblocks a Poll that may be blocked
// indefinitely, so Run observes it and returns (spec.md §4.4).
func (l *Loop) Exit() {
	l.exitFlag = true
	if ex, ok := l.backend.(backend.Exiter); ok {
		_ = ex.ExitBackend()
		return
	}
	l.Interrupt()
}

// Poll is a thin wrapper around the backend's poll, blocking up to
// timeoutUs microseconds (Indefinite/-1 blocks until readiness, a
// deadline, or an interrupt) and returning the number of readiness events
// surfaced, or -1 on timeout/signal (spec.md §4.4).
func (l *Loop) Poll(timeoutUs int64) (int, error) {
	var timeout time.Duration
	if timeoutUs < 0 {
		timeout = -1
	} else {
		timeout = time.Duration(timeoutUs) * time.Microsecond
	}
	return l.backend.Poll(timeout, l.eventQ)
}

// Run is while not exit: poll(-1); dispatch (spec.md §4.4).
func (l *Loop) Run() {
	for !l.exitFlag {
		_, _ = l.Poll(Indefinite)
		l.Dispatch()
	}
}

// startSource implements start(loop, src) from spec.md §4.2.
func (l *Loop) startSource(src *core.Source) error {
	if !src.TryMarkStarted(l.coreLoop) {
		return NewSourceError("start", src.ID(), ErrCodeAlreadyStarted, "source already started")
	}
	src.Ref()
	l.started[src.ID()] = src

	var err error
	switch src.Kind() {
	case core.KindFdHandler:
		err = l.startFd(src)
	case core.KindTimer, core.KindTicker:
		err = l.startTimer(src)
	case core.KindSignal:
		err = l.startSignal(src)
	case core.KindWork:
		err = l.startWork(src)
	case core.KindIdle:
		l.idles = append(l.idles, src)
	default:
		err = NewSourceError("start", src.ID(), ErrCodeInvalidArgument, "source kind cannot be started")
	}
	if err != nil {
		if _, stillStarted := l.started[src.ID()]; stillStarted {
			delete(l.started, src.ID())
			src.ClearStarted()
			src.Unref()
		}
		return err
	}
	return nil
}

// stopSource implements stop(loop, src) from spec.md §4.2: idempotent,
// acquiring an extra reference for the duration of the call.
func (l *Loop) stopSource(src *core.Source) error {
	src.Ref()
	defer src.Unref()

	if src.StartedLoop() != l.coreLoop {
		return nil
	}

	delete(l.started, src.ID())
	src.ClearStarted()
	src.Unref()

	switch src.Kind() {
	case core.KindFdHandler:
		return l.stopFd(src)
	case core.KindTimer, core.KindTicker:
		l.timers.Remove(src)
	case core.KindSignal:
		return l.stopSignal(src)
	case core.KindIdle:
		l.removeIdle(src)
	case core.KindWork:
		// no-op: the in-flight worker callback is allowed to complete and
		// its done callback may still be emitted (spec.md §4.2).
	}
	return nil
}

func (l *Loop) startFd(src *core.Source) error {
	fd := src.KindData.(*core.FdData)
	fd.Loop.Store(l.coreLoop)
	if err := l.backend.AddFd(src, fd.Fd, fd.Mask); err != nil {
		return WrapError("start", err)
	}
	return nil
}

func (l *Loop) stopFd(src *core.Source) error {
	fd := src.KindData.(*core.FdData)
	fd.Loop.Store(nil)
	if err := l.backend.DelFd(fd.Fd); err != nil {
		return WrapError("stop", err)
	}
	return nil
}

func (l *Loop) startTimer(src *core.Source) error {
	td := src.KindData.(*core.TimerData)
	if src.Kind() == core.KindTicker && td.DurationUs == 0 {
		panic("evloop: cannot start a zero-duration ticker")
	}
	if src.Kind() == core.KindTimer && td.DurationUs == 0 {
		// Fires once on the next dispatch pass instead of entering the
		// timer set (spec.md §4.2).
		delete(l.started, src.ID())
		src.ClearStarted()
		src.Unref()
		l.eventQ.Emit(src, 0)
		return nil
	}

	td.DeadlineUs = l.nowUs() + td.DurationUs
	l.timers.Insert(src)
	if deadline, ok := l.timers.PeekDeadline(); ok && deadline == td.DeadlineUs {
		if err := l.backend.SetDeadline(deadline, true); err != nil {
			return WrapError("start", err)
		}
	}
	return nil
}

func (l *Loop) startSignal(src *core.Source) error {
	sd := src.KindData.(*core.SignalData)
	if err := l.backend.AddSignal(src, sd.Signo); err != nil {
		return WrapError("start", err)
	}
	return nil
}

func (l *Loop) stopSignal(src *core.Source) error {
	sd := src.KindData.(*core.SignalData)
	if err := l.backend.DelSignal(sd.Signo); err != nil {
		return WrapError("stop", err)
	}
	return nil
}

// startWork implements the thread-pool enqueue half of spec.md §4.6: the
// worker runs the user function off-thread, then upgrades the loop id to a
// strong reference — if the loop is still live, it emits the work source
// into the signal-safe event queue (so its done callback runs on the
// dispatch thread during phase 2) and interrupts the loop so a blocked
// Poll unblocks and proceeds to Dispatch. The worker never touches l's
// dispatch-thread-only bookkeeping directly; eventDrain removes the work
// source from the started list once its done callback has run.
func (l *Loop) startWork(src *core.Source) error {
	if l.pool == nil {
		if err := l.RequireWorkers(PerCPU); err != nil {
			return err
		}
	}
	wd := src.KindData.(*core.WorkData)
	loopID := l.coreLoop.ID
	observer := l.observer

	l.pool.Enqueue(&queue.WorkItem{
		LoopID: loopID,
		WorkID: src.ID(),
		Fn: func() {
			start := time.Now()
			if wd.Run != nil {
				wd.Run()
			}
			latency := time.Since(start)
			observer.ObserveWork(uint64(latency.Nanoseconds()), true)

			if loopSrc, ok := core.TryUpgrade(loopID); ok {
				l.eventQ.Emit(src, 0)
				l.Interrupt()
				loopSrc.Unref()
			}
		},
	})
	return nil
}

func (l *Loop) removeIdle(src *core.Source) {
	for i, s := range l.idles {
		if s == src {
			l.idles = append(l.idles[:i], l.idles[i+1:]...)
			return
		}
	}
}

func (l *Loop) nowUs() int64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano() / 1000
}
