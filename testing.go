package evloop

import (
	"sync"
	"time"

	"github.com/behrlich/go-evloop/internal/backend"
	"github.com/behrlich/go-evloop/internal/core"
)

// StubBackend is an in-memory backend.Backend for tests that don't need
// real kernel objects. It tracks every registration call for verification
// (the same call-counting idiom the teacher's MockBackend uses for
// ReadAt/WriteAt/Flush) and lets a test inject readiness or signal delivery
// directly, without a real fd or kernel signal ever crossing the boundary.
type StubBackend struct {
	mu sync.Mutex

	fds     map[int]*core.Source
	signals map[int]*core.Source
	pending []pendingEvent

	deadlineUs    int64
	deadlineArmed bool
	closed        bool

	addFdCalls, modFdCalls, delFdCalls      int
	addSignalCalls, delSignalCalls          int
	setDeadlineCalls, pollCalls, interruptN int

	interruptCh chan struct{}
}

type pendingEvent struct {
	src     *core.Source
	revents core.EventMask
}

// NewStubBackend returns an empty StubBackend ready for registration.
func NewStubBackend() *StubBackend {
	return &StubBackend{
		fds:         make(map[int]*core.Source),
		signals:     make(map[int]*core.Source),
		interruptCh: make(chan struct{}, 1),
	}
}

// ClockID reports an arbitrary stable value; the stub never reads a real
// clock, so there is nothing for it to identify beyond "some monotonic-like
// source".
func (b *StubBackend) ClockID() int32 { return 1 }

// Capabilities reports no optional capabilities (level-triggered).
func (b *StubBackend) Capabilities() backend.Capability { return 0 }

func (b *StubBackend) AddFd(src *core.Source, fd int, mask core.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addFdCalls++
	b.fds[fd] = src
	return nil
}

func (b *StubBackend) ModFd(src *core.Source, fd int, mask core.EventMask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modFdCalls++
	b.fds[fd] = src
	return nil
}

func (b *StubBackend) DelFd(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delFdCalls++
	delete(b.fds, fd)
	return nil
}

func (b *StubBackend) AddSignal(src *core.Source, signo int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addSignalCalls++
	b.signals[signo] = src
	return nil
}

func (b *StubBackend) DelSignal(signo int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delSignalCalls++
	delete(b.signals, signo)
	return nil
}

func (b *StubBackend) SetDeadline(absoluteUs int64, armed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setDeadlineCalls++
	b.deadlineUs = absoluteUs
	b.deadlineArmed = armed
	return nil
}

// InjectReadiness simulates the kernel observing fd become ready under
// revents; the event is delivered on the next Poll call (or immediately
// unblocks one already in progress).
func (b *StubBackend) InjectReadiness(fd int, revents core.EventMask) {
	b.mu.Lock()
	src, ok := b.fds[fd]
	if ok {
		b.pending = append(b.pending, pendingEvent{src, revents})
	}
	b.mu.Unlock()
	if ok {
		b.wake()
	}
}

// InjectSignal simulates delivery of signo.
func (b *StubBackend) InjectSignal(signo int) {
	b.mu.Lock()
	src, ok := b.signals[signo]
	if ok {
		b.pending = append(b.pending, pendingEvent{src, 0})
	}
	b.mu.Unlock()
	if ok {
		b.wake()
	}
}

func (b *StubBackend) wake() {
	select {
	case b.interruptCh <- struct{}{}:
	default:
	}
}

func (b *StubBackend) drainPendingLocked() []pendingEvent {
	p := b.pending
	b.pending = nil
	return p
}

func deliver(pending []pendingEvent, emitter backend.Emitter) int {
	for _, p := range pending {
		emitter.Emit(p.src, p.revents)
	}
	return len(pending)
}

// Poll delivers any injected events immediately; otherwise it blocks until
// InjectReadiness/InjectSignal/Interrupt wakes it or timeout elapses.
func (b *StubBackend) Poll(timeout time.Duration, emitter backend.Emitter) (int, error) {
	b.mu.Lock()
	b.pollCalls++
	pending := b.drainPendingLocked()
	b.mu.Unlock()
	if len(pending) > 0 {
		return deliver(pending, emitter), nil
	}

	if timeout == 0 {
		return 0, nil
	}
	if timeout < 0 {
		<-b.interruptCh
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-b.interruptCh:
		case <-timer.C:
			return -1, nil
		}
	}

	b.mu.Lock()
	pending = b.drainPendingLocked()
	b.mu.Unlock()
	return deliver(pending, emitter), nil
}

// Interrupt implements backend.Interrupter by waking any blocked Poll with
// no events to deliver.
func (b *StubBackend) Interrupt() error {
	b.mu.Lock()
	b.interruptN++
	b.mu.Unlock()
	b.wake()
	return nil
}

// ExitBackend implements backend.Exiter identically to Interrupt: the stub
// has no separate "exit" wakeup path.
func (b *StubBackend) ExitBackend() error { return b.Interrupt() }

// Close marks the stub closed (tests/diagnostics only; idempotent).
func (b *StubBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Testing utility methods, mirroring the teacher's MockBackend accessors.

// IsClosed reports whether Close has been called.
func (b *StubBackend) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// DeadlineArmed reports the most recent SetDeadline arm state.
func (b *StubBackend) DeadlineArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadlineArmed
}

// DeadlineUs reports the most recent SetDeadline absolute deadline.
func (b *StubBackend) DeadlineUs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadlineUs
}

// CallCounts returns how many times each registration method has been
// invoked, keyed the same way as the teacher's MockBackend.CallCounts.
func (b *StubBackend) CallCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"add_fd":       b.addFdCalls,
		"mod_fd":       b.modFdCalls,
		"del_fd":       b.delFdCalls,
		"add_signal":   b.addSignalCalls,
		"del_signal":   b.delSignalCalls,
		"set_deadline": b.setDeadlineCalls,
		"poll":         b.pollCalls,
		"interrupt":    b.interruptN,
	}
}

var (
	_ backend.Backend     = (*StubBackend)(nil)
	_ backend.Interrupter = (*StubBackend)(nil)
	_ backend.Exiter      = (*StubBackend)(nil)
)
