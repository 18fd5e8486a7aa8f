// Package backend defines the pluggable readiness-engine contract
// (spec.md §4.7) that concrete engines — epoll, io_uring, or a test stub —
// implement so the dispatcher never depends on kernel specifics directly.
package backend

import (
	"time"

	"github.com/behrlich/go-evloop/internal/core"
)

// Capability flags a backend advertises about its own notification model.
type Capability uint32

const (
	// EdgeTriggered instructs the dispatcher to re-arm an FdHandler via
	// ModFd on every drain, rather than relying on level-triggered
	// resubmission (spec.md §4.7).
	EdgeTriggered Capability = 1 << iota
)

// Emitter is the callback surface a backend uses to hand readiness,
// expired-by-the-kernel timers, or delivered signals back to the core.
// Implemented by the dispatcher/event queue; backends never touch
// core.Source directly beyond what Emit lets them do.
type Emitter interface {
	Emit(src *core.Source, revents core.EventMask)
}

// Backend is the contract every readiness engine must satisfy. A Backend
// instance is private per-loop state; construction and destruction are
// symmetric with the loop's own lifecycle (spec.md §4.3/§4.7).
type Backend interface {
	// ClockID identifies which clock this backend's deadlines are measured
	// against; CLOCK_MONOTONIC is preferred and is what both shipped
	// backends use.
	ClockID() int32

	// Capabilities reports this backend's advertised Capability flags.
	Capabilities() Capability

	// AddFd registers fd for readiness notification under mask, tagging
	// the notification with src so Poll can call Emitter.Emit(src, ...).
	AddFd(src *core.Source, fd int, mask core.EventMask) error

	// ModFd changes the watched mask for an already-registered fd. The core
	// has no DelFd+AddFd fallback: an error from ModFd (ErrUnsupported
	// included) is returned by FdHandler.SetEventMask and ignored by the
	// dispatcher's edge-triggered re-arm.
	ModFd(src *core.Source, fd int, mask core.EventMask) error

	// DelFd unregisters fd.
	DelFd(fd int) error

	// AddSignal arms delivery of signo as an event tagged with src.
	AddSignal(src *core.Source, signo int) error

	// DelSignal disarms signo.
	DelSignal(signo int) error

	// SetDeadline arms a single earliest-deadline timer, in absolute
	// microseconds on ClockID's clock, whose expiry causes a blocked Poll
	// to return. The dispatcher calls it with the timer set's minimum (or
	// disarms it if there is none) after its timer drain and again at the
	// end of every pass; starting a timer that becomes the earliest also
	// calls it.
	SetDeadline(absoluteUs int64, armed bool) error

	// Poll blocks until readiness, the armed deadline, or an interrupt,
	// calling emitter.Emit for each ready source. Returns the number of
	// readiness events surfaced, or -1 on timeout/signal. timeout < 0
	// blocks indefinitely; timeout == 0 polls without blocking.
	Poll(timeout time.Duration, emitter Emitter) (int, error)

	// Close destroys backend-private state. Called once, during loop
	// destruction, after every fd/signal has already been removed.
	Close() error
}

// Interrupter is an optional capability: backends that can natively wake a
// blocked Poll from another thread implement it. Backends that cannot
// (signaled via the core's self-pipe fallback) simply don't implement this
// interface; the core type-asserts for it.
type Interrupter interface {
	Interrupt() error
}

// Exiter is an optional capability used by Loop.Exit to unblock a poll that
// is blocked indefinitely so the dispatch loop can observe the exit flag.
type Exiter interface {
	ExitBackend() error
}

// PostDispatcher is an optional capability for backends with an internal
// producer-thread arrangement (e.g. a submission queue that needs a kick
// once the dispatcher has finished a pass) to resume waiting.
type PostDispatcher interface {
	PostDispatch() error
}

// FdExposer is an optional capability for backends whose readiness
// aggregation is itself backed by a file descriptor (epoll's own fd, an
// io_uring ring fd) suitable for composition into a foreign event loop.
type FdExposer interface {
	Fd() int
}
