package epoll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/core"
)

type captureEmitter struct {
	got []emitted
}

type emitted struct {
	src     *core.Source
	revents core.EventMask
}

func (c *captureEmitter) Emit(src *core.Source, revents core.EventMask) {
	c.got = append(c.got, emitted{src, revents})
}

func TestEpollAddFdDeliversReadiness(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	src := core.NewSource(core.KindFdHandler, nil, &core.FdData{Fd: fds[0], Mask: core.Read})
	defer src.Unref()

	if err := b.AddFd(src, fds[0], core.Read); err != nil {
		t.Fatalf("AddFd: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	em := &captureEmitter{}
	n, err := b.Poll(time.Second, em)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered event, got %d", n)
	}
	if len(em.got) != 1 || em.got[0].src != src {
		t.Fatalf("expected readiness delivered for the registered source")
	}
	if em.got[0].revents&core.Read == 0 {
		t.Fatalf("expected Read bit set, got %v", em.got[0].revents)
	}
}

func TestEpollModFdChangesWatchedMask(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	src := core.NewSource(core.KindFdHandler, nil, &core.FdData{Fd: fds[1], Mask: core.Write})
	defer src.Unref()

	if err := b.AddFd(src, fds[1], core.Write); err != nil {
		t.Fatalf("AddFd: %v", err)
	}
	if err := b.ModFd(src, fds[1], 0); err != nil {
		t.Fatalf("ModFd: %v", err)
	}

	em := &captureEmitter{}
	n, err := b.Poll(50*time.Millisecond, em)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != -1 && n != 0 {
		t.Fatalf("expected no readiness after masking writability, got n=%d events=%v", n, em.got)
	}
}

func TestEpollDelFdStopsDelivery(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	src := core.NewSource(core.KindFdHandler, nil, &core.FdData{Fd: fds[0], Mask: core.Read})
	defer src.Unref()

	if err := b.AddFd(src, fds[0], core.Read); err != nil {
		t.Fatalf("AddFd: %v", err)
	}
	if err := b.DelFd(fds[0]); err != nil {
		t.Fatalf("DelFd: %v", err)
	}
	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	em := &captureEmitter{}
	n, _ := b.Poll(50*time.Millisecond, em)
	if n > 0 {
		t.Fatalf("expected no delivery after DelFd, got n=%d", n)
	}
}

func TestEpollSetDeadlineWakesPoll(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	var mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		t.Fatalf("ClockGettime: %v", err)
	}
	now := mono.Nano() / 1000
	if err := b.SetDeadline(now+20_000, true); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}

	em := &captureEmitter{}
	start := time.Now()
	if _, err := b.Poll(time.Second, em); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected poll to return promptly once the deadline armed, took %v", elapsed)
	}
}

func TestEpollInterruptUnblocksPoll(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	done := make(chan struct{})
	go func() {
		em := &captureEmitter{}
		b.Poll(-1, em)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Interrupt to unblock a pending Poll")
	}
}

func TestEpollClockIDIsMonotonic(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	if b.ClockID() != unix.CLOCK_MONOTONIC {
		t.Fatalf("expected CLOCK_MONOTONIC, got %d", b.ClockID())
	}
}
