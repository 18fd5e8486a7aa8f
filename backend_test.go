package evloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) (*Loop, *StubBackend) {
	t.Helper()
	sb := NewStubBackend()
	l, err := New(WithBackend(sb))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, sb
}

func TestLoopRefCounting(t *testing.T) {
	l, _ := newTestLoop(t)
	if got := l.Ref(); got != 1 {
		t.Fatalf("Ref() = %d, want 1", got)
	}
	if got := l.Unref(); got != 1 {
		t.Fatalf("Unref() = %d, want 1", got)
	}
	if got := l.Unref(); got != 0 {
		t.Fatalf("Unref() = %d, want 0", got)
	}
}

func TestLoopTeardownClosesBackend(t *testing.T) {
	l, sb := newTestLoop(t)
	l.Unref()
	if !sb.IsClosed() {
		t.Error("backend not closed after loop reached refcount zero")
	}
}

func TestFdHandlerStartStopIdempotent(t *testing.T) {
	l, sb := newTestLoop(t)
	defer l.Unref()

	var got EventMask
	h := NewFdHandler(7, Read, func(_ *FdHandler, revents EventMask) { got = revents })
	if err := h.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(l); !IsCode(err, ErrCodeAlreadyStarted) {
		t.Fatalf("second Start() = %v, want ErrCodeAlreadyStarted", err)
	}

	sb.InjectReadiness(7, Read)
	if _, err := l.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	l.Dispatch()
	if got != Read {
		t.Fatalf("handler saw revents=%v, want Read", got)
	}

	if err := h.Stop(l); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(l); err != nil {
		t.Fatalf("second Stop() should be a no-op, got %v", err)
	}
	if sb.CallCounts()["del_fd"] != 1 {
		t.Fatalf("del_fd calls = %d, want 1", sb.CallCounts()["del_fd"])
	}
	h.Unref()
}

func TestOneShotTimerFiresOnce(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()

	var fires atomic.Int32
	tm := NewTimer(1, func(_ *Timer) { fires.Add(1) })
	if err := tm.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	l.Dispatch()
	l.Dispatch()
	if n := fires.Load(); n != 1 {
		t.Fatalf("one-shot timer fired %d times, want 1", n)
	}
	tm.Unref()
}

func TestZeroDurationTimerFiresImmediately(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()

	fired := make(chan struct{}, 1)
	tm := NewTimer(0, func(_ *Timer) { fired <- struct{}{} })
	if err := tm.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.Dispatch()
	select {
	case <-fired:
	default:
		t.Fatal("zero-duration timer did not fire on the next dispatch pass")
	}
	tm.Unref()
}

func TestTickerRepeats(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()

	var fires atomic.Int32
	tk := NewTicker(1, func(_ *Timer) { fires.Add(1) })
	if err := tk.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		l.Dispatch()
	}
	if n := fires.Load(); n < 2 {
		t.Fatalf("ticker fired %d times in 3 passes, want at least 2", n)
	}
	tk.Stop(l)
	tk.Unref()
}

func TestTickerZeroDurationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic constructing a zero-duration ticker")
		}
	}()
	NewTicker(0, func(_ *Timer) {})
}

func TestSignalDeliveryViaID(t *testing.T) {
	l, sb := newTestLoop(t)
	defer l.Unref()

	var got int
	s := NewSignal(2, func(sig *Signal) { got = sig.GetSigno() })
	if err := s.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sb.InjectSignal(2)
	if _, err := l.Poll(0); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	l.Dispatch()
	if got != 2 {
		t.Fatalf("signal callback saw signo=%d, want 2", got)
	}
	s.Stop(l)
	s.Unref()
}

func TestWorkRoundTrip(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()

	done := make(chan any, 1)
	w := NewWork(
		func() any { return 42 },
		func(_ *Work, result any) { done <- result },
	)
	if err := w.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.Poll(int64(5 * time.Millisecond / time.Microsecond))
		l.Dispatch()
		select {
		case result := <-done:
			if result != 42 {
				t.Fatalf("done callback got %v, want 42", result)
			}
			w.Unref()
			return
		default:
		}
	}
	t.Fatal("work done callback never fired")
}

func TestIdleRunsEveryPass(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()

	var count atomic.Int32
	idle := NewIdle(func(_ *Idle) { count.Add(1) })
	if err := idle.Start(l); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.Dispatch()
	l.Dispatch()
	l.Dispatch()
	if got := count.Load(); got != 3 {
		t.Fatalf("idle ran %d times over 3 passes, want 3", got)
	}
	idle.Stop(l)
	idle.Unref()
}

func TestInterruptFromAnotherThread(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		l.Interrupt()
	}()

	start := time.Now()
	n, err := l.Poll(Indefinite)
	wg.Wait()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Poll did not return promptly after Interrupt")
	}
	_ = n
}

func TestUpgradeSourceAfterFinalizeFails(t *testing.T) {
	h := NewFdHandler(9, Read, nil)
	id := h.GetID()
	h.Unref()
	if _, ok := UpgradeSource(id); ok {
		t.Fatal("UpgradeSource succeeded for a finalized id")
	}
}

func TestDefaultLoopIsPointerOnly(t *testing.T) {
	l, _ := newTestLoop(t)
	defer l.Unref()
	SetDefault(l)
	if GetDefault() != l {
		t.Fatal("GetDefault() did not return the loop set via SetDefault")
	}
	l.Ref()
	SetDefault(nil)
	if GetDefault() != nil {
		t.Fatal("GetDefault() should be nil after SetDefault(nil)")
	}
	l.Unref()
}
