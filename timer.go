package evloop

import "github.com/behrlich/go-evloop/internal/core"

// TimerFunc is invoked when a Timer or Ticker fires.
type TimerFunc func(t *Timer)

// Timer fires once, durationUs after it is started (spec.md §6
// "Timer/Ticker-specific"). A Ticker (see NewTicker) reuses this type and
// re-arms itself after every fire instead of stopping.
type Timer struct {
	Source
	fn       TimerFunc
	isTicker bool
}

// NewTimer creates an unstarted one-shot Timer that fires durationUs after
// Start. A zero duration is allowed: it fires on the very next dispatch
// pass after Start (spec.md §4.2).
func NewTimer(durationUs int64, fn TimerFunc) *Timer {
	t := &Timer{fn: fn}
	data := &core.TimerData{DurationUs: durationUs}
	t.core = core.NewSource(core.KindTimer, t.dispatch, data)
	return t
}

// NewTicker creates an unstarted Ticker that fires every durationUs after
// Start, repeating until stopped. A zero durationUs is a caller bug: it
// panics here, at construction, and starting a Ticker whose duration was
// later set to 0 panics too (spec.md §4.2, §7 fatal invariants).
func NewTicker(durationUs int64, fn TimerFunc) *Timer {
	if durationUs == 0 {
		panic("evloop: ticker duration must be non-zero")
	}
	t := &Timer{fn: fn, isTicker: true}
	data := &core.TimerData{DurationUs: durationUs, IsTicker: true}
	t.core = core.NewSource(core.KindTicker, t.dispatch, data)
	return t
}

func (t *Timer) dispatch(src *core.Source) {
	if t.fn != nil {
		t.fn(t)
	}
}

// SetDuration changes the fire interval. Undefined behavior if the source is
// currently started (spec.md §6); callers must Stop before changing it.
func (t *Timer) SetDuration(durationUs int64) {
	t.core.KindData.(*core.TimerData).DurationUs = durationUs
}

// IsTicker reports whether this source repeats after firing.
func (t *Timer) IsTicker() bool { return t.isTicker }
