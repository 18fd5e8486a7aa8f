package evloop

import "github.com/behrlich/go-evloop/internal/core"

// IdleFunc is invoked once per dispatch pass, phase 3, while the idle
// remains started.
type IdleFunc func(i *Idle)

// Idle runs its callback on every dispatch pass, phase 3, until stopped.
// Unlike timers, idles remain armed across passes (spec.md §4.4).
type Idle struct {
	Source
	fn IdleFunc
}

// NewIdle creates an unstarted Idle.
func NewIdle(fn IdleFunc) *Idle {
	i := &Idle{fn: fn}
	i.core = core.NewSource(core.KindIdle, i.dispatch, &core.IdleData{})
	return i
}

func (i *Idle) dispatch(src *core.Source) {
	if i.fn != nil {
		i.fn(i)
	}
}
