package evloop

import "github.com/behrlich/go-evloop/internal/core"

// SignalFunc is invoked when the watched signal is delivered.
type SignalFunc func(s *Signal)

// Signal watches delivery of a single POSIX signal number (spec.md §6
// "Signal-specific").
type Signal struct {
	Source
	fn SignalFunc
}

// NewSignal creates an unstarted Signal watching signo.
func NewSignal(signo int, fn SignalFunc) *Signal {
	s := &Signal{fn: fn}
	data := &core.SignalData{Signo: signo}
	s.core = core.NewSource(core.KindSignal, s.dispatch, data)
	return s
}

func (s *Signal) dispatch(src *core.Source) {
	if s.fn != nil {
		s.fn(s)
	}
}

// GetSigno returns the watched signal number.
func (s *Signal) GetSigno() int {
	return s.core.KindData.(*core.SignalData).Signo
}
