package evloop

import (
	"sync/atomic"

	"github.com/behrlich/go-evloop/internal/core"
)

// WorkFn runs off the dispatch thread, on a pool worker. Its return value is
// handed to the DoneFunc, which runs back on the dispatch thread once the
// worker has finished (spec.md §4.6 "work round-trip").
type WorkFn func() any

// DoneFunc is invoked on the dispatch thread after fn completes.
type DoneFunc func(w *Work, result any)

// Work runs fn once on the thread pool and then emits its done callback on
// the dispatch thread (spec.md §6, §4.6). Stop is a no-op for an in-flight
// callback: the worker is allowed to complete, and the done callback may
// still fire (spec.md §4.2).
type Work struct {
	Source
	fn     WorkFn
	done   DoneFunc
	result atomic.Pointer[any]
}

// NewWork creates an unstarted Work source. fn runs off-thread once Start
// enqueues it on the loop's worker pool; done runs on the dispatch thread
// once fn returns.
func NewWork(fn WorkFn, done DoneFunc) *Work {
	w := &Work{fn: fn, done: done}
	data := &core.WorkData{}
	w.core = core.NewSource(core.KindWork, w.dispatch, data)
	data.Run = w.runOffThread
	return w
}

func (w *Work) dispatch(src *core.Source) {
	if w.done == nil {
		return
	}
	var result any
	if p := w.result.Load(); p != nil {
		result = *p
	}
	w.done(w, result)
}

func (w *Work) runOffThread() {
	var result any
	if w.fn != nil {
		result = w.fn()
	}
	w.result.Store(&result)
}
