package evloop

import "github.com/behrlich/go-evloop/internal/core"

// FdHandlerFunc is invoked when a watched fd becomes ready under revents.
type FdHandlerFunc func(h *FdHandler, revents EventMask)

// FdHandler watches a file descriptor for readiness (spec.md §6
// "FdHandler-specific").
type FdHandler struct {
	Source
	fn FdHandlerFunc
}

// NewFdHandler creates an unstarted FdHandler watching fd under mask. The
// caller owns the returned reference.
func NewFdHandler(fd int, mask EventMask, fn FdHandlerFunc) *FdHandler {
	h := &FdHandler{fn: fn}
	data := &core.FdData{Fd: fd, Mask: mask}
	h.core = core.NewSource(core.KindFdHandler, h.dispatch, data)
	return h
}

func (h *FdHandler) dispatch(src *core.Source) {
	if h.fn == nil {
		return
	}
	fd := src.KindData.(*core.FdData)
	h.fn(h, EventMask(fd.Pending.Load()))
}

// GetFd returns the watched file descriptor.
func (h *FdHandler) GetFd() int {
	return h.core.KindData.(*core.FdData).Fd
}

// SetEventMask changes the watched mask, taking effect immediately: if the
// handler is currently started, the backend is re-armed via ModFd
// (spec.md §6).
func (h *FdHandler) SetEventMask(mask EventMask) error {
	fd := h.core.KindData.(*core.FdData)
	fd.Mask = mask
	if l := fd.Loop.Load(); l != nil {
		loop := loopByCoreLoop(l)
		if loop != nil {
			return loop.backend.ModFd(h.core, fd.Fd, mask)
		}
	}
	return nil
}

// GetEventMask returns the currently configured watch mask.
func (h *FdHandler) GetEventMask() EventMask {
	return h.core.KindData.(*core.FdData).Mask
}

// GetRevents returns the readiness bits accumulated since the last dispatch
// clear. Only meaningful from within, or immediately after, a dispatch pass.
func (h *FdHandler) GetRevents() EventMask {
	return EventMask(h.core.KindData.(*core.FdData).Pending.Load())
}
