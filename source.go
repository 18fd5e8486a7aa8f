package evloop

import "github.com/behrlich/go-evloop/internal/core"

// Source is the common handle every typed event source (FdHandler, Timer,
// Ticker, Signal, Work, Idle) embeds: reference counting, userdata, id
// lookup, and the per-loop start/stop state machine (spec.md §6).
type Source struct {
	core *core.Source
}

// Ref increments the reference count and returns the prior value.
func (s *Source) Ref() int64 { return s.core.Ref() }

// Unref decrements the reference count, finalizing the source when it
// reaches zero, and returns the new value.
func (s *Source) Unref() int64 { return s.core.Unref() }

// SetUserdata stores the user payload and an optional release callback, run
// exactly once at finalization.
func (s *Source) SetUserdata(data any, release func(any)) {
	s.core.SetUserdata(data, core.ReleaseFunc(release))
}

// GetUserdata returns the current user payload, or nil if unset.
func (s *Source) GetUserdata() any { return s.core.GetUserdata() }

// GetID returns the source's stable registry id.
func (s *Source) GetID() uint64 { return s.core.ID() }

// RefCount returns the current reference count.
func (s *Source) RefCount() int64 { return s.core.RefCount() }

// UpgradeSource resolves a weak id to a strong Source handle, or (nil,
// false) if the id is unknown or the source has already finalized
// (spec.md §4.1 try_upgrade). The caller owns the returned reference and
// must Unref it.
func UpgradeSource(id uint64) (*Source, bool) {
	src, ok := core.TryUpgrade(id)
	if !ok {
		return nil, false
	}
	return &Source{core: src}, true
}

// Start registers the source on l, invoking the kind-specific start action.
// Returns ErrCodeAlreadyStarted if the source is already a member of any
// loop's started list (spec.md §4.2).
func (s *Source) Start(l *Loop) error {
	return l.startSource(s.core)
}

// Stop removes the source from l's started list if present, invoking the
// kind-specific stop action. Idempotent: stopping a source that isn't
// started on l is a benign no-op (spec.md §4.2).
func (s *Source) Stop(l *Loop) error {
	return l.stopSource(s.core)
}

// IsStarted reports whether the source is currently started on l.
func (s *Source) IsStarted(l *Loop) bool {
	started := s.core.StartedLoop()
	return started != nil && started == l.coreLoop
}
