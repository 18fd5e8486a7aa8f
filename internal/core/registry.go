package core

import (
	"sync"

	"github.com/behrlich/go-evloop/internal/logging"
)

// registry is the single global table mapping stable 64-bit ids to their
// Source. Every operation that can race with finalization (a worker thread
// or signal handler upgrading an id it was handed earlier) must go through
// try_upgrade so the lookup and the refcount bump happen under the same
// lock, the same shape the teacher uses for its control-plane calls that
// look up a device then mutate its state in one critical section.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Source
}

var globalRegistry = &registry{
	byID: make(map[uint64]*Source),
}

// assignID reserves a fresh, never-reused id for src and publishes it in
// the table. Id 0 is reserved (spec.md §3) and is never handed out.
func (r *registry) assignID(src *Source) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.nextID == 0 {
		// 64-bit wraparound is not a practical concern, but guard the
		// reserved-zero invariant unconditionally rather than assume it.
		r.nextID = 1
	}
	id := r.nextID
	r.byID[id] = src
	logging.Debug("registry assign_id", "id", id, "kind", src.Kind().String())
	return id
}

// unrefAndMaybeDrop decrements src's refcount and, if it reaches zero,
// removes src's id from the table in the very same critical section —
// the decrement and the drop_id must be one atomic step (spec.md §4.1,
// §5), otherwise a concurrent TryUpgrade could observe the id still
// present after the count hit zero, hand back a resurrected strong
// reference, and race Unref's finalize. Returns the refcount after the
// decrement and whether this call dropped the id.
func (r *registry) unrefAndMaybeDrop(src *Source) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := src.refcount.Add(-1)
	if n == 0 {
		delete(r.byID, src.id)
		logging.Debug("registry drop_id", "id", src.id, "kind", src.Kind().String())
	}
	return n, n == 0
}

// TryUpgrade looks up id and, if the source is still live, increments its
// refcount and returns it with ok=true. The lookup and the increment happen
// under the same lock as assignID/unrefAndMaybeDrop, so a concurrent finalize
// can never be observed half-applied: either the entry is still there and
// gets a strong ref, or it is gone and upgrade reports absent.
func TryUpgrade(id uint64) (src *Source, ok bool) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	s, found := globalRegistry.byID[id]
	if !found {
		return nil, false
	}
	s.refcount.Add(1)
	return s, true
}

// Lookup returns the source for id without affecting its refcount. Intended
// for diagnostics and tests only; production code should use TryUpgrade to
// avoid a use-after-finalize race.
func Lookup(id uint64) (src *Source, ok bool) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	s, found := globalRegistry.byID[id]
	return s, found
}

// Count returns the number of currently-registered sources (tests/metrics).
func Count() int {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	return len(globalRegistry.byID)
}
