package evloop

import "github.com/behrlich/go-evloop/internal/core"

// EventMask encodes FdHandler readiness bits (spec.md §6): bit 0 = Read,
// bit 1 = Write, bit 2 = Out-of-band.
type EventMask = core.EventMask

// Event mask bits, re-exported from internal/core so callers never import
// the internal package directly.
const (
	Read      = core.Read
	Write     = core.Write
	OutOfBand = core.OutOfBand
)

const (
	// NoID is the reserved id meaning "no id" (spec.md §3/§6); GetID never
	// returns it for a live source.
	NoID uint64 = 0

	// PerCPU, passed to RequireWorkers, requests one worker per available
	// CPU rather than a fixed count.
	PerCPU = -1

	// Indefinite, passed to Poll, blocks until readiness, a deadline, or an
	// interrupt rather than returning after a fixed timeout.
	Indefinite = -1
)
