// Package caps implements the single datum spec.md §5/§9 call out as
// visible outside the event-loop thread: the supported-types bitmap,
// stored with release/acquire semantics via atomic.Uint64.
package caps

import (
	"sync/atomic"

	"github.com/tethercore/tetherd/internal/parcel"
)

// SupportedTypes is a lock-free bitmap of TetheringType bits, safely
// readable from any goroutine while only ever written from the
// dispatcher's event-loop goroutine.
type SupportedTypes struct {
	bits atomic.Uint64
}

// Set performs a release store of the bitmap (spec.md §5: "stored with
// release/acquire semantics").
func (s *SupportedTypes) Set(types ...parcel.TetheringType) {
	var bits uint64
	for _, t := range types {
		bits |= 1 << uint(t)
	}
	s.bits.Store(bits)
}

// Clear sets the bitmap to zero — used when tethering is restricted
// (spec.md §7, §8 scenario 6).
func (s *SupportedTypes) Clear() {
	s.bits.Store(0)
}

// Load performs an acquire load of the bitmap, safe to call from any
// goroutine.
func (s *SupportedTypes) Load() uint64 {
	return s.bits.Load()
}

// Supports reports whether t's bit is set.
func (s *SupportedTypes) Supports(t parcel.TetheringType) bool {
	return s.bits.Load()&(1<<uint(t)) != 0
}
