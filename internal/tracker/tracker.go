// Package tracker implements the Request Tracker (spec.md §4.2): two lists,
// pending and serving, that deduplicate, fuzzy-match, and promote tethering
// requests. Tracker is called only from the dispatcher's event-loop
// goroutine (spec.md §5) — it does no internal locking, the same contract
// x-network/internal/state.Manager documents for its single onChange
// caller, except here the exclusivity is enforced by the dispatcher rather
// than a mutex.
package tracker

import (
	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// AddResult is the outcome of addPending (spec.md §4.2).
type AddResult int

const (
	ResultSuccess AddResult = iota
	// ResultDuplicateRestart: an equal-modulo-identity pending request of
	// the same type already exists. The caller must tear down and retry.
	ResultDuplicateRestart
	// ResultDuplicateError: a differing pending request of the same type
	// already exists. The caller rejects with DUPLICATE_REQUEST.
	ResultDuplicateError
)

// Tracker owns the pending list and the serving map (spec.md §3 C2).
type Tracker struct {
	pending []request.Request
	serving map[ipserver.HandleID]request.Request
	// servingOrder records promotion order so findFuzzyServing's
	// "earliest promoted" tie-break is well defined without depending on
	// Go map iteration order.
	servingOrder []ipserver.HandleID
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		serving: make(map[ipserver.HandleID]request.Request),
	}
}

// AddPending implements spec.md §4.2 addPending, preserving invariant P1
// (at most one pending entry per type).
func (t *Tracker) AddPending(newReq request.Request) AddResult {
	for i, existing := range t.pending {
		if existing.Type != newReq.Type {
			continue
		}
		if existing.EqualModuloIdentity(newReq) {
			t.pending[i] = newReq
			return ResultDuplicateRestart
		}
		return ResultDuplicateError
	}

	t.removePendingByType(newReq.Type)
	t.pending = append(t.pending, newReq)
	return ResultSuccess
}

// NextPending returns the first pending request of the given type, if any.
func (t *Tracker) NextPending(typ parcel.TetheringType) (request.Request, bool) {
	for _, r := range t.pending {
		if r.Type == typ {
			return r, true
		}
	}
	return request.Request{}, false
}

// GetOrCreatePending returns NextPending(typ), or a synthesized placeholder
// with default scope if none exists (spec.md §4.2, §8 scenario 3).
func (t *Tracker) GetOrCreatePending(typ parcel.TetheringType) request.Request {
	if r, ok := t.NextPending(typ); ok {
		return r
	}
	return request.Placeholder(typ)
}

// RemoveAllPending removes every pending request of the given type.
func (t *Tracker) RemoveAllPending(typ parcel.TetheringType) {
	t.removePendingByType(typ)
}

func (t *Tracker) removePendingByType(typ parcel.TetheringType) {
	kept := t.pending[:0]
	for _, r := range t.pending {
		if r.Type != typ {
			kept = append(kept, r)
		}
	}
	t.pending = kept
}

// removePendingExact removes a single pending entry that is
// equal-modulo-identity to req, used when a request is promoted to serving.
func (t *Tracker) removePendingExact(req request.Request) {
	for i, r := range t.pending {
		if r.Type == req.Type && r.EqualModuloIdentity(req) {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

// PromoteToServing inserts handle -> req into the serving map (spec.md
// §4.2 promoteToServing), removes the corresponding pending entry (spec.md
// §3 "Lifecycles"), and is idempotent on re-promotion of the same handle.
func (t *Tracker) PromoteToServing(handle ipserver.HandleID, req request.Request) {
	if _, exists := t.serving[handle]; !exists {
		t.servingOrder = append(t.servingOrder, handle)
	}
	t.serving[handle] = req
	t.removePendingExact(req)
}

// RemoveServing deletes handle's serving request, if any.
func (t *Tracker) RemoveServing(handle ipserver.HandleID) {
	if _, ok := t.serving[handle]; !ok {
		return
	}
	delete(t.serving, handle)
	for i, h := range t.servingOrder {
		if h == handle {
			t.servingOrder = append(t.servingOrder[:i], t.servingOrder[i+1:]...)
			break
		}
	}
}

// ServingRequest returns the request served by handle, if any.
func (t *Tracker) ServingRequest(handle ipserver.HandleID) (request.Request, bool) {
	r, ok := t.serving[handle]
	return r, ok
}

// FindFuzzyServing implements spec.md §4.2 findFuzzyServing: the
// earliest-promoted serving request fuzzy-matching req.
func (t *Tracker) FindFuzzyServing(req request.Request, requireUIDMatch bool) (ipserver.HandleID, request.Request, bool) {
	for _, handle := range t.servingOrder {
		served := t.serving[handle]
		if served.FuzzyMatches(req, requireUIDMatch) {
			return handle, served, true
		}
	}
	return ipserver.HandleID(0), request.Request{}, false
}

// PendingSnapshot returns a copy of the pending list, for tests and
// read-only introspection.
func (t *Tracker) PendingSnapshot() []request.Request {
	out := make([]request.Request, len(t.pending))
	copy(out, t.pending)
	return out
}

// ServingSnapshot returns a copy of the serving map, for tests and
// read-only introspection.
func (t *Tracker) ServingSnapshot() map[ipserver.HandleID]request.Request {
	out := make(map[ipserver.HandleID]request.Request, len(t.serving))
	for k, v := range t.serving {
		out[k] = v
	}
	return out
}
