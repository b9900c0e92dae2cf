package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

func TestAddPendingDedup(t *testing.T) {
	tr := New()
	a := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")

	assert.Equal(t, ResultSuccess, tr.AddPending(a))
	assert.Equal(t, ResultDuplicateRestart, tr.AddPending(a), "an equal-modulo-identity pending request restarts instead of erroring")

	differing := a
	differing.Scope = parcel.ScopeLocal
	assert.Equal(t, ResultDuplicateError, tr.AddPending(differing), "a differing pending request of the same type is rejected")
}

func TestAddPendingKeepsOtherTypes(t *testing.T) {
	tr := New()
	a := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	assert.Equal(t, ResultSuccess, tr.AddPending(a))

	b := request.New(parcel.TypeUSB, parcel.ScopeGlobal, 1000, "com.example")
	assert.Equal(t, ResultSuccess, tr.AddPending(b))
	assert.Len(t, tr.PendingSnapshot(), 2)
}

func TestGetOrCreatePendingSynthesizesPlaceholder(t *testing.T) {
	tr := New()
	r := tr.GetOrCreatePending(parcel.TypeUSB)
	assert.True(t, r.IsPlaceholder())

	real := request.New(parcel.TypeUSB, parcel.ScopeLocal, 1000, "com.example")
	tr.AddPending(real)
	assert.Equal(t, real, tr.GetOrCreatePending(parcel.TypeUSB))
}

func TestPromoteToServingRemovesPending(t *testing.T) {
	tr := New()
	req := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	tr.AddPending(req)

	tr.PromoteToServing(ipserver.HandleID(1), req)
	assert.Empty(t, tr.PendingSnapshot())

	served, ok := tr.ServingRequest(ipserver.HandleID(1))
	assert.True(t, ok)
	assert.Equal(t, req, served)
}

func TestPromoteToServingIsIdempotent(t *testing.T) {
	tr := New()
	req := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	tr.PromoteToServing(ipserver.HandleID(1), req)
	tr.PromoteToServing(ipserver.HandleID(1), req)

	snap := tr.ServingSnapshot()
	assert.Len(t, snap, 1)
}

func TestRemoveServing(t *testing.T) {
	tr := New()
	req := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	tr.PromoteToServing(ipserver.HandleID(1), req)

	tr.RemoveServing(ipserver.HandleID(1))
	_, ok := tr.ServingRequest(ipserver.HandleID(1))
	assert.False(t, ok)

	// Idempotent: removing again is a no-op, not a panic.
	tr.RemoveServing(ipserver.HandleID(1))
}

func TestFindFuzzyServingEarliestPromotedTieBreak(t *testing.T) {
	tr := New()
	first := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	second := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.other")

	tr.PromoteToServing(ipserver.HandleID(1), first)
	tr.PromoteToServing(ipserver.HandleID(2), second)

	stop := request.Request{Type: parcel.TypeWifi, UID: 1000}
	handle, served, ok := tr.FindFuzzyServing(stop, true)
	assert.True(t, ok)
	assert.Equal(t, ipserver.HandleID(1), handle, "the earliest-promoted match wins the tie")
	assert.Equal(t, first, served)
}

func TestFindFuzzyServingNoMatch(t *testing.T) {
	tr := New()
	_, _, ok := tr.FindFuzzyServing(request.Request{Type: parcel.TypeBluetooth}, false)
	assert.False(t, ok)
}
