package downstream

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHandle struct {
	id         ipserver.HandleID
	iface      string
	startCalls int
	stopCalls  int
}

func (h *fakeHandle) ID() ipserver.HandleID                                { return h.id }
func (h *fakeHandle) InterfaceName() string                                { return h.iface }
func (h *fakeHandle) Start(ctx context.Context) error                      { h.startCalls++; return nil }
func (h *fakeHandle) Stop(ctx context.Context) error                       { h.stopCalls++; return nil }
func (h *fakeHandle) Enable(ctx context.Context, req request.Request) error { return nil }
func (h *fakeHandle) Unwanted(ctx context.Context)                         {}
func (h *fakeHandle) SendMessage(code ipserver.MessageCode, payload any)   {}

type fakeTracker struct {
	removed []ipserver.HandleID
}

func (t *fakeTracker) RemoveServing(handle ipserver.HandleID) { t.removed = append(t.removed, handle) }

type fakeSM struct {
	active   []ipserver.HandleID
	inactive []ipserver.HandleID
	cleared  []ipserver.HandleID
}

func (s *fakeSM) ServingActive(handle ipserver.HandleID, state ipserver.State) {
	s.active = append(s.active, handle)
}
func (s *fakeSM) ServingInactive(handle ipserver.HandleID) { s.inactive = append(s.inactive, handle) }
func (s *fakeSM) ClearError(handle ipserver.HandleID)      { s.cleared = append(s.cleared, handle) }

var nextID ipserver.HandleID

func newFactory() (HandleFactory, map[string]*fakeHandle) {
	handles := make(map[string]*fakeHandle)
	factory := func(ifname string, typ parcel.TetheringType, isNcm bool) ipserver.Handle {
		nextID++
		h := &fakeHandle{id: nextID, iface: ifname}
		handles[ifname] = h
		return h
	}
	return factory, handles
}

func TestEnsureStartedForTypeIsIdempotent(t *testing.T) {
	factory, handles := newFactory()
	tr := &fakeTracker{}
	sm := &fakeSM{}
	r := New(factory, tr, sm, discardLogger())

	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)

	assert.Equal(t, 1, handles["wlan0"].startCalls, "a second EnsureStartedForType for the same interface must not construct a new handle")
}

func TestEnsureStoppedIsIdempotent(t *testing.T) {
	factory, handles := newFactory()
	tr := &fakeTracker{}
	sm := &fakeSM{}
	r := New(factory, tr, sm, discardLogger())

	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)
	r.EnsureStopped(context.Background(), "wlan0")
	r.EnsureStopped(context.Background(), "wlan0")

	assert.Equal(t, 1, handles["wlan0"].stopCalls, "stopping an already-removed interface must be a no-op")
	_, ok := r.HandleFor("wlan0")
	assert.False(t, ok)
}

func TestUpdateInterfaceStateNotifiesMainSM(t *testing.T) {
	factory, _ := newFactory()
	tr := &fakeTracker{}
	sm := &fakeSM{}
	r := New(factory, tr, sm, discardLogger())
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)

	handle, ok := r.HandleFor("wlan0")
	require.True(t, ok)

	r.UpdateInterfaceState(handle.ID(), ipserver.StateTethered, parcel.NoError)
	assert.Contains(t, sm.active, handle.ID())

	r.UpdateInterfaceState(handle.ID(), ipserver.StateAvailable, parcel.NoError)
	assert.Contains(t, sm.inactive, handle.ID())
}

func TestUpdateInterfaceStateIgnoresStaleHandle(t *testing.T) {
	factory, _ := newFactory()
	tr := &fakeTracker{}
	sm := &fakeSM{}
	r := New(factory, tr, sm, discardLogger())
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)

	handle, ok := r.HandleFor("wlan0")
	require.True(t, ok)
	r.EnsureStopped(context.Background(), "wlan0")

	r.UpdateInterfaceState(handle.ID(), ipserver.StateTethered, parcel.NoError)
	assert.Empty(t, sm.active, "an update for a torn-down handle must be dropped, not routed to the state machine")
}

func TestResolveHandleRoundTrips(t *testing.T) {
	factory, _ := newFactory()
	r := New(factory, &fakeTracker{}, &fakeSM{}, discardLogger())
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)

	handle, ok := r.HandleFor("wlan0")
	require.True(t, ok)

	resolved, ok := r.ResolveHandle(handle.ID())
	assert.True(t, ok)
	assert.Equal(t, handle, resolved)
}

func TestSnapshotBucketsByState(t *testing.T) {
	factory, _ := newFactory()
	r := New(factory, &fakeTracker{}, &fakeSM{}, discardLogger())
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)
	r.EnsureStartedForType(context.Background(), "usb0", parcel.TypeUSB, false)

	h1, _ := r.HandleFor("wlan0")
	h2, _ := r.HandleFor("usb0")
	r.UpdateInterfaceState(h1.ID(), ipserver.StateTethered, parcel.NoError)
	r.UpdateInterfaceState(h2.ID(), ipserver.StateAvailable, parcel.InternalError)

	snap := r.Snapshot()
	require.Len(t, snap.Tethered, 1)
	assert.Equal(t, "wlan0", snap.Tethered[0].InterfaceName)
	require.Len(t, snap.Errored, 1)
	assert.Equal(t, parcel.InternalError, snap.LastError["usb0"])
}

func TestSnapshotReportsOwningUIDAndSoftApConfig(t *testing.T) {
	factory, _ := newFactory()
	r := New(factory, &fakeTracker{}, &fakeSM{}, discardLogger())
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)

	handle, _ := r.HandleFor("wlan0")
	cfg := &parcel.SoftApConfiguration{SSID: "home", Passphrase: "secret"}
	req := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	req.SoftApConfig = cfg
	r.UpdateServingRequest(handle.ID(), req)
	r.UpdateInterfaceState(handle.ID(), ipserver.StateTethered, parcel.NoError)

	snap := r.Snapshot()
	require.Len(t, snap.Tethered, 1)
	assert.Equal(t, 1000, snap.Tethered[0].UID)
	assert.Equal(t, cfg, snap.Tethered[0].SoftApConfig)
}

func TestServingHandlesByType(t *testing.T) {
	factory, _ := newFactory()
	r := New(factory, &fakeTracker{}, &fakeSM{}, discardLogger())
	r.EnsureStartedForType(context.Background(), "wlan0", parcel.TypeWifi, false)
	r.EnsureStartedForType(context.Background(), "usb0", parcel.TypeUSB, false)

	wifiHandles := r.ServingHandlesByType(parcel.TypeWifi)
	assert.Len(t, wifiHandles, 1)
	assert.Contains(t, wifiHandles, "wlan0")
}
