package ipserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeListener struct {
	lastHandle HandleID
	lastState  State
	lastErr    parcel.ErrorCode
	linkProps  [][]string
}

func (l *fakeListener) UpdateInterfaceState(handle HandleID, state State, lastError parcel.ErrorCode) {
	l.lastHandle = handle
	l.lastState = state
	l.lastErr = lastError
}
func (l *fakeListener) UpdateLinkProperties(handle HandleID, ifaceSet []string) {
	l.linkProps = append(l.linkProps, ifaceSet)
}
func (l *fakeListener) DHCPLeasesChanged(handle HandleID)                                       {}
func (l *fakeListener) RequestEnableTethering(handle HandleID, typ parcel.TetheringType, enable bool) {}

type fakeSink struct {
	called bool
	msg    string
}

func (s *fakeSink) TerribleError(msg string, args ...any) {
	s.called = true
	s.msg = msg
}

func TestStartReportsAvailable(t *testing.T) {
	listener := &fakeListener{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), &fakeSink{})

	require.NoError(t, h.Start(context.Background()))

	assert.Equal(t, StateAvailable, listener.lastState)
	assert.Equal(t, h.ID(), listener.lastHandle)
}

func TestStopReportsUnavailable(t *testing.T) {
	listener := &fakeListener{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), &fakeSink{})
	h.Start(context.Background())

	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, StateUnavailable, listener.lastState)
}

func TestEnableReflectsDnsmasqOutcome(t *testing.T) {
	listener := &fakeListener{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), &fakeSink{})
	req := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")

	err := h.Enable(context.Background(), req)

	// dnsmasq may or may not be on PATH in the environment this test runs
	// in; either outcome is a valid pass as long as the reported state
	// matches what actually happened.
	if err != nil {
		assert.Equal(t, StateAvailable, listener.lastState)
		assert.Equal(t, parcel.InternalError, listener.lastErr)
	} else {
		assert.Equal(t, StateTethered, listener.lastState)
		assert.Equal(t, parcel.NoError, listener.lastErr)
	}
}

func TestEnableLocalScopeReportsLocalOnly(t *testing.T) {
	listener := &fakeListener{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), &fakeSink{})
	req := request.New(parcel.TypeWifi, parcel.ScopeLocal, 1000, "com.example")

	err := h.Enable(context.Background(), req)
	if err == nil {
		assert.Equal(t, StateLocalOnly, listener.lastState)
	}
}

func TestEnablePlaceholderFiresTerribleErrorMarker(t *testing.T) {
	listener := &fakeListener{}
	sink := &fakeSink{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), sink)

	// A placeholder request has no real caller behind it; I6 requires the
	// handle to still attempt to serve it, but flag the anomaly via the
	// telemetry sink rather than refusing the call.
	h.Enable(context.Background(), request.Placeholder(parcel.TypeWifi))

	assert.True(t, sink.called, "enabling on a placeholder request must fire the terrible-error marker")
}

func TestUnwantedFallsBackToAvailable(t *testing.T) {
	listener := &fakeListener{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), &fakeSink{})
	h.Start(context.Background())
	req := request.New(parcel.TypeWifi, parcel.ScopeGlobal, 1000, "com.example")
	h.Enable(context.Background(), req)

	h.Unwanted(context.Background())
	assert.Equal(t, StateAvailable, listener.lastState)
}

func TestSendMessageForwardsLinkProperties(t *testing.T) {
	listener := &fakeListener{}
	h := NewDnsmasqHandle("wlan0", parcel.TypeWifi, listener, discardLogger(), &fakeSink{})

	h.SendMessage(MsgTetherConnectionChanged, []string{"wlan0", "wwan0"})

	require.Len(t, listener.linkProps, 1)
	assert.Equal(t, []string{"wlan0", "wwan0"}, listener.linkProps[0])
}

func TestStateStringAndIsServing(t *testing.T) {
	assert.Equal(t, "TETHERED", StateTethered.String())
	assert.True(t, StateTethered.IsServing())
	assert.True(t, StateLocalOnly.IsServing())
	assert.False(t, StateAvailable.IsServing())
}
