package callback

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tethercore/tetherd/internal/parcel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeObserver struct {
	states     []parcel.TetherStatesParcel
	upstreamed []string
	panicOn    bool
}

func (f *fakeObserver) OnTetherStatesChanged(s parcel.TetherStatesParcel) {
	if f.panicOn {
		panic("boom")
	}
	f.states = append(f.states, s)
}

func (f *fakeObserver) OnUpstreamChanged(networkID string) {
	f.upstreamed = append(f.upstreamed, networkID)
}

func statesWithPassphrase(ownerUID int) parcel.TetherStatesParcel {
	return parcel.TetherStatesParcel{
		Tethered: []parcel.TetheringInterface{
			{Type: parcel.TypeWifi, InterfaceName: "wlan0", UID: ownerUID, SoftApConfig: &parcel.SoftApConfiguration{SSID: "home", Passphrase: "secret"}},
		},
	}
}

func TestBroadcastStatesRedactsForOtherUID(t *testing.T) {
	r := New(discardLogger())
	obs := &fakeObserver{}
	r.Register("cookie-1", 1000, false, obs)

	r.BroadcastStates(statesWithPassphrase(2000))

	assert.Len(t, obs.states, 1)
	assert.Nil(t, obs.states[0].Tethered[0].SoftApConfig)
	assert.Equal(t, "wlan0", obs.states[0].Tethered[0].InterfaceName, "non-soft-AP fields survive redaction")
}

func TestBroadcastStatesKeepsPassphraseForOwningUID(t *testing.T) {
	r := New(discardLogger())
	obs := &fakeObserver{}
	r.Register("cookie-1", 1000, false, obs)

	r.BroadcastStates(statesWithPassphrase(1000))

	assert.Equal(t, "secret", obs.states[0].Tethered[0].SoftApConfig.Passphrase, "the request's own owning uid sees its own passphrase even without system privilege")
}

func TestBroadcastStatesKeepsPassphraseForSystemCaller(t *testing.T) {
	r := New(discardLogger())
	obs := &fakeObserver{}
	r.Register("cookie-1", 0, true, obs)

	r.BroadcastStates(statesWithPassphrase(2000))

	assert.Equal(t, "secret", obs.states[0].Tethered[0].SoftApConfig.Passphrase, "system privilege sees every passphrase regardless of uid")
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := New(discardLogger())
	obs := &fakeObserver{}
	r.Register("cookie-1", 1000, false, obs)
	r.Unregister("cookie-1")

	r.BroadcastStates(statesWithPassphrase(1000))
	assert.Empty(t, obs.states)
	assert.Equal(t, 0, r.Count())
}

func TestBroadcastUpstreamReachesEveryObserver(t *testing.T) {
	r := New(discardLogger())
	a, b := &fakeObserver{}, &fakeObserver{}
	r.Register("a", 1000, false, a)
	r.Register("b", 2000, true, b)

	r.BroadcastUpstream("wwan0")

	assert.Equal(t, []string{"wwan0"}, a.upstreamed)
	assert.Equal(t, []string{"wwan0"}, b.upstreamed)
}

func TestBroadcastStatesRecoversFromPanickingObserver(t *testing.T) {
	r := New(discardLogger())
	bad := &fakeObserver{panicOn: true}
	good := &fakeObserver{}
	r.Register("bad", 1000, false, bad)
	r.Register("good", 1000, false, good)

	assert.NotPanics(t, func() {
		r.BroadcastStates(statesWithPassphrase(1000))
	})
	assert.Len(t, good.states, 1, "a panicking observer must not block delivery to the others")
}
