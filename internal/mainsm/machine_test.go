package mainsm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethercore/tetherd/internal/caps"
	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
	"github.com/tethercore/tetherd/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNetd struct {
	forwardingEnabled  bool
	forwardingErr      error
	tetherStartErr     error
	tetherStopErr      error
	tetherStartCalls   int
	tetherStopCalls    int
}

func (n *fakeNetd) IPForwardingEnable(ctx context.Context, tag string) error {
	if n.forwardingErr != nil {
		return n.forwardingErr
	}
	n.forwardingEnabled = true
	return nil
}

func (n *fakeNetd) IPForwardingDisable(ctx context.Context, tag string) error {
	n.forwardingEnabled = false
	return nil
}

func (n *fakeNetd) TetherStart(ctx context.Context, usingLegacyDNSProxy bool, dhcpRanges []string) error {
	n.tetherStartCalls++
	return n.tetherStartErr
}

func (n *fakeNetd) TetherStop(ctx context.Context) error {
	n.tetherStopCalls++
	return n.tetherStopErr
}

func (n *fakeNetd) TetherDNSSet(ctx context.Context, netID string, dnsServers []string) error {
	return nil
}

type fakeSelector struct {
	candidate      *upstream.Candidate
	preferCellular bool
}

func (s *fakeSelector) Current(ctx context.Context) (*upstream.Candidate, error) { return s.candidate, nil }
func (s *fakeSelector) PreferCellular(prefer bool)                              { s.preferCellular = prefer }
func (s *fakeSelector) SetPreferTestNetworks(prefer bool)                       {}
func (s *fakeSelector) Notify(ch chan<- upstream.ChangeNotification)            {}

type fakeScheduler struct {
	scheduled int
	lastDelay time.Duration
}

func (s *fakeScheduler) ScheduleRetryUpstream(d time.Duration) {
	s.scheduled++
	s.lastDelay = d
}

type fakeObservers struct {
	statesNotified   int
	upstreamNotified []string
}

func (o *fakeObservers) NotifyStatesChanged()                  { o.statesNotified++ }
func (o *fakeObservers) NotifyUpstreamChanged(networkID string) { o.upstreamNotified = append(o.upstreamNotified, networkID) }

type fakeHandle struct {
	id       ipserver.HandleID
	messages []ipserver.MessageCode
}

func (h *fakeHandle) ID() ipserver.HandleID          { return h.id }
func (h *fakeHandle) InterfaceName() string          { return "fake0" }
func (h *fakeHandle) Start(ctx context.Context) error { return nil }
func (h *fakeHandle) Stop(ctx context.Context) error  { return nil }
func (h *fakeHandle) Enable(ctx context.Context, req request.Request) error { return nil }
func (h *fakeHandle) Unwanted(ctx context.Context)    {}
func (h *fakeHandle) SendMessage(code ipserver.MessageCode, payload any) {
	h.messages = append(h.messages, code)
}

type fakeResolver struct {
	handles map[ipserver.HandleID]*fakeHandle
}

func (r *fakeResolver) ResolveHandle(id ipserver.HandleID) (ipserver.Handle, bool) {
	h, ok := r.handles[id]
	return h, ok
}

func newTestMachine() (*Machine, *fakeNetd, *fakeSelector, *fakeObservers, *fakeResolver) {
	netd := &fakeNetd{}
	selector := &fakeSelector{}
	observers := &fakeObservers{}
	resolver := &fakeResolver{handles: make(map[ipserver.HandleID]*fakeHandle)}

	m := New(netd, selector, &fakeScheduler{}, &caps.SupportedTypes{}, clockwork.NewFakeClock(), parcel.TetheringConfigurationParcel{}, discardLogger())
	m.SetResolver(resolver)
	m.SetObservers(observers)
	return m, netd, selector, observers, resolver
}

func TestServingActiveEntersTetherModeAlive(t *testing.T) {
	m, netd, _, observers, resolver := newTestMachine()
	resolver.handles[1] = &fakeHandle{id: 1}

	m.ServingActive(1, ipserver.StateTethered)

	assert.Equal(t, TetherModeAlive, m.State())
	assert.True(t, netd.forwardingEnabled, "entering TetherModeAlive must enable kernel IP forwarding")
	assert.Equal(t, 1, netd.tetherStartCalls)
	assert.True(t, observers.statesNotified > 0)
}

func TestUpstreamFanOutReachesEveryNotifyListEntry(t *testing.T) {
	m, _, selector, _, resolver := newTestMachine()
	h1 := &fakeHandle{id: 1}
	h2 := &fakeHandle{id: 2}
	resolver.handles[1] = h1
	resolver.handles[2] = h2

	m.ServingActive(1, ipserver.StateTethered)
	m.ServingActive(2, ipserver.StateTethered)
	require.Equal(t, TetherModeAlive, m.State())

	selector.candidate = &upstream.Candidate{NetworkID: "wwan0", InterfaceName: "wwan0"}
	m.UpstreamChanged()

	// I7: every IpServer in notifyList receives exactly one
	// TETHER_CONNECTION_CHANGED per upstream re-evaluation.
	assert.Contains(t, h1.messages, ipserver.MsgTetherConnectionChanged)
	assert.Contains(t, h2.messages, ipserver.MsgTetherConnectionChanged)
}

func TestServingInactiveExitsTetherModeAliveWhenNotifyListEmpties(t *testing.T) {
	m, netd, _, _, resolver := newTestMachine()
	resolver.handles[1] = &fakeHandle{id: 1}

	m.ServingActive(1, ipserver.StateTethered)
	require.Equal(t, TetherModeAlive, m.State())

	m.ServingInactive(1)

	assert.Equal(t, Initial, m.State())
	assert.Equal(t, 1, netd.tetherStopCalls)
	assert.False(t, netd.forwardingEnabled)
}

func TestServingInactiveStaysAliveWhileOtherDownstreamsRemain(t *testing.T) {
	m, _, _, _, resolver := newTestMachine()
	resolver.handles[1] = &fakeHandle{id: 1}
	resolver.handles[2] = &fakeHandle{id: 2}

	m.ServingActive(1, ipserver.StateTethered)
	m.ServingActive(2, ipserver.StateTethered)
	m.ServingInactive(1)

	assert.Equal(t, TetherModeAlive, m.State(), "the machine stays alive while at least one downstream remains registered")
}

func TestClearErrorReturnsToInitial(t *testing.T) {
	m, netd, _, _, resolver := newTestMachine()
	resolver.handles[1] = &fakeHandle{id: 1}
	netd.forwardingErr = forcedForwardingErr

	m.ServingActive(1, ipserver.StateTethered)
	require.True(t, m.State().IsError())

	netd.forwardingErr = nil
	m.ClearError(1)
	assert.Equal(t, Initial, m.State())
}

func TestClearErrorIsNoOpOutsideErrorState(t *testing.T) {
	m, _, _, _, _ := newTestMachine()
	m.ClearError(1)
	assert.Equal(t, Initial, m.State())
}

func TestRetryUpstreamUsesConfiguredSettleTime(t *testing.T) {
	netd := &fakeNetd{}
	selector := &fakeSelector{}
	scheduler := &fakeScheduler{}
	observers := &fakeObservers{}
	resolver := &fakeResolver{handles: map[ipserver.HandleID]*fakeHandle{1: {id: 1}}}
	config := parcel.TetheringConfigurationParcel{SettleTime: 30}

	m := New(netd, selector, scheduler, &caps.SupportedTypes{}, clockwork.NewFakeClock(), config, discardLogger())
	m.SetResolver(resolver)
	m.SetObservers(observers)

	// Enter TetherModeAlive with a forwarded downstream so RetryUpstream's
	// upstreamWanted() guard passes; the selector has no candidate, so the
	// resulting chooseUpstream(tryCell=false) call schedules a retry.
	m.ServingActive(1, ipserver.StateTethered)
	m.RetryUpstream()

	require.Equal(t, 1, scheduler.scheduled)
	assert.Equal(t, 30*time.Second, scheduler.lastDelay)
}

func TestRetryUpstreamFallsBackToDefaultSettleTimeWhenUnconfigured(t *testing.T) {
	m, _, _, _, resolver := newTestMachine()
	scheduler := &fakeScheduler{}
	m.scheduler = scheduler
	resolver.handles[1] = &fakeHandle{id: 1}

	m.ServingActive(1, ipserver.StateTethered)
	m.RetryUpstream()

	require.Equal(t, 1, scheduler.scheduled)
	assert.Equal(t, DefaultSettleTime, scheduler.lastDelay)
}

var forcedForwardingErr = errForTest{}

type errForTest struct{}

func (errForTest) Error() string { return "forced failure" }
