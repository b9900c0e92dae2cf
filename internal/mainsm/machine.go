// Package mainsm implements the Main Tethering State Machine (spec.md §4.4,
// §3 C6): forwarding + DNS + upstream selection. Per spec.md §9's design
// note, the source's deep inheritance hierarchy of state subclasses is
// replaced with a tagged variant — a state enum plus per-state data — and
// each event is a method on Machine that runs its effects (netd calls,
// handle messages, observer notifications) inline and switches the state
// tag through transitionTo. The event-dispatch shape (a switch over
// a small closed event set, calling into per-event handlers) is grounded on
// x-network/internal/iwd/client.go's handlePropertyChange ->
// handleStationChange/handleDeviceChange pattern.
package mainsm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/tethercore/tetherd/internal/caps"
	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/upstream"
)

// DefaultSettleTime is spec.md §4.4's RETRY_UPSTREAM delay, used when the
// configured parcel.TetheringConfigurationParcel.SettleTime is unset (zero),
// e.g. a Machine built directly in a test without going through
// internal/config's flag defaults.
const DefaultSettleTime = 10 * time.Second

// StateTag enumerates the Main State Machine's states (spec.md §4.4).
type StateTag int

const (
	Initial StateTag = iota
	TetherModeAlive
	SetIPForwardingEnabledError
	SetIPForwardingDisabledError
	StartTetheringError
	StopTetheringError
	SetDNSForwardersError
)

func (s StateTag) String() string {
	switch s {
	case Initial:
		return "Initial"
	case TetherModeAlive:
		return "TetherModeAlive"
	case SetIPForwardingEnabledError:
		return "SetIpForwardingEnabledError"
	case SetIPForwardingDisabledError:
		return "SetIpForwardingDisabledError"
	case StartTetheringError:
		return "StartTetheringError"
	case StopTetheringError:
		return "StopTetheringError"
	case SetDNSForwardersError:
		return "SetDnsForwardersError"
	default:
		return "Unknown"
	}
}

// IsError reports whether s is one of the five error states.
func (s StateTag) IsError() bool {
	switch s {
	case SetIPForwardingEnabledError, SetIPForwardingDisabledError, StartTetheringError, StopTetheringError, SetDNSForwardersError:
		return true
	default:
		return false
	}
}

// HandleResolver resolves a handle ID back to its live IpServer handle, the
// "weak back-edge" spec.md §9 calls for instead of a stored back-pointer.
type HandleResolver interface {
	ResolveHandle(id ipserver.HandleID) (ipserver.Handle, bool)
}

// Netd is the subset of internal/netd.Netd the Main State Machine drives.
type Netd interface {
	IPForwardingEnable(ctx context.Context, tag string) error
	IPForwardingDisable(ctx context.Context, tag string) error
	TetherStart(ctx context.Context, usingLegacyDNSProxy bool, dhcpRanges []string) error
	TetherStop(ctx context.Context) error
	TetherDNSSet(ctx context.Context, netID string, dnsServers []string) error
}

// Observers receives state-change notifications for the Callback Fan-out
// (C9) to republish as filtered snapshots.
type Observers interface {
	NotifyStatesChanged()
	NotifyUpstreamChanged(networkID string)
}

// RetryScheduler lets the Machine ask the dispatcher to re-deliver
// RetryUpstream after SettleTime, without the Machine needing direct access
// to the event loop. dispatcher.Loop.ScheduleRetryUpstream implements it.
type RetryScheduler interface {
	ScheduleRetryUpstream(d time.Duration)
}

// Machine is the Main Tethering State Machine (C6).
type Machine struct {
	state StateTag

	// notifyList is the ordered sequence of IpServers that have ever
	// requested serving and not yet been torn down (spec.md §3 M1).
	notifyList []ipserver.HandleID
	// forwardedDownstreams is the subset of notifyList currently in
	// TETHERED (spec.md §3).
	forwardedDownstreams map[ipserver.HandleID]bool

	currentUpstream *upstream.Candidate
	tryCellNext     bool

	config parcel.TetheringConfigurationParcel

	resolver  HandleResolver
	netd      Netd
	selector  upstream.Selector
	observers Observers
	scheduler RetryScheduler
	supported *caps.SupportedTypes
	clock     clockwork.Clock
	log       *slog.Logger

	enableBackoff backoff.BackOff
}

// New constructs a Machine in the Initial state. The Downstream Registry
// (HandleResolver) and the Public API (Observers) each need a reference
// back to the Machine to construct themselves, so resolver and observers
// are left nil here and must be supplied via SetResolver/SetObservers once
// the rest of the wiring exists (cmd/tetherd/main.go resolves the cycle
// this way rather than via an import cycle).
func New(netd Netd, selector upstream.Selector, scheduler RetryScheduler, supported *caps.SupportedTypes, clock clockwork.Clock, config parcel.TetheringConfigurationParcel, log *slog.Logger) *Machine {
	return &Machine{
		state:                Initial,
		forwardedDownstreams: make(map[ipserver.HandleID]bool),
		netd:                 netd,
		selector:             selector,
		scheduler:            scheduler,
		supported:            supported,
		clock:                clock,
		config:               config,
		log:                  log,
		enableBackoff:        backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2),
	}
}

// SetResolver installs the HandleResolver (normally *downstream.Registry)
// after both have been constructed.
func (m *Machine) SetResolver(resolver HandleResolver) { m.resolver = resolver }

// SetObservers installs the Observers (normally *tethering.Service) after
// both have been constructed.
func (m *Machine) SetObservers(observers Observers) { m.observers = observers }

// State returns the current state tag, for tests and introspection.
func (m *Machine) State() StateTag { return m.state }

// upstreamWanted reports spec.md §4.4's upstreamWanted() ≡
// forwardedDownstreams ≠ ∅.
func (m *Machine) upstreamWanted() bool {
	return len(m.forwardedDownstreams) > 0
}

// ServingActive implements the SERVING_ACTIVE event (spec.md §4.4) for
// both Initial and TetherModeAlive. It satisfies downstream.MainSMNotifier.
func (m *Machine) ServingActive(handle ipserver.HandleID, state ipserver.State) {
	ctx := context.Background()
	wasWanted := m.upstreamWanted()

	if !m.contains(handle) {
		m.notifyList = append(m.notifyList, handle)
	}
	if state == ipserver.StateTethered {
		m.forwardedDownstreams[handle] = true
	}

	switch m.state {
	case Initial:
		m.enterTetherModeAlive(ctx)
	case TetherModeAlive:
		m.pushUpstreamTo(ctx, handle)
		if !wasWanted && m.upstreamWanted() {
			m.chooseUpstream(ctx, true)
		}
	}
}

// ServingInactive implements the SERVING_INACTIVE event.
func (m *Machine) ServingInactive(handle ipserver.HandleID) {
	ctx := context.Background()
	wasWanted := m.upstreamWanted()
	m.removeFromNotifyList(handle)

	if m.state != TetherModeAlive {
		return
	}

	if len(m.notifyList) == 0 {
		m.exitTetherModeAlive(ctx)
		if err := m.netd.TetherStop(ctx); err != nil {
			m.enterErrorState(ctx, StopTetheringError)
			return
		}
		if err := m.netd.IPForwardingDisable(ctx, "tether"); err != nil {
			m.enterErrorState(ctx, SetIPForwardingDisabledError)
			return
		}
		m.transitionTo(Initial)
		return
	}

	if wasWanted && !m.upstreamWanted() {
		m.selector.PreferCellular(false)
	}
}

// ClearError implements the CLEAR_ERROR event: any error state returns to
// Initial.
func (m *Machine) ClearError(handle ipserver.HandleID) {
	if !m.state.IsError() {
		return
	}
	m.transitionTo(Initial)
}

// UpstreamChanged implements UPSTREAM_CHANGED.
func (m *Machine) UpstreamChanged() {
	ctx := context.Background()
	if m.state == TetherModeAlive && m.upstreamWanted() {
		m.chooseUpstream(ctx, true)
	}
}

// UpstreamPermissionChanged implements UPSTREAM_PERMISSION_CHANGED.
func (m *Machine) UpstreamPermissionChanged() {
	m.UpstreamChanged()
}

// RetryUpstream implements RETRY_UPSTREAM: alternate trying cellular and
// non-cellular (spec.md §4.4, §8 scenario 5).
func (m *Machine) RetryUpstream() {
	ctx := context.Background()
	if m.state != TetherModeAlive || !m.upstreamWanted() {
		return
	}
	m.chooseUpstream(ctx, m.tryCellNext)
	m.tryCellNext = !m.tryCellNext
}

// UpstreamCallback implements UPSTREAM_CALLBACK, dispatching on arg the way
// spec.md §4.4 describes ("DEFAULT_SWITCHED, ON_LINKPROPERTIES, ON_LOST").
func (m *Machine) UpstreamCallback(arg string, payload any) {
	ctx := context.Background()
	switch arg {
	case "DEFAULT_SWITCHED", "ON_LINKPROPERTIES":
		if m.state == TetherModeAlive && m.upstreamWanted() {
			m.chooseUpstream(ctx, true)
		}
	case "ON_LOST":
		m.currentUpstream = nil
		if m.state == TetherModeAlive && m.upstreamWanted() {
			m.chooseUpstream(ctx, false)
		}
	}
}

// IfaceUpdateLinkProperties implements IFACE_UPDATE_LINKPROPERTIES, which
// spec.md §4.4 defines as a no-op in Initial; in TetherModeAlive it is
// folded into upstream re-evaluation via UpstreamCallback's
// ON_LINKPROPERTIES case, so this is kept only for Initial's explicit
// ignore.
func (m *Machine) IfaceUpdateLinkProperties(state ipserver.State, lp []string) {
	if m.state == Initial {
		return
	}
}

// enterTetherModeAlive implements spec.md §4.4 "Entering TetherModeAlive".
func (m *Machine) enterTetherModeAlive(ctx context.Context) {
	err := backoff.Retry(func() error {
		return m.netd.IPForwardingEnable(ctx, "tether")
	}, m.enableBackoff)
	if err != nil {
		m.enterErrorState(ctx, StartTetheringError)
		return
	}

	ranges := m.config.DhcpRanges
	if !m.config.UsingLegacyDnsmasq {
		ranges = nil
	}
	err = backoff.Retry(func() error {
		if err := m.netd.TetherStart(ctx, m.config.UsingLegacyDnsmasq, ranges); err != nil {
			_ = m.netd.TetherStop(ctx)
			return err
		}
		return nil
	}, m.enableBackoff)
	if err != nil {
		m.enterErrorState(ctx, StartTetheringError)
		return
	}

	m.transitionTo(TetherModeAlive)
	m.refreshSupportedTypes()

	if m.upstreamWanted() {
		m.chooseUpstream(ctx, true)
	}
}

// exitTetherModeAlive implements spec.md §4.4 "Exiting TetherModeAlive":
// notify downstreams of null upstream, publish null upstream, clear
// forwardedDownstreams. Offload start/stop and upstream-observation
// start/stop are hardware-offload-coordinator concerns, out of scope per
// spec.md §1.
func (m *Machine) exitTetherModeAlive(ctx context.Context) {
	m.currentUpstream = nil
	m.pushUpstreamToAll(ctx, nil)
	m.observers.NotifyUpstreamChanged("")
	m.forwardedDownstreams = make(map[ipserver.HandleID]bool)
}

// settleTime returns the configured RETRY_UPSTREAM delay (internal/config's
// --settle-time flag, spec.md §4.4 SETTLE_TIME), falling back to
// DefaultSettleTime for a Machine built with a zero-value config.
func (m *Machine) settleTime() time.Duration {
	if m.config.SettleTime <= 0 {
		return DefaultSettleTime
	}
	return time.Duration(m.config.SettleTime) * time.Second
}

// chooseUpstream implements spec.md §4.4's chooseUpstream(tryCell),
// required to be idempotent for identical inputs.
func (m *Machine) chooseUpstream(ctx context.Context, tryCell bool) {
	m.selector.PreferCellular(tryCell)

	candidate, err := m.selector.Current(ctx)
	if err != nil {
		m.log.Warn("upstream selector lookup failed", "err", err)
		candidate = nil
	}

	if candidate == nil {
		if !tryCell {
			m.scheduler.ScheduleRetryUpstream(m.settleTime())
		}
		m.currentUpstream = nil
		m.observers.NotifyUpstreamChanged("")
		return
	}

	m.currentUpstream = candidate

	dns := candidate.DNSServers
	if len(dns) == 0 {
		dns = m.config.DefaultDnsServers
	}
	if err := m.netd.TetherDNSSet(ctx, candidate.NetworkID, dns); err != nil {
		m.enterErrorState(ctx, SetDNSForwardersError)
		return
	}

	ifaceSet := append([]string{candidate.InterfaceName}, candidate.StackedInterfaces...)
	m.pushUpstreamToAll(ctx, ifaceSet)
	m.observers.NotifyUpstreamChanged(candidate.NetworkID)
}

// pushUpstreamToAll sends TETHER_CONNECTION_CHANGED to every IpServer in
// notifyList, satisfying I7 ("every IpServer in notifyList receives exactly
// one TETHER_CONNECTION_CHANGED before the next event is processed" — true
// here because the dispatcher serializes events and this loop runs to
// completion before returning). ifaceSet is unused by the push itself
// (pushUpstreamTo derives it from m.currentUpstream, which the caller has
// already updated); it documents the value being fanned out.
func (m *Machine) pushUpstreamToAll(ctx context.Context, ifaceSet []string) {
	for _, h := range m.notifyList {
		m.pushUpstreamTo(ctx, h)
	}
}

func (m *Machine) pushUpstreamTo(ctx context.Context, handle ipserver.HandleID) {
	h, ok := m.resolver.ResolveHandle(handle)
	if !ok {
		return
	}
	var ifaceSet []string
	if m.currentUpstream != nil {
		ifaceSet = append([]string{m.currentUpstream.InterfaceName}, m.currentUpstream.StackedInterfaces...)
	}
	h.SendMessage(ipserver.MsgTetherConnectionChanged, ifaceSet)
}

// enterErrorState implements spec.md §4.4's error-state entry: broadcast
// the error to every IpServer in notifyList, attempt best-effort cleanup.
func (m *Machine) enterErrorState(ctx context.Context, target StateTag) {
	m.transitionTo(target)

	code := errorCodeFor(target)
	for _, h := range m.notifyList {
		if handle, ok := m.resolver.ResolveHandle(h); ok {
			handle.SendMessage(messageCodeFor(target), code)
		}
	}

	_ = m.netd.IPForwardingDisable(ctx, "tether-error-cleanup")
	_ = m.netd.TetherStop(ctx)
}

func errorCodeFor(s StateTag) parcel.ErrorCode {
	if s.IsError() {
		return parcel.InternalError
	}
	return parcel.NoError
}

func messageCodeFor(s StateTag) ipserver.MessageCode {
	switch s {
	case SetIPForwardingEnabledError:
		return ipserver.MsgIPForwardingEnableError
	case SetIPForwardingDisabledError:
		return ipserver.MsgIPForwardingDisableError
	case StartTetheringError:
		return ipserver.MsgStartTetheringError
	case StopTetheringError:
		return ipserver.MsgStopTetheringError
	case SetDNSForwardersError:
		return ipserver.MsgSetDNSForwardersError
	default:
		return ipserver.MsgTetherConnectionChanged
	}
}

func (m *Machine) transitionTo(s StateTag) {
	m.log.Info("main state machine transition", "from", m.state, "to", s)
	m.state = s
	m.observers.NotifyStatesChanged()
}

func (m *Machine) contains(handle ipserver.HandleID) bool {
	for _, h := range m.notifyList {
		if h == handle {
			return true
		}
	}
	return false
}

func (m *Machine) removeFromNotifyList(handle ipserver.HandleID) {
	for i, h := range m.notifyList {
		if h == handle {
			m.notifyList = append(m.notifyList[:i], m.notifyList[i+1:]...)
			break
		}
	}
	delete(m.forwardedDownstreams, handle)
}

// refreshSupportedTypes sets the atomic supported-types bitmap to the fixed
// list of all seven tethering types; it does not look at the notify list
// or at per-link-type availability (WiFi radio present, USB gadget mode
// supported, etc.). Nothing in this package clears the bitmap to 0.
func (m *Machine) refreshSupportedTypes() {
	m.supported.Set(parcel.TypeWifi, parcel.TypeWifiP2P, parcel.TypeUSB, parcel.TypeNCM, parcel.TypeBluetooth, parcel.TypeEthernet, parcel.TypeVirtual)
}
