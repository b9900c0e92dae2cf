// Package downstream implements the Downstream Registry (spec.md §4.3,
// §3 C4): the ifname -> {handle, lastState, lastError, isNcm} map, and the
// ensureStarted/ensureStopped/ensureUnwanted lifecycle. Type inference from
// an interface name reuses the sysfs-probe approach
// x-network/internal/netlink/watcher.go uses for isUsbInterface/
// isWifiInterface/isPhysicalInterface.
package downstream

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// ServingTracker is the subset of tracker.Tracker the registry needs, kept
// as an interface to avoid a downstream<->tracker import cycle (the
// dispatcher wires the concrete *tracker.Tracker in).
type ServingTracker interface {
	RemoveServing(handle ipserver.HandleID)
}

// MainSMNotifier is the subset of the Main State Machine the registry
// drives on IpServer state transitions (spec.md §4.3's contract with C6).
type MainSMNotifier interface {
	ServingActive(handle ipserver.HandleID, state ipserver.State)
	ServingInactive(handle ipserver.HandleID)
	ClearError(handle ipserver.HandleID)
}

// HandleFactory constructs a new IpServer handle for (ifname, type, isNcm).
// The dispatcher supplies the concrete constructor (normally
// ipserver.NewDnsmasqHandle); tests supply a fake.
type HandleFactory func(ifname string, typ parcel.TetheringType, isNcm bool) ipserver.Handle

// entry is the per-interface record (spec.md §3 D1-D3).
type entry struct {
	handle     ipserver.Handle
	lastState  ipserver.State
	lastError  parcel.ErrorCode
	isNcm      bool
	typ        parcel.TetheringType
	servingReq *request.Request
}

// Registry is the Downstream Registry (C4). Like Tracker, it is owned
// exclusively by the dispatcher's event-loop goroutine (spec.md §5).
type Registry struct {
	entries map[string]*entry
	byHandle map[ipserver.HandleID]string

	factory HandleFactory
	tracker ServingTracker
	sm      MainSMNotifier
	log     *slog.Logger

	onRequestEnable func(handle ipserver.HandleID, typ parcel.TetheringType, enable bool)
}

// New constructs a Registry. factory, tracker, and sm must be non-nil.
func New(factory HandleFactory, tracker ServingTracker, sm MainSMNotifier, log *slog.Logger) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		byHandle: make(map[ipserver.HandleID]string),
		factory:  factory,
		tracker:  tracker,
		sm:       sm,
		log:      log,
	}
}

// EnsureStartedForInterface infers ifname's tethering type from sysfs and
// starts an IpServer for it if one doesn't already exist (spec.md §4.3).
// Interfaces that don't match a tetherable type are a no-op with a log
// line, mirroring x-network/internal/netlink/watcher.go's treatment of
// uninteresting interfaces.
func (r *Registry) EnsureStartedForInterface(ctx context.Context, ifname string) {
	typ, isNcm, ok := inferType(ifname)
	if !ok {
		r.log.Debug("interface not tetherable, ignoring", "iface", ifname)
		return
	}
	r.EnsureStartedForType(ctx, ifname, typ, isNcm)
}

// EnsureStartedForType starts an IpServer for (ifname, typ) unless one is
// already registered (idempotent, per spec.md §8).
func (r *Registry) EnsureStartedForType(ctx context.Context, ifname string, typ parcel.TetheringType, isNcm bool) {
	if _, exists := r.entries[ifname]; exists {
		return
	}

	handle := r.factory(ifname, typ, isNcm)
	// D2: a freshly-inserted entry starts AVAILABLE, not UNAVAILABLE —
	// the registry considers the interface usable as soon as it is
	// registered, regardless of whether handle.Start itself calls back
	// synchronously to confirm it.
	e := &entry{handle: handle, lastState: ipserver.StateAvailable, isNcm: isNcm, typ: typ}
	r.entries[ifname] = e
	r.byHandle[handle.ID()] = ifname

	if err := handle.Start(ctx); err != nil {
		r.log.Warn("ip server start failed", "iface", ifname, "err", err)
	}
}

// EnsureStopped removes ifname's entry if present, drops its serving
// request, and stops the handle (spec.md §4.3, idempotent).
func (r *Registry) EnsureStopped(ctx context.Context, ifname string) {
	e, ok := r.entries[ifname]
	if !ok {
		return
	}
	delete(r.entries, ifname)
	delete(r.byHandle, e.handle.ID())

	r.tracker.RemoveServing(e.handle.ID())
	if err := e.handle.Stop(ctx); err != nil {
		r.log.Warn("ip server stop failed", "iface", ifname, "err", err)
	}
}

// EnsureUnwanted drops handle's serving request and asks it to gracefully
// tear down (spec.md §4.3), used when the core no longer wants a downstream
// serving but the interface itself may still exist (e.g. WiFi P2P group
// changed owner).
func (r *Registry) EnsureUnwanted(ctx context.Context, handle ipserver.HandleID) {
	r.tracker.RemoveServing(handle)
	if ifname, ok := r.byHandle[handle]; ok {
		if e := r.entries[ifname]; e != nil {
			e.handle.Unwanted(ctx)
		}
	}
}

// UpdateServingRequest records req as the request currently being served by
// handle, so Snapshot can report its owning UID and soft-AP configuration
// (spec.md §4.6's uid-or-privilege visibility rule). Called by
// internal/tethering.Service once a request is promoted to serving.
func (r *Registry) UpdateServingRequest(handle ipserver.HandleID, req request.Request) {
	ifname, ok := r.byHandle[handle]
	if !ok {
		return
	}
	if e, ok := r.entries[ifname]; ok {
		e.servingReq = &req
	}
}

// HandleFor returns the IpServer handle registered for ifname, if any.
func (r *Registry) HandleFor(ifname string) (ipserver.Handle, bool) {
	e, ok := r.entries[ifname]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// ResolveHandle looks a handle ID back up to its live IpServer handle,
// satisfying mainsm.HandleResolver — the Main State Machine keeps only the
// ID in its notify list (spec.md §9's weak back-edge) and asks the registry
// to resolve it whenever it needs to actually send a message.
func (r *Registry) ResolveHandle(id ipserver.HandleID) (ipserver.Handle, bool) {
	ifname, ok := r.byHandle[id]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[ifname]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// UpdateInterfaceState implements the ipserver.Listener contract described
// in spec.md §4.3: update the registry entry, then notify the Main State
// Machine of serving/non-serving transitions, with the stale-message guard
// ("if a different IpServer occupies the entry for the same ifname,
// ignore") handled by keying entries on the handle's own ID rather than the
// interface name at lookup time.
func (r *Registry) UpdateInterfaceState(handle ipserver.HandleID, state ipserver.State, lastErr parcel.ErrorCode) {
	ifname, ok := r.byHandle[handle]
	if !ok {
		// Stale message from an IpServer that has already been torn down
		// and replaced — spec.md §4.3's rapid-restart guard.
		return
	}
	e, ok := r.entries[ifname]
	if !ok || e.handle.ID() != handle {
		return
	}

	e.lastState = state
	e.lastError = lastErr

	if state.IsServing() {
		r.sm.ServingActive(handle, state)
	} else {
		r.sm.ServingInactive(handle)
		if lastErr != parcel.NoError {
			r.tracker.RemoveServing(handle)
		}
	}

	if lastErr == parcel.InternalError {
		r.sm.ClearError(handle)
	}
}

// UpdateLinkProperties implements the rest of the ipserver.Listener
// contract: purely informational from the registry's point of view (the
// Main State Machine is the one that cares about interface sets, and it
// reaches IpServers directly through SendMessage rather than through this
// callback), so it is logged at debug level and otherwise ignored.
func (r *Registry) UpdateLinkProperties(handle ipserver.HandleID, ifaceSet []string) {
	r.log.Debug("ip server link properties changed", "handle", handle, "ifaces", ifaceSet)
}

// DHCPLeasesChanged implements the ipserver.Listener contract. Lease
// accounting (exposing a tethered-clients list) belongs to a richer
// IpServerHandle than the reference dnsmasq one this package ships, so this
// is a log-only stub future handles can hook real lease data into.
func (r *Registry) DHCPLeasesChanged(handle ipserver.HandleID) {
	r.log.Debug("ip server dhcp leases changed", "handle", handle)
}

// RequestEnableTethering implements the ipserver.Listener contract for the
// case where an IpServer itself observes that its link wants to start
// serving (e.g. a WiFi P2P group forming) before any Public API call
// arrived. The registry has no Tracker/Service context of its own to
// synthesize a request, so it forwards through onRequestEnable if the
// owner (internal/tethering.Service) installed one, and otherwise logs and
// drops the request.
func (r *Registry) RequestEnableTethering(handle ipserver.HandleID, typ parcel.TetheringType, enable bool) {
	if r.onRequestEnable != nil {
		r.onRequestEnable(handle, typ, enable)
		return
	}
	r.log.Warn("ip server requested enable tethering with no handler installed", "handle", handle, "type", typ, "enable", enable)
}

// SetRequestEnableHandler installs the callback RequestEnableTethering
// forwards to, wired by cmd/tetherd/main.go once internal/tethering.Service
// exists (avoiding an import cycle between downstream and tethering).
func (r *Registry) SetRequestEnableHandler(fn func(handle ipserver.HandleID, typ parcel.TetheringType, enable bool)) {
	r.onRequestEnable = fn
}

// ServingHandlesByType returns every registered ifname -> Handle pair whose
// entry currently reports typ, used by the Public API's stopTethering(type)
// to fan a single type-scoped stop out across every matching interface.
func (r *Registry) ServingHandlesByType(typ parcel.TetheringType) map[string]ipserver.Handle {
	out := make(map[string]ipserver.Handle)
	for ifname, e := range r.entries {
		if e.typ == typ {
			out[ifname] = e.handle
		}
	}
	return out
}

// InterfaceForHandle returns the ifname registered for handle, or "" if
// none.
func (r *Registry) InterfaceForHandle(handle ipserver.HandleID) string {
	return r.byHandle[handle]
}

// Snapshot builds the stable TetherStatesParcel spec.md §6 hands to
// observers, bucketing every registered interface by its last reported
// IpServer state.
func (r *Registry) Snapshot() parcel.TetherStatesParcel {
	out := parcel.TetherStatesParcel{LastError: make(map[string]parcel.ErrorCode)}
	for ifname, e := range r.entries {
		iface := parcel.TetheringInterface{InterfaceName: ifname, Type: e.typ}
		if e.servingReq != nil {
			iface.UID = e.servingReq.UID
			iface.SoftApConfig = e.servingReq.SoftApConfig
		}
		switch e.lastState {
		case ipserver.StateAvailable:
			out.Available = append(out.Available, iface)
		case ipserver.StateTethered:
			out.Tethered = append(out.Tethered, iface)
		case ipserver.StateLocalOnly:
			out.LocalOnly = append(out.LocalOnly, iface)
		}
		if e.lastError != parcel.NoError {
			out.Errored = append(out.Errored, iface)
			out.LastError[ifname] = e.lastError
		}
	}
	return out
}

// inferType classifies an interface with sysfs probes modeled on
// x-network/internal/netlink/watcher.go's, OR'd with these interface name
// patterns as a fallback.
var (
	wifiNameRe = regexp.MustCompile(`^(wlan|wlp|wl)[0-9]`)
	usbNameRe  = regexp.MustCompile(`^(usb|rndis|ncm)[0-9]`)
)

func inferType(ifname string) (typ parcel.TetheringType, isNcm bool, ok bool) {
	if ifname == "lo" {
		return 0, false, false
	}
	if isUsbInterface(ifname) || usbNameRe.MatchString(ifname) {
		return parcel.TypeUSB, strings.Contains(ifname, "ncm"), true
	}
	if isWifiInterface(ifname) || wifiNameRe.MatchString(ifname) {
		return parcel.TypeWifi, false, true
	}
	if isPhysicalInterface(ifname) {
		return parcel.TypeEthernet, false, true
	}
	return 0, false, false
}

func isUsbInterface(name string) bool {
	target, err := os.Readlink("/sys/class/net/" + name + "/device/subsystem")
	if err != nil {
		return false
	}
	return strings.HasSuffix(target, "/usb")
}

func isWifiInterface(name string) bool {
	_, err := os.Stat("/sys/class/net/" + name + "/wireless")
	return err == nil
}

func isPhysicalInterface(name string) bool {
	_, err := os.Stat("/sys/class/net/" + name + "/device")
	return err == nil
}
