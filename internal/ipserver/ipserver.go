// Package ipserver defines the IpServerHandle collaborator (spec.md §4,
// §6): the per-interface controller that actually speaks DHCP/RA/NDP-proxy
// to tethered peers. The protocol itself (DHCP lease management, RA
// advertisement, NAT/NDP proxying) is out of scope per spec.md §1 — this
// package is the interface boundary plus one reference implementation that
// shells out to dnsmasq, the way
// x-network/internal/netlink/watcher.go:runDHCPOnInterface and
// x-network/internal/dbus/methods.go:RequestUsbNetwork shell out to dhcpcd.
package ipserver

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
	"github.com/tethercore/tetherd/internal/telemetry"
)

// State mirrors spec.md §6's numeric encoding, preserved for wire
// compatibility with downstream broadcasts.
type State int

const (
	StateUnavailable State = 0
	StateAvailable   State = 1
	StateTethered    State = 2
	StateLocalOnly   State = 3
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateAvailable:
		return "AVAILABLE"
	case StateTethered:
		return "TETHERED"
	case StateLocalOnly:
		return "LOCAL_ONLY"
	default:
		return "UNKNOWN"
	}
}

// IsServing reports whether s is one of the two serving states (spec.md
// glossary "Serving states").
func (s State) IsServing() bool {
	return s == StateTethered || s == StateLocalOnly
}

// MessageCode enumerates the verbs the Main State Machine sends to an
// IpServer (spec.md §6).
type MessageCode int

const (
	MsgTetherConnectionChanged MessageCode = iota
	MsgIPForwardingEnableError
	MsgIPForwardingDisableError
	MsgStartTetheringError
	MsgStopTetheringError
	MsgSetDNSForwardersError
	MsgNotifyPrefixConflict
)

// HandleID is an opaque per-IpServer identifier. Per spec.md §9's design
// note on avoiding ownership cycles, the core never stores a live pointer
// back into itself on the handle's behalf; callbacks are correlated by this
// ID through a registry instead (see internal/downstream).
type HandleID uint64

var nextHandleID atomic.Uint64

func newHandleID() HandleID {
	return HandleID(nextHandleID.Add(1))
}

// Handle is the collaborator interface the core drives (spec.md §6).
type Handle interface {
	ID() HandleID
	InterfaceName() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Enable(ctx context.Context, req request.Request) error
	Unwanted(ctx context.Context)
	SendMessage(code MessageCode, payload any)
}

// Listener receives callbacks emitted by a Handle (spec.md §6). The core
// implements this and registers itself with each Handle it creates.
type Listener interface {
	UpdateInterfaceState(handle HandleID, state State, lastError parcel.ErrorCode)
	UpdateLinkProperties(handle HandleID, ifaceSet []string)
	DHCPLeasesChanged(handle HandleID)
	RequestEnableTethering(handle HandleID, typ parcel.TetheringType, enable bool)
}

// DnsmasqHandle is a reference Handle implementation driving dnsmasq for
// DHCP; it does no carrier detection. It is
// deliberately thin: full DHCP lease semantics, NAT, and NDP proxying are
// out of scope (spec.md §1).
type DnsmasqHandle struct {
	id       HandleID
	iface    string
	typ      parcel.TetheringType
	listener Listener
	log      *slog.Logger
	tel      telemetry.Sink

	state State
	cmd   *exec.Cmd
}

// NewDnsmasqHandle constructs a Handle for ifname, registering listener for
// state callbacks.
func NewDnsmasqHandle(ifname string, typ parcel.TetheringType, listener Listener, log *slog.Logger, tel telemetry.Sink) *DnsmasqHandle {
	return &DnsmasqHandle{
		id:       newHandleID(),
		iface:    ifname,
		typ:      typ,
		listener: listener,
		log:      log,
		tel:      tel,
		state:    StateUnavailable,
	}
}

func (h *DnsmasqHandle) ID() HandleID            { return h.id }
func (h *DnsmasqHandle) InterfaceName() string   { return h.iface }

// Start transitions the handle to AVAILABLE, matching spec.md §4.3's
// "lastState=AVAILABLE" on insert (D2).
func (h *DnsmasqHandle) Start(ctx context.Context) error {
	h.setState(StateAvailable, parcel.NoError)
	h.log.Info("ip server started", "iface", h.iface, "type", h.typ)
	return nil
}

// Stop tears the handle down unconditionally, emitting UNAVAILABLE.
func (h *DnsmasqHandle) Stop(ctx context.Context) error {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	h.setState(StateUnavailable, parcel.NoError)
	h.log.Info("ip server stopped", "iface", h.iface)
	return nil
}

// Enable starts serving req's scope on this interface: dnsmasq as a DHCP
// server, with the same arguments for GLOBAL and LOCAL scope and no RA.
// On success the handle reports TETHERED/LOCAL_ONLY via the listener.
//
// spec.md §9's Open Question about placeholder enables is preserved
// literally here: a placeholder request does not fail Enable, it is
// logged and a telemetry marker fires (I6).
func (h *DnsmasqHandle) Enable(ctx context.Context, req request.Request) error {
	if req.IsPlaceholder() {
		h.tel.TerribleError("ip server enabled with placeholder request", "iface", h.iface, "type", h.typ)
	}

	args := []string{
		"--no-daemon",
		"--interface=" + h.iface,
		"--bind-interfaces",
		"--dhcp-range=" + dhcpRangeFor(h.iface),
	}
	cmd := exec.CommandContext(ctx, "dnsmasq", args...)
	if err := cmd.Start(); err != nil {
		h.log.Warn("dnsmasq start failed, treating as available only", "iface", h.iface, "err", err)
		h.setState(StateAvailable, parcel.InternalError)
		return fmt.Errorf("starting dnsmasq on %s: %w", h.iface, err)
	}
	h.cmd = cmd

	if req.Scope == parcel.ScopeLocal {
		h.setState(StateLocalOnly, parcel.NoError)
	} else {
		h.setState(StateTethered, parcel.NoError)
	}
	return nil
}

// Unwanted asks the handle to relinquish serving gracefully, stopping
// dnsmasq and transitioning to AVAILABLE.
func (h *DnsmasqHandle) Unwanted(ctx context.Context) {
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
		h.cmd = nil
	}
	h.setState(StateAvailable, parcel.NoError)
}

// SendMessage implements the verbs the Main State Machine uses (spec.md
// §6). Most are purely informational from the handle's point of view.
func (h *DnsmasqHandle) SendMessage(code MessageCode, payload any) {
	switch code {
	case MsgTetherConnectionChanged:
		ifaces, _ := payload.([]string)
		h.listener.UpdateLinkProperties(h.id, ifaces)
	default:
		h.log.Debug("ip server received message", "iface", h.iface, "code", code)
	}
}

func (h *DnsmasqHandle) setState(s State, lastErr parcel.ErrorCode) {
	h.state = s
	h.listener.UpdateInterfaceState(h.id, s, lastErr)
}

// dhcpRangeFor returns the DHCP pool for ifname: the same fixed private /24
// range for every interface. TetheringConfigurationParcel.DhcpRanges is not
// consulted here.
func dhcpRangeFor(ifname string) string {
	return "192.168.42.10,192.168.42.250,12h"
}
