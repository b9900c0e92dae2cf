// Package callback implements the Callback Fan-out (spec.md §4.6, §3 C9):
// per-caller registered observers, each seeing a filtered snapshot of
// tethering state. The one-state-change-notifies-everyone shape is grounded
// on x-network/internal/dbus/service.go's onStateChange, which recomputes
// and re-emits a single PropertiesChanged signal on every state.Manager
// update; here that becomes one Registry.Broadcast call per observer, each
// filtered through that observer's own privilege.
package callback

import (
	"log/slog"

	"github.com/tethercore/tetherd/internal/parcel"
)

// Cookie identifies one registered callback; the D-Bus front door uses the
// sender's unique bus name.
type Cookie string

// Observer receives filtered state snapshots. Implementations must not
// block — the registry calls them synchronously from the dispatcher's event
// loop goroutine (spec.md §5), so a slow observer would stall the whole
// control plane. The D-Bus front door's implementation emits a signal on
// its bus connection directly from the call.
type Observer interface {
	OnTetherStatesChanged(parcel.TetherStatesParcel)
	OnUpstreamChanged(networkID string)
}

// registration is one (cookie, observer) pair plus the uid/privilege that
// gate what it is shown (spec.md §4.6: soft-AP configuration is visible to
// the request's own owning uid or to a system-privileged caller, nobody else).
type registration struct {
	observer        Observer
	systemPrivilege bool
	uid             int
}

// Registry is the C9 collaborator.
type Registry struct {
	regs map[Cookie]*registration
	log  *slog.Logger
}

// New constructs an empty Registry.
func New(log *slog.Logger) *Registry {
	return &Registry{regs: make(map[Cookie]*registration), log: log}
}

// Register adds a new observer under cookie, replacing any existing
// registration for the same cookie (spec.md §4.6 registerCallback is
// idempotent per-cookie).
func (r *Registry) Register(cookie Cookie, uid int, systemPrivilege bool, obs Observer) {
	r.regs[cookie] = &registration{observer: obs, systemPrivilege: systemPrivilege, uid: uid}
}

// Unregister drops cookie's registration, a no-op if absent.
func (r *Registry) Unregister(cookie Cookie) {
	delete(r.regs, cookie)
}

// Count returns the number of currently registered observers.
func (r *Registry) Count() int {
	return len(r.regs)
}

// BroadcastStates pushes a full states snapshot to every registered
// observer, each filtered to its own privilege (spec.md §4.6's
// privilege-scoped visibility rules). A non-system caller sees no soft-AP
// configuration on interfaces whose serving request it does not own.
func (r *Registry) BroadcastStates(full parcel.TetherStatesParcel) {
	for cookie, reg := range r.regs {
		filtered := filterStates(full, reg.uid, reg.systemPrivilege)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("callback observer panicked", "cookie", cookie, "panic", rec)
				}
			}()
			reg.observer.OnTetherStatesChanged(filtered)
		}()
	}
}

// BroadcastUpstream pushes an upstream-network-changed notification to
// every registered observer (no privilege filtering applies — the network
// ID alone carries no soft-AP secret).
func (r *Registry) BroadcastUpstream(networkID string) {
	for cookie, reg := range r.regs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("callback observer panicked", "cookie", cookie, "panic", rec)
				}
			}()
			reg.observer.OnUpstreamChanged(networkID)
		}()
	}
}

// filterStates drops the soft-AP configuration from every interface entry
// the caller doesn't own, per spec.md §4.6: a soft-AP config is visible iff
// cookie.uid == servingRequest.uid OR cookie.hasSystemPrivilege.
func filterStates(full parcel.TetherStatesParcel, uid int, systemPrivilege bool) parcel.TetherStatesParcel {
	if systemPrivilege {
		return full
	}
	return parcel.TetherStatesParcel{
		Available: redactAll(full.Available, uid),
		Tethered:  redactAll(full.Tethered, uid),
		LocalOnly: redactAll(full.LocalOnly, uid),
		Errored:   redactAll(full.Errored, uid),
		LastError: full.LastError,
	}
}

func redactAll(ifaces []parcel.TetheringInterface, uid int) []parcel.TetheringInterface {
	if ifaces == nil {
		return nil
	}
	out := make([]parcel.TetheringInterface, len(ifaces))
	for i, iface := range ifaces {
		out[i] = iface
		if iface.UID != uid {
			out[i].SoftApConfig = nil
		}
	}
	return out
}
