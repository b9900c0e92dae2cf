// Package linkadapter implements the Link-Layer Adapters (spec.md §4.5, §3
// C5): the per-tethering-type glue between a TetheringRequest and the
// kernel/radio objects that actually bring an interface up. Each adapter
// turns "enable WIFI tethering with this SoftApConfiguration" into whatever
// that link type needs (D-Bus AP-mode calls, `ip link set` bring-up, a PAN
// proxy bind) and reports back either an interface name or one of the two
// internal pending sentinels (parcel.SoftApCallbackPending,
// parcel.BluetoothServicePending) when the answer arrives asynchronously.
package linkadapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// Result is what RequestEnable returns: either a ready interface name, or a
// pending sentinel meaning "a later callback will supply the interface".
type Result struct {
	InterfaceName string
	Pending       parcel.ErrorCode // NoError unless a sentinel
}

// Adapter is the per-link-type collaborator (spec.md §4.5).
type Adapter interface {
	Type() parcel.TetheringType
	RequestEnable(ctx context.Context, req request.Request) (Result, error)
	RequestDisable(ctx context.Context, ifaceName string) error
}

// ReadyCallback is how an adapter reports an asynchronous result once it
// resolves — the dispatcher posts it back onto the event loop so the
// Downstream Registry and Tracker see it under the same serialization
// guarantee as every other event (spec.md §5).
type ReadyCallback func(req request.Request, ifaceName string, err parcel.ErrorCode)

// Manager dispatches enable/disable calls to the adapter registered for a
// request's type, mirroring how x-network's dbus.Service methods pick
// between the IWD client and raw netlink calls depending on which subsystem
// owns the target interface.
type Manager struct {
	adapters map[parcel.TetheringType]Adapter
	log      *slog.Logger
}

// NewManager builds a Manager from a set of adapters, keyed by their own
// declared Type().
func NewManager(log *slog.Logger, adapters ...Adapter) *Manager {
	m := &Manager{adapters: make(map[parcel.TetheringType]Adapter), log: log}
	for _, a := range adapters {
		m.adapters[a.Type()] = a
	}
	return m
}

// RequestEnable dispatches to the adapter for req.Type, returning an error
// wrapping errUnsupportedType if none is registered.
func (m *Manager) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	a, ok := m.adapters[req.Type]
	if !ok {
		return Result{}, fmt.Errorf("tethering type %s: %w", req.Type, errUnsupportedType)
	}
	return a.RequestEnable(ctx, req)
}

// RequestDisable dispatches to the adapter for typ.
func (m *Manager) RequestDisable(ctx context.Context, typ parcel.TetheringType, ifaceName string) error {
	a, ok := m.adapters[typ]
	if !ok {
		return fmt.Errorf("tethering type %s: %w", typ, errUnsupportedType)
	}
	return a.RequestDisable(ctx, ifaceName)
}

var errUnsupportedType = fmt.Errorf("no adapter registered")
