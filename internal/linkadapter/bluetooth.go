package linkadapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/singleflight"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// ErrPanBindBusy is returned immediately by RequestEnable when a PAN bind
// is already in flight for a different caller, per spec.md §9 OQ2's
// single-pending-listener-slot decision: a second concurrent caller is
// rejected outright rather than silently collapsed into the first's
// eventual result.
var ErrPanBindBusy = errors.New("linkadapter: pan bind already in progress")

// bluezService/panIface name the BlueZ PAN NAP profile surface,
// following the same "name the D-Bus interface as a package const" style
// x-network/internal/iwd/client.go uses for IWDService/DeviceIface.
const (
	bluezService = "org.bluez"
	panIface     = "org.bluez.NetworkServer1"
)

// BluetoothAdapter implements PAN (NAP profile) tethering. Binding the NAP
// profile on the Bluetooth adapter is a one-time, shared setup step — every
// downstream PAN client rides the same bound profile — so the bind call
// runs on its own goroutine rather than the dispatcher's event-loop
// goroutine, and reports back through ReadyCallback the same way
// WifiAdapter's AP-mode start does. This is what makes a genuinely
// concurrent second RequestEnable possible in the first place: since
// internal/dispatcher/loop.go serializes every other job onto one
// goroutine, a bind call that blocked that goroutine synchronously (as a
// bare obj.Call would) could never actually overlap with a second caller's
// request. golang.org/x/sync/singleflight still collapses concurrent binds
// into one underlying D-Bus call, formalizing the bind-once rule that
// x-network/internal/iwd/client.go:maybeInitIWD's bare `initialized` bool
// only half-implements (it has no mechanism for a second caller to wait on
// the first's result).
type BluetoothAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	ready       ReadyCallback

	group singleflight.Group

	mu      sync.Mutex
	bound   bool
	pending *request.Request
}

// NewBluetoothAdapter constructs an adapter bound to the local Bluetooth
// adapter at adapterPath. ready is invoked once an in-flight bind resolves.
func NewBluetoothAdapter(conn *dbus.Conn, adapterPath dbus.ObjectPath, ready ReadyCallback) *BluetoothAdapter {
	return &BluetoothAdapter{conn: conn, adapterPath: adapterPath, ready: ready}
}

func (a *BluetoothAdapter) Type() parcel.TetheringType { return parcel.TypeBluetooth }

// RequestEnable binds the NAP profile if not already bound. Per spec.md §9
// OQ2's "single pending listener slot, not a queue" decision, a second
// caller arriving while a bind is already in flight is rejected outright
// with ErrPanBindBusy rather than being told to silently wait for a
// callback that would actually resolve the first caller's request.
func (a *BluetoothAdapter) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	a.mu.Lock()
	if a.bound {
		a.mu.Unlock()
		return Result{InterfaceName: "bnep0"}, nil
	}
	if a.pending != nil {
		a.mu.Unlock()
		return Result{}, ErrPanBindBusy
	}
	a.pending = &req
	a.mu.Unlock()

	go a.bindAsync(req)

	return Result{Pending: parcel.BluetoothServicePending}, nil
}

// bindAsync performs the actual NAP profile registration off the
// dispatcher's event-loop goroutine and reports the outcome through
// ReadyCallback, which the owner posts back onto the loop itself (spec.md
// §5's serialization guarantee is preserved on the receiving end even
// though the D-Bus call itself runs concurrently with it).
func (a *BluetoothAdapter) bindAsync(req request.Request) {
	_, err, _ := a.group.Do("bind-nap", func() (interface{}, error) {
		obj := a.conn.Object(bluezService, a.adapterPath)
		return nil, obj.Call(panIface+".Register", 0, "nap", "").Err
	})

	a.mu.Lock()
	a.pending = nil
	if err == nil {
		a.bound = true
	}
	a.mu.Unlock()

	if a.ready == nil {
		return
	}
	if err != nil {
		a.ready(req, "", parcel.InternalError)
		return
	}
	a.ready(req, "bnep0", parcel.NoError)
}

// RequestDisable unregisters the NAP profile, releasing it for the next
// bind.
func (a *BluetoothAdapter) RequestDisable(ctx context.Context, ifaceName string) error {
	a.mu.Lock()
	a.bound = false
	a.mu.Unlock()

	obj := a.conn.Object(bluezService, a.adapterPath)
	if err := obj.Call(panIface+".Unregister", 0, "nap").Err; err != nil {
		return fmt.Errorf("bluetooth adapter: unregister nap profile: %w", err)
	}
	return nil
}
