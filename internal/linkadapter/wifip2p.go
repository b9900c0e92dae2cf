package linkadapter

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// WiFi P2P D-Bus surface names, following the same naming convention as
// the Device/AccessPoint interfaces in wifi.go.
const (
	p2pDeviceIface = "net.connman.iwd.p2p.Device"
	p2pGroupIface  = "net.connman.iwd.p2p.GroupOwner"
)

// WifiP2PAdapter implements WiFi Direct group-owner tethering (spec.md
// §4.5): unlike infrastructure AP mode, P2P tethering only ever serves
// LOCAL scope — a P2P group has no path to the internet — so RequestEnable
// always reports success synchronously once the group is confirmed to be
// in the owner role, rather than going through the pending-callback path
// wifi.go uses for the slower AccessPoint.Start handshake.
type WifiP2PAdapter struct {
	conn      *dbus.Conn
	groupPath dbus.ObjectPath
}

// NewWifiP2PAdapter constructs an adapter bound to an already-negotiated
// P2P group at groupPath.
func NewWifiP2PAdapter(conn *dbus.Conn, groupPath dbus.ObjectPath) *WifiP2PAdapter {
	return &WifiP2PAdapter{conn: conn, groupPath: groupPath}
}

func (a *WifiP2PAdapter) Type() parcel.TetheringType { return parcel.TypeWifiP2P }

// RequestEnable verifies the local device holds the group-owner role and
// returns the group's virtual interface name. spec.md §4.5 treats a
// non-owner P2P group as Unsupported for tethering purposes — this adapter
// never attempts a group-owner renegotiation itself.
func (a *WifiP2PAdapter) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	obj := a.conn.Object(iwdService, a.groupPath)
	v, err := obj.GetProperty(p2pGroupIface + ".Role")
	if err != nil {
		return Result{}, fmt.Errorf("wifi p2p adapter: read group role: %w", err)
	}
	role, _ := v.Value().(string)
	if role != "owner" {
		return Result{}, fmt.Errorf("wifi p2p adapter: not group owner (role=%s)", role)
	}

	iv, err := obj.GetProperty(p2pGroupIface + ".Interface")
	if err != nil {
		return Result{}, fmt.Errorf("wifi p2p adapter: read group interface: %w", err)
	}
	ifaceName, _ := iv.Value().(string)
	if ifaceName == "" {
		return Result{}, fmt.Errorf("wifi p2p adapter: group owner has no interface yet")
	}
	return Result{InterfaceName: ifaceName}, nil
}

// RequestDisable is a no-op and logs nothing: tearing down the P2P
// group itself is owned by the WiFi Direct negotiation state machine, out
// of scope per spec.md §1 — this adapter only reacts to group membership,
// it doesn't drive it.
func (a *WifiP2PAdapter) RequestDisable(ctx context.Context, ifaceName string) error {
	return nil
}
