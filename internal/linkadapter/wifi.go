package linkadapter

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// iwd D-Bus surface, named exactly as x-network/internal/iwd/client.go does,
// since WiFi AP mode is driven through the same daemon.
const (
	iwdService    = "net.connman.iwd"
	deviceIface   = "net.connman.iwd.Device"
	accessPointIf = "net.connman.iwd.AccessPoint"
)

// WifiAdapter drives WiFi AP-mode tethering through iwd, the way
// x-network/internal/iwd/client.go:StartHotspot/StopHotspot do: flip
// Device.Mode to "ap", then call AccessPoint.Start/Stop. The result of
// Start arrives asynchronously, so RequestEnable returns the
// SoftApCallbackPending sentinel and the caller supplies a ReadyCallback.
// The adapter does not subscribe to the AccessPoint's PropertiesChanged
// signal; the ReadyCallback fires only when OnAccessPointStateChanged is
// called.
type WifiAdapter struct {
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	ready      ReadyCallback
}

// NewWifiAdapter constructs a WifiAdapter bound to the iwd device at
// devicePath (discovered the way x-network/internal/iwd/client.go:findDevice
// does, out of scope for this package to rediscover).
func NewWifiAdapter(conn *dbus.Conn, devicePath dbus.ObjectPath, ready ReadyCallback) *WifiAdapter {
	return &WifiAdapter{conn: conn, devicePath: devicePath, ready: ready}
}

func (a *WifiAdapter) Type() parcel.TetheringType { return parcel.TypeWifi }

// RequestEnable switches the device into AP mode and starts the access
// point with req's SoftApConfiguration. Per spec.md §9's preserved Open
// Question, a nil SoftApConfig is treated as "use adapter defaults" rather
// than an error.
func (a *WifiAdapter) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	ssid, passphrase := "tetherd-hotspot", ""
	if req.SoftApConfig != nil {
		if req.SoftApConfig.SSID != "" {
			ssid = req.SoftApConfig.SSID
		}
		passphrase = req.SoftApConfig.Passphrase
	}

	devObj := a.conn.Object(iwdService, a.devicePath)
	if err := devObj.Call("org.freedesktop.DBus.Properties.Set", 0, deviceIface, "Mode", dbus.MakeVariant("ap")).Err; err != nil {
		return Result{}, fmt.Errorf("wifi adapter: switch to ap mode: %w", err)
	}

	apObj := a.conn.Object(iwdService, a.devicePath)
	if err := apObj.Call(accessPointIf+".Start", 0, ssid, passphrase).Err; err != nil {
		return Result{}, fmt.Errorf("wifi adapter: access point start: %w", err)
	}

	return Result{Pending: parcel.SoftApCallbackPending}, nil
}

// RequestDisable stops the access point and returns the device to station
// mode.
func (a *WifiAdapter) RequestDisable(ctx context.Context, ifaceName string) error {
	apObj := a.conn.Object(iwdService, a.devicePath)
	if err := apObj.Call(accessPointIf+".Stop", 0).Err; err != nil {
		return fmt.Errorf("wifi adapter: access point stop: %w", err)
	}
	devObj := a.conn.Object(iwdService, a.devicePath)
	return devObj.Call("org.freedesktop.DBus.Properties.Set", 0, deviceIface, "Mode", dbus.MakeVariant("station")).Err
}

// OnAccessPointStateChanged resolves a pending enable via the ReadyCallback
// from an AccessPoint state ("started" or anything else, treated as
// failure). Nothing in the daemon calls it, so a WiFi enable stays pending
// after RequestEnable returns.
func (a *WifiAdapter) OnAccessPointStateChanged(req request.Request, ifaceName, state string) {
	if a.ready == nil {
		return
	}
	switch state {
	case "started":
		a.ready(req, ifaceName, parcel.NoError)
	default:
		a.ready(req, "", parcel.InternalError)
	}
}
