package dbusapi

import (
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/tethercore/tetherd/internal/parcel"
)

// signalObserver implements callback.Observer by emitting D-Bus signals off
// ObjectPath, the same bus-wide broadcast model
// x-network/internal/dbus/service.go:EmitSignal uses. D-Bus signals have no
// native per-destination addressing for broadcast, so the Callback
// Fan-out's per-cookie privilege filtering happens before the call reaches
// here (internal/callback.Registry.BroadcastStates already redacted the
// snapshot this observer is handed); every connected caller receives the
// same emitted signal, matching how the teacher broadcasts
// PropertiesChanged to every subscriber regardless of who asked.
type signalObserver struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// newSignalObserver constructs the one process-wide signalObserver
// registered for every RegisterCallback cookie.
func newSignalObserver(conn *dbus.Conn, log *slog.Logger) *signalObserver {
	return &signalObserver{conn: conn, log: log}
}

// OnTetherStatesChanged emits the per-list interface counts. The leading
// supportedTypes signal argument is always sent as 0.
func (o *signalObserver) OnTetherStatesChanged(states parcel.TetherStatesParcel) {
	err := o.conn.Emit(dbus.ObjectPath(ObjectPath), Interface+".TetherStatesChanged",
		uint64(0), int32(len(states.Available)), int32(len(states.Tethered)),
		int32(len(states.LocalOnly)), int32(len(states.Errored)))
	if err != nil {
		o.log.Warn("emit TetherStatesChanged failed", "err", err)
	}
}

func (o *signalObserver) OnUpstreamChanged(networkID string) {
	if err := o.conn.Emit(dbus.ObjectPath(ObjectPath), Interface+".UpstreamChanged", networkID); err != nil {
		o.log.Warn("emit UpstreamChanged failed", "err", err)
	}
}
