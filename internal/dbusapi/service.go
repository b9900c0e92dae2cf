// Package dbusapi is the D-Bus front door for the Public API (spec.md §4.1,
// §3 C10), structured almost directly on
// x-network/internal/dbus/service.go: the same NewService
// (SystemBus/SessionBus -> RequestName -> Export method/Introspectable
// interfaces) sequence, generalized from WiFi's method set to tethering's.
// No org.freedesktop.DBus.Properties interface is exported.
package dbusapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/tethercore/tetherd/internal/callback"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

const (
	ServiceName = "org.tethercore.Tetherd"
	ObjectPath  = "/org/tethercore/Tetherd"
	Interface   = "org.tethercore.Tetherd"
)

// API is the subset of internal/tethering.Service the D-Bus front door
// drives — kept as an interface so this package has no import-cycle risk
// and so tests can supply a fake.
type API interface {
	StartTethering(ctx context.Context, req request.Request) parcel.ErrorCode
	StopTethering(ctx context.Context, typ parcel.TetheringType) parcel.ErrorCode
	StopTetheringRequest(ctx context.Context, req request.Request, requireUIDMatch bool) parcel.ErrorCode
	StopAllTethering(ctx context.Context)
	RegisterCallback(ctx context.Context, cookie callback.Cookie, uid int, systemPrivilege bool, obs callback.Observer) parcel.TetheringCallbackStartedParcel
	UnregisterCallback(ctx context.Context, cookie callback.Cookie)
	SetPreferTestNetworks(ctx context.Context, prefer bool)
}

// Service is the exported D-Bus object.
type Service struct {
	conn *dbus.Conn
	api  API
	log  *slog.Logger

	mu          sync.Mutex
	subscribers map[string]callback.Cookie // sender unique name -> its callback.Cookie
}

// NewService connects to busType ("system" or "session"), registers
// ServiceName, and exports the tethering method/property/signal surface —
// the same sequence x-network/internal/dbus/service.go:NewService follows.
func NewService(busType string, api API, log *slog.Logger) (*Service, error) {
	var conn *dbus.Conn
	var err error
	if busType == "system" {
		conn, err = dbus.SystemBus()
	} else {
		conn, err = dbus.SessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("connect to d-bus: %w", err)
	}

	s := &Service{conn: conn, api: api, log: log, subscribers: make(map[string]callback.Cookie)}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request name %s: %w", ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("name %s already taken", ServiceName)
	}

	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export %s: %w", Interface, err)
	}

	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: s.methods(),
				Signals: s.signals(),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export introspectable: %w", err)
	}

	s.watchDisconnects()

	return s, nil
}

// watchDisconnects subscribes to the bus daemon's own NameOwnerChanged
// signal so a caller that registered a callback and then dropped off the
// bus without calling UnregisterCallback is still cleaned up, the same
// disconnect-triggered teardown x-network/internal/dbus/service.go relies
// on AddMatchSignal for.
func (s *Service) watchDisconnects() {
	s.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
	ch := make(chan *dbus.Signal, 16)
	s.conn.Signal(ch)
	go func() {
		for sig := range ch {
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			newOwner, _ := sig.Body[2].(string)
			if newOwner != "" {
				// Name still owned (or just acquired) — not a disconnect.
				continue
			}
			name, _ := sig.Body[0].(string)
			s.mu.Lock()
			cookie, ok := s.subscribers[name]
			delete(s.subscribers, name)
			s.mu.Unlock()
			if ok {
				s.api.UnregisterCallback(context.Background(), cookie)
			}
		}
	}()
}

// Close tears down the D-Bus connection.
func (s *Service) Close() {
	s.conn.Close()
}

// StartTethering is the D-Bus-exported spec.md §4.1 startTethering, with
// the SoftApConfiguration fields flattened to scalar in-args the way
// x-network/internal/dbus/methods.go:Connect flattens its params (though
// that method instead takes a map; StartTethering's argument count is
// small and fixed enough to list individually without losing clarity).
func (s *Service) StartTethering(typ int32, scope int32, ssid, passphrase, band string, hidden bool, ifaceName string, exemptFromEntitlement, showEntitlementUI bool, requestType int32, uid int32, packageName string) (int32, *dbus.Error) {
	req := request.New(parcel.TetheringType(typ), parcel.ConnectivityScope(scope), int(uid), packageName)
	req.RequestType = parcel.RequestType(requestType)
	req.InterfaceName = ifaceName
	req.ExemptFromEntitlement = exemptFromEntitlement
	req.ShowEntitlementUI = showEntitlementUI
	if ssid != "" || passphrase != "" {
		req.SoftApConfig = &parcel.SoftApConfiguration{SSID: ssid, Passphrase: passphrase, Band: band, Hidden: hidden}
	}

	code := s.api.StartTethering(context.Background(), req)
	return int32(code), nil
}

// StopTethering is the D-Bus-exported spec.md §4.1 stopTethering(type).
func (s *Service) StopTethering(typ int32) (int32, *dbus.Error) {
	code := s.api.StopTethering(context.Background(), parcel.TetheringType(typ))
	return int32(code), nil
}

// StopTetheringRequest is the D-Bus-exported spec.md §4.1
// stopTetheringRequest: tear down only the serving request fuzzy-matching
// the given (type, uid, softAp) description.
func (s *Service) StopTetheringRequest(typ int32, ssid, passphrase, band string, hidden bool, uid int32, requireUIDMatch bool) (int32, *dbus.Error) {
	req := request.Request{Type: parcel.TetheringType(typ), UID: int(uid)}
	if ssid != "" || passphrase != "" {
		req.SoftApConfig = &parcel.SoftApConfiguration{SSID: ssid, Passphrase: passphrase, Band: band, Hidden: hidden}
	}
	code := s.api.StopTetheringRequest(context.Background(), req, requireUIDMatch)
	return int32(code), nil
}

// StopAllTethering is the D-Bus-exported spec.md §4.1 stopAllTethering.
func (s *Service) StopAllTethering() *dbus.Error {
	s.api.StopAllTethering(context.Background())
	return nil
}

// SetPreferTestNetworks is the D-Bus-exported spec.md §4.7 toggle.
func (s *Service) SetPreferTestNetworks(prefer bool) *dbus.Error {
	s.api.SetPreferTestNetworks(context.Background(), prefer)
	return nil
}

// RegisterCallback is the D-Bus-exported spec.md §4.1 registerCallback.
// sender is populated by godbus from the method call's own header rather
// than a caller-supplied argument — the same trick
// x-network/internal/dbus/methods.go uses to resolve a dbus.Sender to a
// uid through the bus daemon instead of trusting a claimed one. The
// sender's unique bus name doubles as the Callback Fan-out cookie so
// UnregisterCallback and watchDisconnects can find the registration again.
func (s *Service) RegisterCallback(sender dbus.Sender) (uint64, *dbus.Error) {
	uid, err := s.callerUID(sender)
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}
	cookie := callback.Cookie(sender)
	systemPrivilege := uid == 0

	out := s.api.RegisterCallback(context.Background(), cookie, uid, systemPrivilege, newSignalObserver(s.conn, s.log))

	s.mu.Lock()
	s.subscribers[string(sender)] = cookie
	s.mu.Unlock()

	return out.SupportedTypes, nil
}

// UnregisterCallback is the D-Bus-exported spec.md §4.1 unregisterCallback.
func (s *Service) UnregisterCallback(sender dbus.Sender) *dbus.Error {
	s.mu.Lock()
	cookie, ok := s.subscribers[string(sender)]
	delete(s.subscribers, string(sender))
	s.mu.Unlock()
	if ok {
		s.api.UnregisterCallback(context.Background(), cookie)
	}
	return nil
}

// callerUID resolves sender's uid through the bus daemon itself
// (org.freedesktop.DBus.GetConnectionUnixUser), never trusting a uid the
// caller could otherwise pass as a plain argument.
func (s *Service) callerUID(sender dbus.Sender) (int, error) {
	var uid uint32
	call := s.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender))
	if call.Err != nil {
		return 0, fmt.Errorf("resolve caller uid: %w", call.Err)
	}
	if err := call.Store(&uid); err != nil {
		return 0, fmt.Errorf("resolve caller uid: %w", err)
	}
	return int(uid), nil
}

// methods returns introspection method definitions, following the same
// []introspect.Method literal shape as
// x-network/internal/dbus/service.go:methods.
func (s *Service) methods() []introspect.Method {
	return []introspect.Method{
		{Name: "StartTethering", Args: []introspect.Arg{
			{Name: "type", Type: "i", Direction: "in"},
			{Name: "scope", Type: "i", Direction: "in"},
			{Name: "ssid", Type: "s", Direction: "in"},
			{Name: "passphrase", Type: "s", Direction: "in"},
			{Name: "band", Type: "s", Direction: "in"},
			{Name: "hidden", Type: "b", Direction: "in"},
			{Name: "interfaceName", Type: "s", Direction: "in"},
			{Name: "exemptFromEntitlement", Type: "b", Direction: "in"},
			{Name: "showEntitlementUi", Type: "b", Direction: "in"},
			{Name: "requestType", Type: "i", Direction: "in"},
			{Name: "uid", Type: "i", Direction: "in"},
			{Name: "packageName", Type: "s", Direction: "in"},
			{Name: "errorCode", Type: "i", Direction: "out"},
		}},
		{Name: "StopTethering", Args: []introspect.Arg{
			{Name: "type", Type: "i", Direction: "in"},
			{Name: "errorCode", Type: "i", Direction: "out"},
		}},
		{Name: "StopTetheringRequest", Args: []introspect.Arg{
			{Name: "type", Type: "i", Direction: "in"},
			{Name: "ssid", Type: "s", Direction: "in"},
			{Name: "passphrase", Type: "s", Direction: "in"},
			{Name: "band", Type: "s", Direction: "in"},
			{Name: "hidden", Type: "b", Direction: "in"},
			{Name: "uid", Type: "i", Direction: "in"},
			{Name: "requireUidMatch", Type: "b", Direction: "in"},
			{Name: "errorCode", Type: "i", Direction: "out"},
		}},
		{Name: "StopAllTethering"},
		{Name: "SetPreferTestNetworks", Args: []introspect.Arg{
			{Name: "prefer", Type: "b", Direction: "in"},
		}},
		{Name: "RegisterCallback", Args: []introspect.Arg{
			{Name: "supportedTypes", Type: "t", Direction: "out"},
		}},
		{Name: "UnregisterCallback"},
	}
}

// signals returns introspection signal definitions for the states/upstream
// broadcasts the Callback Fan-out emits (see observer.go).
func (s *Service) signals() []introspect.Signal {
	return []introspect.Signal{
		{Name: "TetherStatesChanged", Args: []introspect.Arg{
			{Name: "supportedTypes", Type: "t"},
			{Name: "availableCount", Type: "i"},
			{Name: "tetheredCount", Type: "i"},
			{Name: "localOnlyCount", Type: "i"},
			{Name: "erroredCount", Type: "i"},
		}},
		{Name: "UpstreamChanged", Args: []introspect.Arg{
			{Name: "networkId", Type: "s"},
		}},
	}
}
