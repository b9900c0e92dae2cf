// Command tetherd is the tethering control-plane daemon: it wires the
// Request Tracker, Downstream Registry, Main State Machine, Link-Layer
// Adapters, Callback Fan-out, and dispatcher event loop behind a D-Bus
// front door. The overall shape — build one collaborator per concern, start
// them, wait on a signal, tear down — follows
// x-network/cmd/x-network/main.go directly; what changes is that start/stop
// here goes through golang.org/x/sync/errgroup instead of bare
// `go func(){}()` + `defer Close()`, so a failed start actually aborts the
// others instead of silently limping along.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	"github.com/jsimonetti/rtnetlink"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/tethercore/tetherd/internal/callback"
	"github.com/tethercore/tetherd/internal/caps"
	"github.com/tethercore/tetherd/internal/config"
	"github.com/tethercore/tetherd/internal/dbusapi"
	"github.com/tethercore/tetherd/internal/dispatcher"
	"github.com/tethercore/tetherd/internal/downstream"
	"github.com/tethercore/tetherd/internal/ipserver"
	"github.com/tethercore/tetherd/internal/linkadapter"
	"github.com/tethercore/tetherd/internal/linkwatch"
	"github.com/tethercore/tetherd/internal/mainsm"
	"github.com/tethercore/tetherd/internal/netd"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
	"github.com/tethercore/tetherd/internal/telemetry"
	"github.com/tethercore/tetherd/internal/tethering"
	"github.com/tethercore/tetherd/internal/tracker"
	"github.com/tethercore/tetherd/internal/upstream"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.Error("tetherd exited with error", "err", err)
		os.Exit(1)
	}
}

// newLogger builds the structured logger every package in this daemon
// takes as a dependency, using lmittmann/tint for readable console output
// the way malbeclabs-doublezero's CLI tooling does.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
}

func run(cfg config.Config, log *slog.Logger) error {
	rtConn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer rtConn.Close()

	busConn, err := dialBus(cfg.BusType)
	if err != nil {
		return fmt.Errorf("dial d-bus: %w", err)
	}
	defer busConn.Close()

	loop := dispatcher.New(cfg.DispatcherQueue, log)
	tel := telemetry.NewSlogSink(log)
	supported := &caps.SupportedTypes{}
	trk := tracker.New()
	selector := upstream.NewNetlinkSelector(rtConn)
	nd := netd.New(rtConn)
	clock := clockwork.NewRealClock()

	sm := mainsm.New(nd, selector, loop, supported, clock, cfg.Parcel, log)
	loop.SetRetryUpstreamHandler(sm.RetryUpstream)

	// registry is captured by its own handle factory closure so the
	// Downstream Registry can hand itself to ipserver.NewDnsmasqHandle as
	// the ipserver.Listener it implements, without an import cycle between
	// the two packages.
	var registry *downstream.Registry
	factory := func(ifname string, typ parcel.TetheringType, isNcm bool) ipserver.Handle {
		return ipserver.NewDnsmasqHandle(ifname, typ, registry, log, tel)
	}
	registry = downstream.New(factory, trk, sm, log)
	sm.SetResolver(registry)

	var svc *tethering.Service
	adapters := linkadapter.NewManager(log,
		linkadapter.NewWifiAdapter(busConn, discoverIwdDevicePath(busConn, log), readyCallback(&svc)),
		linkadapter.NewWifiP2PAdapter(busConn, discoverIwdP2PGroupPath(busConn, log)),
		linkadapter.NewUSBAdapter(false),
		linkadapter.NewUSBAdapter(true),
		linkadapter.NewEthernetAdapter(),
		linkadapter.NewVirtualAdapter(),
		linkadapter.NewBluetoothAdapter(busConn, "/org/bluez/hci0", readyCallback(&svc)),
	)

	callbacks := callback.New(log)
	svc = tethering.New(loop, trk, registry, sm, adapters, callbacks, selector, supported, cfg.Parcel, log)
	sm.SetObservers(svc)
	registry.SetRequestEnableHandler(func(handle ipserver.HandleID, typ parcel.TetheringType, enable bool) {
		log.Debug("ip server requested enable tethering", "handle", handle, "type", typ, "enable", enable)
	})

	dbusSvc, err := dbusapi.NewService(cfg.BusType, svc, log)
	if err != nil {
		return fmt.Errorf("start d-bus service: %w", err)
	}
	defer dbusSvc.Close()

	linkWatcher, err := linkwatch.New(registry, loop, log)
	if err != nil {
		return fmt.Errorf("start link watcher: %w", err)
	}
	defer linkWatcher.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return linkWatcher.Run(gctx)
	})

	log.Info("tetherd ready", "bus", cfg.BusType)
	<-gctx.Done()
	log.Info("shutting down")
	loop.Stop()
	linkWatcher.Close()

	return g.Wait()
}

// dialBus connects to the requested D-Bus bus, shared between the WiFi/
// Bluetooth adapters and the D-Bus front door the same way
// x-network/cmd/x-network/main.go:watchSystemResume reuses SystemBus()
// rather than opening a second connection per subsystem.
func dialBus(busType string) (*dbus.Conn, error) {
	if busType == "system" {
		return dbus.SystemBus()
	}
	return dbus.SessionBus()
}

// readyCallback builds the linkadapter.ReadyCallback the WiFi and Bluetooth
// adapters use to report their asynchronous enable results. svcRef is filled
// in after tethering.New returns, but the callback itself is never invoked
// before then (neither adapter has anything to report until RequestEnable
// has run at least once), so the indirection is safe.
func readyCallback(svcRef **tethering.Service) linkadapter.ReadyCallback {
	return func(req request.Request, ifaceName string, code parcel.ErrorCode) {
		(*svcRef).OnLinkAdapterReady(req, ifaceName, code)
	}
}

// discoverIwdDevicePath finds the iwd Device object that supports AP mode,
// the same single-attempt GetManagedObjects walk
// x-network/internal/iwd/client.go:findDevice performs. A missing device at
// startup is not fatal here — WiFi tethering simply reports InternalError
// until a later daemon restart finds one; discovery runs only once, at
// startup, and does not watch for InterfacesAdded.
func discoverIwdDevicePath(conn *dbus.Conn, log *slog.Logger) dbus.ObjectPath {
	obj := conn.Object("net.connman.iwd", dbus.ObjectPath("/"))
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		log.Warn("iwd device discovery failed", "err", err)
		return ""
	}
	for path, ifaces := range managed {
		if _, ok := ifaces["net.connman.iwd.Device"]; ok {
			return path
		}
	}
	log.Warn("no iwd device found at startup")
	return ""
}

// discoverIwdP2PGroupPath finds an already-negotiated WiFi Direct group
// this device owns, the same GetManagedObjects walk discoverIwdDevicePath
// performs, just matching the p2p.GroupOwner interface instead of Device.
// No group existing at startup is normal (P2P groups form on demand) and
// not fatal: WifiP2PAdapter.RequestEnable returns an error (which the
// Public API reports as InternalError) until
// a later daemon restart observes a formed group.
func discoverIwdP2PGroupPath(conn *dbus.Conn, log *slog.Logger) dbus.ObjectPath {
	obj := conn.Object("net.connman.iwd", dbus.ObjectPath("/"))
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		log.Warn("iwd p2p group discovery failed", "err", err)
		return ""
	}
	for path, ifaces := range managed {
		if _, ok := ifaces["net.connman.iwd.p2p.GroupOwner"]; ok {
			return path
		}
	}
	log.Debug("no iwd p2p group owned at startup")
	return ""
}
