// Package tethering implements the Public API (spec.md §4.1, §3 C10): the
// entry point callers (the D-Bus front door, internal/dbusapi) drive.
// Service composes the Request Tracker (C2), Downstream Registry (C4), Main
// State Machine (C6), Link-Layer Adapters (C5), and Callback Fan-out (C9)
// behind the dispatcher's single-threaded event loop (C8), the same
// compose-everything-behind-one-owner shape
// x-network/internal/dbus/service.go's Service struct uses for stateMgr,
// iwdClient, and netlinkWatcher.
package tethering

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tethercore/tetherd/internal/callback"
	"github.com/tethercore/tetherd/internal/caps"
	"github.com/tethercore/tetherd/internal/dispatcher"
	"github.com/tethercore/tetherd/internal/downstream"
	"github.com/tethercore/tetherd/internal/linkadapter"
	"github.com/tethercore/tetherd/internal/mainsm"
	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
	"github.com/tethercore/tetherd/internal/tracker"
	"github.com/tethercore/tetherd/internal/upstream"
)

// Service is the C10 Public API.
type Service struct {
	loop      *dispatcher.Loop
	tracker   *tracker.Tracker
	registry  *downstream.Registry
	sm        *mainsm.Machine
	adapters  *linkadapter.Manager
	callbacks *callback.Registry
	selector  upstream.Selector
	supported *caps.SupportedTypes
	config    parcel.TetheringConfigurationParcel
	log       *slog.Logger
}

// New wires together an already-constructed set of collaborators. Each is
// built and owned by cmd/tetherd/main.go; Service only orchestrates calls
// between them.
func New(loop *dispatcher.Loop, t *tracker.Tracker, registry *downstream.Registry, sm *mainsm.Machine, adapters *linkadapter.Manager, callbacks *callback.Registry, selector upstream.Selector, supported *caps.SupportedTypes, config parcel.TetheringConfigurationParcel, log *slog.Logger) *Service {
	return &Service{
		loop:      loop,
		tracker:   t,
		registry:  registry,
		sm:        sm,
		adapters:  adapters,
		callbacks: callbacks,
		selector:  selector,
		supported: supported,
		config:    config,
		log:       log,
	}
}

// StartTethering implements spec.md §4.1 startTethering: dedupe/restart via
// the Tracker (P1), drive the type's Link-Layer Adapter, and on success
// start or reuse the Downstream Registry entry. Runs on the dispatcher's
// event loop via PostAndWait so the caller sees a fully-settled result.
func (s *Service) StartTethering(ctx context.Context, req request.Request) parcel.ErrorCode {
	var result parcel.ErrorCode
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		result = s.startTetheringLocked(ctx, req)
	})
	return result
}

func (s *Service) startTetheringLocked(ctx context.Context, req request.Request) parcel.ErrorCode {
	switch s.tracker.AddPending(req) {
	case tracker.ResultDuplicateError:
		return parcel.DuplicateRequest
	case tracker.ResultDuplicateRestart:
		s.log.Info("restarting duplicate tethering request", "type", req.Type)
		s.stopTetheringLocked(ctx, req.Type)
		s.tracker.AddPending(req)
	}

	res, err := s.adapters.RequestEnable(ctx, req)
	if err != nil {
		s.tracker.RemoveAllPending(req.Type)
		if errors.Is(err, linkadapter.ErrPanBindBusy) {
			s.log.Info("link adapter busy, rejecting concurrent request", "type", req.Type)
			return parcel.ServiceUnavail
		}
		s.log.Warn("link adapter enable failed", "type", req.Type, "err", err)
		return parcel.InternalError
	}
	if res.Pending != parcel.NoError {
		// The adapter will call back asynchronously (AP-mode start, PAN
		// bind) — the Tracker keeps the pending entry until then.
		return parcel.NoError
	}

	s.commitEnable(ctx, req, res.InterfaceName)
	return parcel.NoError
}

// commitEnable finishes enabling once an adapter has produced a concrete
// interface name, either synchronously (USB/Ethernet/Virtual/WiFi P2P) or
// via OnLinkAdapterReady (WiFi AP, Bluetooth PAN).
func (s *Service) commitEnable(ctx context.Context, req request.Request, ifaceName string) {
	isNcm := req.Type == parcel.TypeNCM
	s.registry.EnsureStartedForType(ctx, ifaceName, req.Type, isNcm)
	handle, ok := s.registry.HandleFor(ifaceName)
	if !ok {
		s.log.Error("registry has no handle after EnsureStartedForType", "iface", ifaceName)
		return
	}
	if err := handle.Enable(ctx, req); err != nil {
		s.log.Warn("ip server enable failed", "iface", ifaceName, "err", err)
	}
	s.registry.UpdateServingRequest(handle.ID(), req)
	s.tracker.PromoteToServing(handle.ID(), req)
	s.publishStates()
}

// OnLinkAdapterReady is the ReadyCallback passed to adapters whose enable
// result arrives asynchronously. Adapters call it from their own
// goroutines, so it posts its work onto the dispatcher's loop rather than
// touching the Tracker or Registry directly.
func (s *Service) OnLinkAdapterReady(req request.Request, ifaceName string, code parcel.ErrorCode) {
	s.loop.Post(func(ctx context.Context) {
		if code != parcel.NoError {
			s.tracker.RemoveAllPending(req.Type)
			s.log.Warn("link adapter reported async enable failure", "type", req.Type, "code", code)
			return
		}
		s.commitEnable(ctx, req, ifaceName)
	})
}

// StopTethering implements spec.md §4.1 stopTethering(type): tear down
// every serving request of typ.
func (s *Service) StopTethering(ctx context.Context, typ parcel.TetheringType) parcel.ErrorCode {
	var result parcel.ErrorCode
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		result = s.stopTetheringLocked(ctx, typ)
	})
	return result
}

func (s *Service) stopTetheringLocked(ctx context.Context, typ parcel.TetheringType) parcel.ErrorCode {
	s.tracker.RemoveAllPending(typ)
	for ifname, h := range s.registry.ServingHandlesByType(typ) {
		if err := s.adapters.RequestDisable(ctx, typ, ifname); err != nil {
			s.log.Warn("link adapter disable failed", "iface", ifname, "err", err)
		}
		s.registry.EnsureStopped(ctx, ifname)
		_ = h
	}
	s.publishStates()
	return parcel.NoError
}

// StopTetheringRequest implements spec.md §4.1 stopTetheringRequest: stop
// only the serving request fuzzy-matching req, per findFuzzyServing's
// earliest-promoted tie-break.
func (s *Service) StopTetheringRequest(ctx context.Context, req request.Request, requireUIDMatch bool) parcel.ErrorCode {
	var result parcel.ErrorCode
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		handle, served, ok := s.tracker.FindFuzzyServing(req, requireUIDMatch)
		if !ok {
			result = parcel.UnknownRequest
			return
		}
		ifname := s.registry.InterfaceForHandle(handle)
		if ifname == "" {
			result = parcel.UnknownRequest
			return
		}
		if err := s.adapters.RequestDisable(ctx, served.Type, ifname); err != nil {
			s.log.Warn("link adapter disable failed", "iface", ifname, "err", err)
		}
		s.registry.EnsureStopped(ctx, ifname)
		s.publishStates()
		result = parcel.NoError
	})
	return result
}

// StopAllTethering implements spec.md §4.1 stopAllTethering: tear every
// type down in one loop job.
func (s *Service) StopAllTethering(ctx context.Context) {
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		for _, typ := range []parcel.TetheringType{
			parcel.TypeWifi, parcel.TypeWifiP2P, parcel.TypeUSB, parcel.TypeNCM,
			parcel.TypeBluetooth, parcel.TypeEthernet, parcel.TypeVirtual,
		} {
			s.stopTetheringLocked(ctx, typ)
		}
	})
}

// RegisterCallback implements spec.md §4.1 registerCallback: add obs to the
// Callback Fan-out and return the stable "just registered" snapshot
// (spec.md §6 TetheringCallbackStartedParcel).
func (s *Service) RegisterCallback(ctx context.Context, cookie callback.Cookie, uid int, systemPrivilege bool, obs callback.Observer) parcel.TetheringCallbackStartedParcel {
	var out parcel.TetheringCallbackStartedParcel
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		s.callbacks.Register(cookie, uid, systemPrivilege, obs)
		out = parcel.TetheringCallbackStartedParcel{
			SupportedTypes: s.supported.Load(),
			Config:         s.config,
			States:         s.registry.Snapshot(),
		}
	})
	return out
}

// UnregisterCallback implements spec.md §4.1 unregisterCallback.
func (s *Service) UnregisterCallback(ctx context.Context, cookie callback.Cookie) {
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		s.callbacks.Unregister(cookie)
	})
}

// SetPreferTestNetworks implements spec.md §4.7's setPreferTestNetworks
// toggle, forwarded straight to the Upstream Selector.
func (s *Service) SetPreferTestNetworks(ctx context.Context, prefer bool) {
	s.loop.PostAndWait(ctx, func(ctx context.Context) {
		s.selector.SetPreferTestNetworks(prefer)
	})
}

// publishStates recomputes the full TetherStatesParcel and fans it out,
// mirroring x-network/internal/dbus/service.go:onStateChange's
// one-recompute-then-broadcast shape.
func (s *Service) publishStates() {
	s.callbacks.BroadcastStates(s.registry.Snapshot())
}

// NotifyStatesChanged and NotifyUpstreamChanged implement mainsm.Observers,
// letting the Main State Machine push a state-change notification through
// to the Callback Fan-out without importing internal/callback itself.
func (s *Service) NotifyStatesChanged() {
	s.publishStates()
}

func (s *Service) NotifyUpstreamChanged(networkID string) {
	s.callbacks.BroadcastUpstream(networkID)
}
