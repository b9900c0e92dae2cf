// Package linkwatch subscribes to kernel link add/remove events and feeds
// them into the Downstream Registry, so a USB/Ethernet/WiFi interface
// appearing or disappearing drives ensureStartedForInterface/ensureStopped
// without the Public API having to be told about it explicitly (spec.md
// §4.3's "interfaces are discovered, not declared"). Grounded almost
// directly on x-network/internal/netlink/watcher.go: a raw
// github.com/mdlayher/netlink.Conn joined to the RTMGRP_LINK multicast
// group for event type detection, alongside the same rtnetlink.Conn used
// elsewhere for List() calls.
package linkwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"

	mdnetlink "github.com/mdlayher/netlink"
)

const (
	rtmNewLink = syscall.RTM_NEWLINK
	rtmDelLink = syscall.RTM_DELLINK
)

// Registry is the subset of downstream.Registry the watcher drives, kept
// narrow to avoid an import cycle with internal/downstream.
type Registry interface {
	EnsureStartedForInterface(ctx context.Context, ifname string)
	EnsureStopped(ctx context.Context, ifname string)
}

// Dispatcher is the subset of dispatcher.Loop the watcher posts onto, so
// every registry mutation stays serialized on the event loop goroutine the
// same way the Downstream Registry and Main State Machine are (spec.md §5).
type Dispatcher interface {
	Post(fn func(ctx context.Context))
}

// Watcher joins RTMGRP_LINK and turns RTM_NEWLINK/RTM_DELLINK messages into
// Registry calls.
type Watcher struct {
	conn     *mdnetlink.Conn
	reg      Registry
	loop     Dispatcher
	log      *slog.Logger
	stopCh   chan struct{}
	closeOne sync.Once
}

// New dials a raw netlink socket joined to RTMGRP_LINK, mirroring
// x-network/internal/netlink/watcher.go:NewWatcher's Groups bitmask (this
// package only needs link events, not IPv4 address events, since address
// changes don't affect which interfaces are tetherable).
func New(reg Registry, loop Dispatcher, log *slog.Logger) (*Watcher, error) {
	conn, err := mdnetlink.Dial(syscall.NETLINK_ROUTE, &mdnetlink.Config{Groups: 0x1})
	if err != nil {
		return nil, fmt.Errorf("dial netlink: %w", err)
	}
	return &Watcher{conn: conn, reg: reg, loop: loop, log: log, stopCh: make(chan struct{})}, nil
}

// Close releases the netlink socket and stops Run. Safe to call more than
// once (cmd/tetherd/main.go calls it both on shutdown and via defer).
func (w *Watcher) Close() {
	w.closeOne.Do(func() {
		close(w.stopCh)
		w.conn.Close()
	})
}

// Run blocks receiving link events until Close is called, following the
// same for-select-Receive shape as
// x-network/internal/netlink/watcher.go:Run.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := w.conn.Receive()
		if err != nil {
			select {
			case <-w.stopCh:
				return nil
			default:
			}
			w.log.Warn("netlink receive error", "err", err)
			continue
		}
		for _, msg := range msgs {
			w.handle(msg)
		}
	}
}

func (w *Watcher) handle(msg mdnetlink.Message) {
	ifname, ok := linkNameFromAttrs(msg.Data)
	if !ok {
		return
	}
	switch msg.Header.Type {
	case rtmNewLink:
		w.loop.Post(func(ctx context.Context) {
			w.reg.EnsureStartedForInterface(ctx, ifname)
		})
	case rtmDelLink:
		w.loop.Post(func(ctx context.Context) {
			w.reg.EnsureStopped(ctx, ifname)
		})
	}
}

// linkNameFromAttrs pulls IFLA_IFNAME (attribute type 3) out of a raw
// RTM_NEWLINK/RTM_DELLINK payload, skipping the fixed ifinfomsg header the
// same way
// x-network/internal/netlink/watcher.go:handleLinkMessage decodes via
// rtnetlink.LinkMessage.UnmarshalBinary, but done directly here since this
// package only needs the one attribute rather than the full link message.
func linkNameFromAttrs(data []byte) (string, bool) {
	const ifinfomsgLen = 16
	const iflaIfname = 3
	if len(data) < ifinfomsgLen {
		return "", false
	}
	attrs, err := mdnetlink.UnmarshalAttributes(data[ifinfomsgLen:])
	if err != nil {
		return "", false
	}
	for _, a := range attrs {
		if a.Type == iflaIfname {
			return trimNull(a.Data), true
		}
	}
	return "", false
}

func trimNull(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
