// Package upstream defines the Upstream Selector collaborator (spec.md
// §4.4, §6, C7) and a default implementation that reads the kernel's
// default route the way
// x-network/internal/netlink/watcher.go:fetchGateway and
// checkDefaultRouteViaInterface do.
package upstream

import (
	"context"

	"github.com/jsimonetti/rtnetlink"
)

// Candidate describes one upstream network the core could forward through.
type Candidate struct {
	NetworkID     string
	InterfaceName string
	DNSServers    []string
	// StackedInterfaces lists additional interfaces (e.g. a 464xlat CLAT
	// interface) whose traffic also counts as flowing through this
	// upstream — spec.md §4.4 "Compute interface set from link properties
	// + any stacked interfaces".
	StackedInterfaces []string
	IsCellular        bool
}

// ChangeNotification is the value type of the channel a Selector's Notify
// registers. NetlinkSelector never sends one, and nothing in the daemon
// registers such a channel.
type ChangeNotification struct {
	Candidate *Candidate // nil if no upstream is currently available
}

// Selector is the C7 interface: "provides current preferred upstream +
// notifications" (spec.md §2).
type Selector interface {
	// Current returns the current preferred upstream, or nil if none is
	// available.
	Current(ctx context.Context) (*Candidate, error)
	// PreferCellular hints the selector to prefer a cellular upstream on
	// the next evaluation (spec.md §4.4 chooseUpstream(tryCell)).
	PreferCellular(prefer bool)
	// SetPreferTestNetworks forwards spec.md §4.7's
	// setPreferTestNetworks toggle.
	SetPreferTestNetworks(prefer bool)
	// Notify registers a channel that receives a ChangeNotification
	// whenever the selector's view changes. The channel is never closed
	// by the selector.
	Notify(ch chan<- ChangeNotification)
}

// NetlinkSelector is the default Selector, reading the kernel's IPv4
// default route the same way the teacher's netlink watcher does.
type NetlinkSelector struct {
	conn *rtnetlink.Conn

	preferCellular    bool
	preferTestNetworks bool
	watchers          []chan<- ChangeNotification
}

// NewNetlinkSelector constructs a Selector backed by conn (typically the
// same rtnetlink connection internal/netd is constructed with).
func NewNetlinkSelector(conn *rtnetlink.Conn) *NetlinkSelector {
	return &NetlinkSelector{conn: conn}
}

func (s *NetlinkSelector) PreferCellular(prefer bool)     { s.preferCellular = prefer }
func (s *NetlinkSelector) SetPreferTestNetworks(prefer bool) { s.preferTestNetworks = prefer }

// Notify records ch; NetlinkSelector has no route watcher and never sends
// on it.
func (s *NetlinkSelector) Notify(ch chan<- ChangeNotification) {
	s.watchers = append(s.watchers, ch)
}

// Current walks the route table looking for a default (0.0.0.0/0) route,
// mirroring x-network/internal/netlink/watcher.go:fetchGateway.
func (s *NetlinkSelector) Current(ctx context.Context) (*Candidate, error) {
	routes, err := s.conn.Route.List()
	if err != nil {
		return nil, err
	}

	links, err := s.conn.Link.List()
	if err != nil {
		return nil, err
	}

	for _, route := range routes {
		if route.Attributes.Dst != nil || route.Attributes.Gateway == nil {
			continue
		}
		ifname := ifnameForIndex(links, route.Attributes.OutIface)
		if ifname == "" {
			continue
		}
		return &Candidate{
			NetworkID:     ifname,
			InterfaceName: ifname,
			DNSServers:    nil,
			IsCellular:    isCellularInterface(ifname),
		}, nil
	}
	return nil, nil
}

func ifnameForIndex(links []rtnetlink.LinkMessage, idx uint32) string {
	for _, l := range links {
		if l.Index == idx {
			return l.Attributes.Name
		}
	}
	return ""
}

func isCellularInterface(ifname string) bool {
	return len(ifname) >= 4 && ifname[:4] == "wwan" || len(ifname) >= 5 && ifname[:5] == "rmnet"
}
