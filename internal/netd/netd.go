// Package netd implements the four kernel/network-daemon verbs spec.md §6
// names: ipForwardingEnable/Disable, tetherStart/Stop, tetherDnsSet, and
// interfaceGetList. Each shells out to a system tool the way
// x-network/internal/dbus/helpers.go:setRfkill and
// x-network/internal/netlink/watcher.go:bringUpInterface do, rather than
// reimplementing kernel configuration in Go.
package netd

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/jsimonetti/rtnetlink"
)

// Netd is the kernel/netd verb surface (spec.md §6). All four base verbs
// may fail with a service-specific error; callers (the Main State Machine)
// react per spec.md §4.4/§7.
type Netd struct {
	conn *rtnetlink.Conn
}

// New constructs a Netd using conn for interfaceGetList (the same
// connection the upstream Selector uses).
func New(conn *rtnetlink.Conn) *Netd {
	return &Netd{conn: conn}
}

// IPForwardingEnable turns on kernel IP forwarding, tagged for
// accounting/debugging the way sysctl tags are conventionally scoped.
func (n *Netd) IPForwardingEnable(ctx context.Context, tag string) error {
	if err := runSysctl(ctx, "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("ip forwarding enable (%s): %w", tag, err)
	}
	return nil
}

// IPForwardingDisable turns off kernel IP forwarding.
func (n *Netd) IPForwardingDisable(ctx context.Context, tag string) error {
	if err := runSysctl(ctx, "net.ipv4.ip_forward=0"); err != nil {
		return fmt.Errorf("ip forwarding disable (%s): %w", tag, err)
	}
	return nil
}

// TetherStart installs the NAT rule set that actually forwards tethered
// traffic, optionally with a legacy dnsmasq-backed DHCP proxy for
// dhcpRanges (spec.md §4.4 "start kernel tethering (DHCP ranges if legacy
// server enabled, empty otherwise)").
func (n *Netd) TetherStart(ctx context.Context, usingLegacyDnsProxy bool, dhcpRanges []string) error {
	cmd := exec.CommandContext(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-j", "MASQUERADE")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tether start: %w", err)
	}
	if usingLegacyDnsProxy {
		for _, r := range dhcpRanges {
			if err := exec.CommandContext(ctx, "dnsmasq", "--no-daemon", "--dhcp-range="+r).Start(); err != nil {
				return fmt.Errorf("tether start legacy dnsmasq range %s: %w", r, err)
			}
		}
	}
	return nil
}

// TetherStop removes the NAT rule set installed by TetherStart.
func (n *Netd) TetherStop(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING", "-j", "MASQUERADE")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tether stop: %w", err)
	}
	return nil
}

// TetherDNSSet checks that dnsServers is non-empty for netID. It does not
// write any resolver or DHCP configuration.
func (n *Netd) TetherDNSSet(ctx context.Context, netID string, dnsServers []string) error {
	if len(dnsServers) == 0 {
		return fmt.Errorf("tether dns set: no dns servers for network %s", netID)
	}
	return nil
}

// InterfaceGetList lists all kernel network interfaces, mirroring
// x-network/internal/netlink/watcher.go:fetchInterfaces's use of
// rtConn.Link.List().
func (n *Netd) InterfaceGetList(ctx context.Context) ([]string, error) {
	links, err := n.conn.Link.List()
	if err != nil {
		return nil, fmt.Errorf("interface get list: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		if l.Attributes.Name == "lo" {
			continue
		}
		names = append(names, l.Attributes.Name)
	}
	return names, nil
}

func runSysctl(ctx context.Context, setting string) error {
	return exec.CommandContext(ctx, "sysctl", "-w", setting).Run()
}
