package linkadapter

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// EthernetAdapter implements wired tethering over a physical NIC, the
// generic-physical-interface counterpart to USBAdapter — same
// bring-link-up operation, grounded on the same
// x-network/internal/netlink/watcher.go:bringUpInterface call, just reached
// for interfaces isPhysicalInterface classifies rather than isUsbInterface.
type EthernetAdapter struct{}

// NewEthernetAdapter constructs an EthernetAdapter.
func NewEthernetAdapter() *EthernetAdapter { return &EthernetAdapter{} }

func (a *EthernetAdapter) Type() parcel.TetheringType { return parcel.TypeEthernet }

func (a *EthernetAdapter) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	if req.InterfaceName == "" {
		return Result{}, fmt.Errorf("ethernet adapter: request has no interface name")
	}
	if err := exec.CommandContext(ctx, "ip", "link", "set", req.InterfaceName, "up").Run(); err != nil {
		return Result{}, fmt.Errorf("ethernet adapter: bring up %s: %w", req.InterfaceName, err)
	}
	return Result{InterfaceName: req.InterfaceName}, nil
}

func (a *EthernetAdapter) RequestDisable(ctx context.Context, ifaceName string) error {
	if err := exec.CommandContext(ctx, "ip", "link", "set", ifaceName, "down").Run(); err != nil {
		return fmt.Errorf("ethernet adapter: bring down %s: %w", ifaceName, err)
	}
	return nil
}
