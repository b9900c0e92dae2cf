package linkadapter

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// USBAdapter implements USB (RNDIS/NCM) tethering over an already-present
// gadget interface, mirroring
// x-network/internal/netlink/watcher.go:bringUpInterface — bring the link
// up with `ip link set ... up`, then let the Downstream Registry's own
// DnsmasqHandle take over DHCP serving. Carrier/presence detection lives in
// internal/downstream (inferType), not here: this adapter only needs to be
// told which interface to drive.
type USBAdapter struct {
	isNcm bool
}

// NewUSBAdapter constructs a USBAdapter. isNcm selects parcel.TypeNCM
// reporting (the USB gadget protocol variant) without changing behavior —
// both RNDIS and NCM gadgets are driven identically at the netlink layer.
func NewUSBAdapter(isNcm bool) *USBAdapter {
	return &USBAdapter{isNcm: isNcm}
}

func (a *USBAdapter) Type() parcel.TetheringType {
	if a.isNcm {
		return parcel.TypeNCM
	}
	return parcel.TypeUSB
}

// RequestEnable brings ifaceName up. The interface is assumed to already
// exist (the kernel created the gadget node); nothing checks for it before
// this adapter runs, so for a missing interface `ip link set` fails and the
// error is returned like any other.
func (a *USBAdapter) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	if req.InterfaceName == "" {
		return Result{}, fmt.Errorf("usb adapter: request has no interface name")
	}
	if err := exec.CommandContext(ctx, "ip", "link", "set", req.InterfaceName, "up").Run(); err != nil {
		return Result{}, fmt.Errorf("usb adapter: bring up %s: %w", req.InterfaceName, err)
	}
	return Result{InterfaceName: req.InterfaceName}, nil
}

// RequestDisable brings the interface back down, releasing it to the
// gadget driver.
func (a *USBAdapter) RequestDisable(ctx context.Context, ifaceName string) error {
	if err := exec.CommandContext(ctx, "ip", "link", "set", ifaceName, "down").Run(); err != nil {
		return fmt.Errorf("usb adapter: bring down %s: %w", ifaceName, err)
	}
	return nil
}
