package linkadapter

import (
	"context"
	"fmt"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// VirtualAdapter implements parcel.TypeVirtual, the caller-supplied
// pre-existing-interface path spec.md §4.5 describes for test harnesses and
// virtualization hosts: the interface already exists and is already
// configured, so there is nothing to bind, just a name to accept.
type VirtualAdapter struct{}

// NewVirtualAdapter constructs a VirtualAdapter.
func NewVirtualAdapter() *VirtualAdapter { return &VirtualAdapter{} }

func (a *VirtualAdapter) Type() parcel.TetheringType { return parcel.TypeVirtual }

func (a *VirtualAdapter) RequestEnable(ctx context.Context, req request.Request) (Result, error) {
	if req.InterfaceName == "" {
		return Result{}, fmt.Errorf("virtual adapter: request has no interface name")
	}
	return Result{InterfaceName: req.InterfaceName}, nil
}

func (a *VirtualAdapter) RequestDisable(ctx context.Context, ifaceName string) error {
	return nil
}
