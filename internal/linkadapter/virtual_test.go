package linkadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

func TestVirtualAdapterRequestEnableAcceptsGivenInterface(t *testing.T) {
	a := NewVirtualAdapter()
	assert.Equal(t, parcel.TypeVirtual, a.Type())

	res, err := a.RequestEnable(context.Background(), request.Request{InterfaceName: "veth-test"})

	require.NoError(t, err)
	assert.Equal(t, Result{InterfaceName: "veth-test"}, res)
}

func TestVirtualAdapterRequestEnableRejectsMissingInterface(t *testing.T) {
	a := NewVirtualAdapter()

	_, err := a.RequestEnable(context.Background(), request.Request{})

	assert.Error(t, err)
}

func TestVirtualAdapterRequestDisableIsANoop(t *testing.T) {
	a := NewVirtualAdapter()

	assert.NoError(t, a.RequestDisable(context.Background(), "veth-test"))
}
