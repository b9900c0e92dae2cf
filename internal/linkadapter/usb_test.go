package linkadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

func TestUSBAdapterTypeReflectsNcmFlag(t *testing.T) {
	assert.Equal(t, parcel.TypeUSB, NewUSBAdapter(false).Type())
	assert.Equal(t, parcel.TypeNCM, NewUSBAdapter(true).Type())
}

func TestUSBAdapterRequestEnableRejectsMissingInterface(t *testing.T) {
	a := NewUSBAdapter(false)

	_, err := a.RequestEnable(context.Background(), request.Request{})

	assert.Error(t, err)
}

func TestEthernetAdapterRequestEnableRejectsMissingInterface(t *testing.T) {
	a := NewEthernetAdapter()

	assert.Equal(t, parcel.TypeEthernet, a.Type())

	_, err := a.RequestEnable(context.Background(), request.Request{})

	assert.Error(t, err)
}
