package caps

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tethercore/tetherd/internal/parcel"
)

func TestSetAndSupports(t *testing.T) {
	var s SupportedTypes
	s.Set(parcel.TypeWifi, parcel.TypeUSB)

	assert.True(t, s.Supports(parcel.TypeWifi))
	assert.True(t, s.Supports(parcel.TypeUSB))
	assert.False(t, s.Supports(parcel.TypeBluetooth))
}

func TestSetReplacesPreviousBitmap(t *testing.T) {
	var s SupportedTypes
	s.Set(parcel.TypeWifi)
	s.Set(parcel.TypeUSB)

	assert.False(t, s.Supports(parcel.TypeWifi), "a fresh Set replaces the whole bitmap rather than adding to it")
	assert.True(t, s.Supports(parcel.TypeUSB))
}

func TestClear(t *testing.T) {
	var s SupportedTypes
	s.Set(parcel.TypeWifi, parcel.TypeBluetooth)
	s.Clear()

	assert.Equal(t, uint64(0), s.Load())
	assert.False(t, s.Supports(parcel.TypeWifi))
}

func TestLoadMatchesBitPattern(t *testing.T) {
	var s SupportedTypes
	s.Set(parcel.TypeWifi, parcel.TypeEthernet)

	want := uint64(1<<uint(parcel.TypeWifi)) | uint64(1<<uint(parcel.TypeEthernet))
	assert.Equal(t, want, s.Load())
}
