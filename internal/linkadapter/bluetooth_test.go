package linkadapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tethercore/tetherd/internal/parcel"
	"github.com/tethercore/tetherd/internal/request"
)

// These tests exercise BluetoothAdapter's pending/bound guard directly
// rather than through a live D-Bus bus connection, the same
// tolerant-of-missing-external-dependency approach
// internal/ipserver/ipserver_test.go takes with dnsmasq: a bus daemon isn't
// available in a test environment, but the single-pending-slot invariant
// RequestEnable enforces before ever touching a.conn is plain Go state that
// doesn't need one.

func TestRequestEnableRejectsSecondCallerWhilePending(t *testing.T) {
	a := &BluetoothAdapter{}
	first := request.Request{Type: parcel.TypeBluetooth, UID: 1000}
	a.pending = &first

	second := request.Request{Type: parcel.TypeBluetooth, UID: 2000}
	res, err := a.RequestEnable(context.Background(), second)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPanBindBusy))
	assert.Equal(t, Result{}, res)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Same(t, &first, a.pending, "rejecting a second caller must not disturb the first caller's pending slot")
}

func TestRequestEnableReturnsCachedInterfaceWhenAlreadyBound(t *testing.T) {
	a := &BluetoothAdapter{bound: true}

	res, err := a.RequestEnable(context.Background(), request.Request{Type: parcel.TypeBluetooth})

	require.NoError(t, err)
	assert.Equal(t, Result{InterfaceName: "bnep0"}, res)
}

func TestRequestEnableReturnsCachedInterfaceEvenWithPriorPendingCleared(t *testing.T) {
	// A bind that has already resolved must short-circuit on a.bound before
	// ever consulting a.pending, so a stale/cleared pending slot from an
	// earlier caller can't cause a redundant rebind attempt.
	a := &BluetoothAdapter{bound: true, pending: nil}

	res, err := a.RequestEnable(context.Background(), request.Request{Type: parcel.TypeBluetooth})

	require.NoError(t, err)
	assert.Equal(t, "bnep0", res.InterfaceName)
	assert.Equal(t, parcel.NoError, res.Pending)
}

func TestPanBindBusyIsDistinguishableViaErrorsIs(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), ErrPanBindBusy)
	assert.True(t, errors.Is(wrapped, ErrPanBindBusy))
}
