package broker

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseDevice(t *testing.T) {
	b, rt := newTestBroker(t, 3)
	owner := NewOwner()
	for device := range 3 {
		require.NoError(t, b.AcquireDevice(owner, device))
		require.Equal(t, 1, b.OwnerDeviceCount(owner, device))
		require.NoError(t, b.ReleaseDevice(owner, device))
		requireEmpty(t, b)
		require.Equal(t, 1, rt.Resets(device), "device %d should be reset exactly once", device)
	}
	require.Equal(t, 3, rt.TotalResets())
}

func TestAcquireDeviceInvalid(t *testing.T) {
	b, rt := newTestBroker(t, 2)
	owner := NewOwner()
	for _, device := range []int{-1, 2, 100} {
		err := b.AcquireDevice(owner, device)
		require.Error(t, err)
		require.Equal(t, InvalidDevice, CodeOf(err), "device %d", device)
	}
	requireEmpty(t, b)

	// Validation uses the live device count.
	rt.SetDeviceCount(1)
	require.True(t, IsCode(b.AcquireDevice(owner, 1), InvalidDevice))
	require.NoError(t, b.AcquireDevice(owner, 0))
	require.NoError(t, b.ReleaseDevice(owner, 0))
}

func TestReleaseDeviceNotFound(t *testing.T) {
	b, rt := newTestBroker(t, 2)
	a, other := NewOwner(), NewOwner()
	require.True(t, IsCode(b.ReleaseDevice(a, 0), NotFound))

	require.NoError(t, b.AcquireDevice(a, 0))
	require.True(t, IsCode(b.ReleaseDevice(other, 0), NotFound))
	require.True(t, IsCode(b.ReleaseDevice(a, 1), NotFound))
	require.Equal(t, 1, b.OwnerDeviceCount(a, 0))
	require.Equal(t, 0, rt.TotalResets())
	require.NoError(t, b.ReleaseDevice(a, 0))
}

func TestSharedDeviceResetOnlyByLastOwner(t *testing.T) {
	b, rt := newTestBroker(t, 2)
	ownerA, ownerB := NewOwner(), NewOwner()

	require.NoError(t, b.AcquireDevice(ownerA, 0))
	require.NoError(t, b.AcquireDevice(ownerB, 0))
	require.Equal(t, 2, b.DeviceHolds(0))

	require.NoError(t, b.ReleaseDevice(ownerA, 0))
	require.Equal(t, 0, rt.Resets(0), "device 0 still held by B, it must not be reset")

	require.NoError(t, b.ReleaseDevice(ownerB, 0))
	require.Equal(t, 1, rt.Resets(0))
	require.Equal(t, 0, rt.Resets(1))
	requireEmpty(t, b)
}

func TestAcquireDeviceIsReferenceCounted(t *testing.T) {
	b, rt := newTestBroker(t, 1)
	owner := NewOwner()
	require.NoError(t, b.AcquireDevice(owner, 0))
	require.NoError(t, b.AcquireDevice(owner, 0))
	require.Equal(t, 2, b.OwnerDeviceCount(owner, 0))

	require.NoError(t, b.ReleaseDevice(owner, 0))
	require.Equal(t, 0, rt.Resets(0))
	require.Equal(t, 1, b.OwnerDeviceCount(owner, 0))

	require.NoError(t, b.ReleaseDevice(owner, 0))
	require.Equal(t, 1, rt.Resets(0))
	require.True(t, IsCode(b.ReleaseDevice(owner, 0), NotFound))
}

func TestReleaseDeviceRetiresOwnerStreams(t *testing.T) {
	b, rt := newTestBroker(t, 2)
	owner, other := NewOwner(), NewOwner()
	require.NoError(t, b.AcquireDevice(owner, 0))
	require.NoError(t, b.AcquireDevice(other, 0))

	s0, err := b.AcquireStream(owner, 0, NoStream)
	require.NoError(t, err)
	shared, err := b.AcquireStream(owner, 0, NoStream)
	require.NoError(t, err)
	_, err = b.AcquireStream(other, 0, shared)
	require.NoError(t, err)
	s1, err := b.AcquireStream(owner, 1, NoStream)
	require.NoError(t, err)

	require.NoError(t, b.ReleaseDevice(owner, 0))
	require.Equal(t, 0, rt.Resets(0), "other still holds device 0")

	// s0 was only used by owner: unbound and destroyed.
	_, err = b.QueryDeviceForStream(s0)
	require.True(t, IsCode(err, NotFound))
	require.Equal(t, 1, rt.StreamsDestroyed(0))

	// shared is still used by other.
	require.Equal(t, 1, b.StreamOwnerCount(shared))

	// Streams of owner on other devices are untouched.
	require.Equal(t, 1, b.StreamOwnerCount(s1))
	device, err := b.QueryDeviceForStream(s1)
	require.NoError(t, err)
	require.Equal(t, 1, device)
}

func TestReleaseDeviceKeepsStreamsWhileStillHeld(t *testing.T) {
	b, _ := newTestBroker(t, 1)
	owner := NewOwner()
	require.NoError(t, b.AcquireDevice(owner, 0))
	require.NoError(t, b.AcquireDevice(owner, 0))
	s, err := b.AcquireStream(owner, 0, NoStream)
	require.NoError(t, err)

	require.NoError(t, b.ReleaseDevice(owner, 0))
	require.Equal(t, 1, b.StreamOwnerCount(s), "owner still holds device 0 once")

	require.NoError(t, b.ReleaseDevice(owner, 0))
	require.Equal(t, 0, b.StreamOwnerCount(s))
	requireEmpty(t, b)
}

func TestResetDropsStreamsOfOtherOwners(t *testing.T) {
	b, rt := newTestBroker(t, 1)
	holder, streamUser := NewOwner(), NewOwner()
	require.NoError(t, b.AcquireDevice(holder, 0))
	s, err := b.AcquireStream(streamUser, 0, NoStream)
	require.NoError(t, err)

	require.NoError(t, b.ReleaseDevice(holder, 0))
	require.Equal(t, 1, rt.Resets(0))
	_, err = b.QueryDeviceForStream(s)
	require.True(t, IsCode(err, NotFound))
	require.Equal(t, 0, rt.LiveStreams())
	require.Equal(t, 1, b.Snapshot().DroppedStreams)

	// The owner is told why its stream is gone, once.
	err = b.ReleaseStream(streamUser, s, 0)
	require.True(t, IsCode(err, NotFound))
	require.ErrorContains(t, err, "dropped by a reset of device 0")
	err = b.ReleaseStream(streamUser, s, 0)
	require.True(t, IsCode(err, NotFound))
	require.NotContains(t, err.Error(), "dropped")
}

func TestResetRestoresActiveDevice(t *testing.T) {
	runtime.LockOSThread() // The active device is per thread.
	defer runtime.UnlockOSThread()
	b, rt := newTestBroker(t, 3)
	owner := NewOwner()
	require.NoError(t, rt.SetDevice(2))
	require.NoError(t, b.AcquireDevice(owner, 0))
	require.NoError(t, b.ReleaseDevice(owner, 0))
	current, err := rt.CurrentDevice()
	require.NoError(t, err)
	require.Equal(t, 2, current)
}

func TestQueryDeviceForOwner(t *testing.T) {
	b, _ := newTestBroker(t, 2)
	owner := NewOwner()

	_, err := b.QueryDeviceForOwner(owner)
	require.True(t, IsCode(err, AmbiguousOrAbsent), "no device held")

	require.NoError(t, b.AcquireDevice(owner, 1))
	device, err := b.QueryDeviceForOwner(owner)
	require.NoError(t, err)
	require.Equal(t, 1, device)

	require.NoError(t, b.AcquireDevice(owner, 0))
	_, err = b.QueryDeviceForOwner(owner)
	require.True(t, IsCode(err, AmbiguousOrAbsent), "two devices held")

	require.NoError(t, b.ReleaseDevice(owner, 1))
	device, err = b.QueryDeviceForOwner(owner)
	require.NoError(t, err)
	require.Equal(t, 0, device)
	require.NoError(t, b.ReleaseDevice(owner, 0))
}

// TestTwoOwnersScenario walks through two owners sharing device 0 of a 2 device system.
func TestTwoOwnersScenario(t *testing.T) {
	b, rt := newTestBroker(t, 2)
	ownerA, ownerB := NewOwner(), NewOwner()
	require.NoError(t, b.AcquireDevice(ownerA, 0))
	require.NoError(t, b.AcquireDevice(ownerB, 0))
	require.NoError(t, b.ReleaseDevice(ownerA, 0))
	require.Equal(t, 0, rt.TotalResets())
	require.NoError(t, b.ReleaseDevice(ownerB, 0))
	require.Equal(t, 1, rt.TotalResets())
	require.Equal(t, 1, rt.Resets(0))
}
