package broker

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestConcurrentOwners runs many owners acquiring, sharing, synchronizing and releasing devices
// and streams at the same time. It is most useful with -race.
func TestConcurrentOwners(t *testing.T) {
	const (
		numDevices = 3
		numOwners  = 16
		numRounds  = 50
	)
	b, rt := newTestBroker(t, numDevices)

	// One long-lived shared stream per device, joined by every owner. The anchor also holds every
	// device, so none is reset while the owners come and go.
	anchor := NewOwner()
	shared := make([]Stream, numDevices)
	for device := range numDevices {
		require.NoError(t, b.AcquireDevice(anchor, device))
		s, err := b.AcquireStream(anchor, device, NoStream)
		require.NoError(t, err)
		shared[device] = s
	}

	var g errgroup.Group
	for i := range numOwners {
		g.Go(func() error {
			owner := NewOwner()
			for round := range numRounds {
				device := (i + round) % numDevices
				if err := b.AcquireDevice(owner, device); err != nil {
					return err
				}
				s, err := b.AcquireStream(owner, device, NoStream)
				if err != nil {
					return err
				}
				if _, err := b.AcquireStream(owner, device, shared[device]); err != nil {
					return err
				}
				if err := b.SynchronizeStream(s); err != nil {
					return err
				}
				if err := b.SynchronizeStream(shared[device]); err != nil {
					return err
				}
				got, err := b.QueryDeviceForStream(s)
				if err != nil {
					return err
				}
				if got != device {
					return errors.Errorf("%s bound to device %d, wanted %d", s, got, device)
				}
				if err := b.ReleaseStream(owner, s, device); err != nil {
					return err
				}
				// Also retires owner from the shared stream.
				if err := b.ReleaseDevice(owner, device); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, b.CheckConsistency())

	snap := b.Snapshot()
	require.Len(t, snap.OwnerDevices, numDevices)
	require.Len(t, snap.Streams, numDevices)
	require.Equal(t, 0, rt.TotalResets())
	for device, s := range shared {
		require.Equal(t, 1, b.StreamOwnerCount(s), "only the anchor should be left on device %d", device)
	}
	require.Equal(t, numDevices, rt.LiveStreams())
}
