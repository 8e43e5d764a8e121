package broker

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/prototext"
)

func TestSnapshot(t *testing.T) {
	b, _ := newTestBroker(t, 2)
	ownerA, ownerB := NewOwner(), NewOwner()
	require.NoError(t, b.AcquireDevice(ownerA, 1))
	require.NoError(t, b.AcquireDevice(ownerA, 1))
	require.NoError(t, b.AcquireDevice(ownerB, 0))
	s := must.M1(b.AcquireStream(ownerA, 1, NoStream))
	must.M1(b.AcquireStream(ownerB, 1, s))

	snap := b.Snapshot()
	require.Equal(t, b.ID().String(), snap.BrokerID)
	require.Equal(t, "sim", snap.Runtime)
	require.False(t, snap.Closed)
	require.Equal(t, []OwnerDeviceEntry{
		{Owner: ownerA, Device: 1, Count: 2},
		{Owner: ownerB, Device: 0, Count: 1},
	}, snap.OwnerDevices)
	require.Equal(t, []StreamEntry{
		{Stream: s, Device: 1, Owners: []Owner{ownerA, ownerB}},
	}, snap.Streams)

	pb, err := snap.ToProto()
	require.NoError(t, err)
	require.Equal(t, snap.BrokerID, pb.Fields["broker_id"].GetStringValue())
	require.Len(t, pb.Fields["owner_devices"].GetListValue().GetValues(), 2)
	streams := pb.Fields["streams"].GetListValue().GetValues()
	require.Len(t, streams, 1)
	stream := streams[0].GetStructValue()
	require.Equal(t, float64(s), stream.Fields["stream"].GetNumberValue())
	require.Equal(t, 1.0, stream.Fields["device"].GetNumberValue())
	require.Len(t, stream.Fields["owners"].GetListValue().GetValues(), 2)

	text := prototext.Format(pb)
	require.Contains(t, text, snap.BrokerID)
	require.Contains(t, text, "owner_devices")
}

func TestCheckConsistency(t *testing.T) {
	b, rt := newTestBroker(t, 1)
	owner := NewOwner()
	require.NoError(t, b.AcquireDevice(owner, 0))
	s := must.M1(b.AcquireStream(owner, 0, NoStream))
	require.NoError(t, b.CheckConsistency())

	// Corrupt the relations by hand.
	b.mu.Lock()
	b.deviceHolds[0]++
	b.mu.Unlock()
	require.Error(t, b.CheckConsistency())
	b.mu.Lock()
	b.deviceHolds[0]--
	delete(b.streams[s].owners, owner)
	b.mu.Unlock()
	require.ErrorContains(t, b.CheckConsistency(), "no owners")

	b.mu.Lock()
	b.streams[s].owners[owner] = struct{}{}
	b.mu.Unlock()
	require.NoError(t, b.CheckConsistency())

	// Devices that are no longer visible.
	rt.SetDeviceCount(0)
	require.ErrorContains(t, b.CheckConsistency(), "out of range")
	rt.SetDeviceCount(1)
	require.NoError(t, b.CheckConsistency())
}
