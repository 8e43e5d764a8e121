package broker

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// OwnerDeviceEntry is an OwnerDevice entry with its multiplicity.
type OwnerDeviceEntry struct {
	Owner  Owner
	Device int
	Count  int
}

// StreamEntry describes a bound stream and its owners.
type StreamEntry struct {
	Stream Stream
	Device int
	Owners []Owner
}

// Snapshot is a consistent copy of the relations of a Broker, for diagnostics.
type Snapshot struct {
	BrokerID     string
	Runtime      string
	Closed       bool
	OwnerDevices []OwnerDeviceEntry
	Streams      []StreamEntry

	// DroppedStreams is the number of streams destroyed by device resets while still in use.
	DroppedStreams int
}

// Snapshot returns a copy of the broker's relations, sorted by owner, device and stream.
func (b *Broker) Snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Snapshot{
		BrokerID: b.id.String(),
		Runtime:  b.rt.Name(),
		Closed:   b.closed,

		DroppedStreams: b.droppedTotal,
	}
	for key, count := range b.ownerDevices {
		s.OwnerDevices = append(s.OwnerDevices, OwnerDeviceEntry{Owner: key.owner, Device: key.device, Count: count})
	}
	slices.SortFunc(s.OwnerDevices, func(x, y OwnerDeviceEntry) int {
		return cmp.Or(cmp.Compare(x.Owner, y.Owner), cmp.Compare(x.Device, y.Device))
	})
	for id, rec := range b.streams {
		entry := StreamEntry{Stream: id, Device: rec.device}
		for owner := range rec.owners {
			entry.Owners = append(entry.Owners, owner)
		}
		slices.Sort(entry.Owners)
		s.Streams = append(s.Streams, entry)
	}
	slices.SortFunc(s.Streams, func(x, y StreamEntry) int {
		return cmp.Compare(x.Stream, y.Stream)
	})
	return s
}

// ToProto converts the snapshot to a structpb.Struct, printable with prototext or protojson.
func (s *Snapshot) ToProto() (*structpb.Struct, error) {
	ownerDevices := make([]any, 0, len(s.OwnerDevices))
	for _, entry := range s.OwnerDevices {
		ownerDevices = append(ownerDevices, map[string]any{
			"owner":  uint64(entry.Owner),
			"device": entry.Device,
			"count":  entry.Count,
		})
	}
	streams := make([]any, 0, len(s.Streams))
	for _, entry := range s.Streams {
		owners := make([]any, 0, len(entry.Owners))
		for _, owner := range entry.Owners {
			owners = append(owners, uint64(owner))
		}
		streams = append(streams, map[string]any{
			"stream": uint64(entry.Stream),
			"device": entry.Device,
			"owners": owners,
		})
	}
	pb, err := structpb.NewStruct(map[string]any{
		"broker_id":       s.BrokerID,
		"runtime":         s.Runtime,
		"closed":          s.Closed,
		"owner_devices":   ownerDevices,
		"streams":         streams,
		"dropped_streams": s.DroppedStreams,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "converting snapshot of broker %s to proto", s.BrokerID)
	}
	return pb, nil
}

// CheckConsistency verifies the invariants linking the relations: every stream has at least one
// owner and is bound to a device in [0, DeviceCount()), every OwnerDevice entry refers to such a
// device, and the per-device hold counts match the OwnerDevice entries.
func (b *Broker) CheckConsistency() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	numDevices, err := b.DeviceCount()
	if err != nil {
		return err
	}
	for id, rec := range b.streams {
		if rec.id != id {
			return errors.Errorf("%s is registered as %s", rec.id, id)
		}
		if len(rec.owners) == 0 {
			return errors.Errorf("%s on device %d has no owners but is still bound", id, rec.device)
		}
		if rec.device < 0 || rec.device >= numDevices {
			return errors.Errorf("%s is bound to device %d, out of range [0, %d)", id, rec.device, numDevices)
		}
	}
	holds := make(map[int]int)
	for key, count := range b.ownerDevices {
		if count <= 0 {
			return errors.Errorf("%s has non-positive count %d for device %d", key.owner, count, key.device)
		}
		if key.device < 0 || key.device >= numDevices {
			return errors.Errorf("%s holds device %d, out of range [0, %d)", key.owner, key.device, numDevices)
		}
		holds[key.device] += count
	}
	for device, count := range b.deviceHolds {
		if holds[device] != count {
			return errors.Errorf("device %d has %d holds recorded but %d OwnerDevice entries", device, count, holds[device])
		}
	}
	for device, count := range holds {
		if b.deviceHolds[device] != count {
			return errors.Errorf("device %d has %d OwnerDevice entries but %d holds recorded", device, count, b.deviceHolds[device])
		}
	}
	return nil
}
