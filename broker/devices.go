package broker

import (
	"cmp"
	"maps"
	"slices"

	"k8s.io/klog/v2"
)

// AcquireDevice records that owner is using device.
//
// Acquisitions are reference counted: an owner that acquires the same device N times must
// release it N times. It fails with InvalidDevice, without changing anything, if device is not
// in [0, DeviceCount()).
func (b *Broker) AcquireDevice(owner Owner, device int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpenLocked(); err != nil {
		return err
	}
	if err := b.validateDevice(device); err != nil {
		return err
	}
	key := ownerDevice{owner: owner, device: device}
	b.ownerDevices[key]++
	b.deviceHolds[device]++
	klog.V(1).Infof("%s: %s acquired device %d (held %d times by it, %d in total)",
		b, owner, device, b.ownerDevices[key], b.deviceHolds[device])
	return nil
}

// ReleaseDevice releases one acquisition of device by owner.
//
// When it is the owner's last acquisition of the device, every stream the owner uses on that
// device is released as with ReleaseStream. Releasing an earlier acquisition of a device the
// owner acquired several times leaves its streams alone: they go with the last one. When no owner holds the device anymore, the device is
// reset: its execution context is destroyed and its memory released. The reset is synchronous.
//
// It fails with NotFound, without changing anything, if owner doesn't hold device. A DeviceFault
// means the release was recorded, but the runtime failed to destroy a stream or reset the device.
func (b *Broker) ReleaseDevice(owner Owner, device int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Streams of device released by ReleaseStream may still be being destroyed: they must be
	// gone before a reset. Waiting releases the lock, so everything is checked afterwards.
	b.waitDestructionsLocked(device)
	if err := b.checkOpenLocked(); err != nil {
		return err
	}
	key := ownerDevice{owner: owner, device: device}
	if b.ownerDevices[key] == 0 {
		return newError(NotFound, "%s doesn't hold device %d", owner, device)
	}

	var firstErr error
	if b.ownerDevices[key] == 1 {
		for _, rec := range b.retireOwnerStreamsLocked(owner, device) {
			if err := b.destroyStream(rec); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	b.ownerDevices[key]--
	if b.ownerDevices[key] == 0 {
		delete(b.ownerDevices, key)
	}
	b.deviceHolds[device]--
	klog.V(1).Infof("%s: %s released device %d (%d holds left)", b, owner, device, b.deviceHolds[device])
	if b.deviceHolds[device] > 0 {
		return firstErr
	}
	delete(b.deviceHolds, device)

	// Last owner gone: the reset happens under the lock, so no acquisition can slip in between
	// the decision and the reset.
	if err := b.resetDeviceLocked(device); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// retireOwnerStreamsLocked removes owner from every stream it uses on device, and returns the
// records of the streams left without owners, which the caller must destroy. b.mu must be held.
func (b *Broker) retireOwnerStreamsLocked(owner Owner, device int) []*streamRecord {
	var ids []Stream
	for id, rec := range b.streams {
		if _, found := rec.owners[owner]; found && rec.device == device {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	var orphans []*streamRecord
	for _, id := range ids {
		if rec := b.releaseStreamLocked(owner, b.streams[id]); rec != nil {
			orphans = append(orphans, rec)
		}
	}
	return orphans
}

// resetDeviceLocked resets device, restoring the active device afterwards. b.mu must be held.
//
// Streams other owners still use on the device would not survive the reset: they are
// synchronized, destroyed and dropped from the relations first. Their owners get a NotFound
// naming the reset when they release them.
func (b *Broker) resetDeviceLocked(device int) error {
	var firstErr error
	for _, rec := range b.streamsOnDeviceLocked(device) {
		owners := slices.Sorted(maps.Keys(rec.owners))
		klog.Warningf("%s: reset of device %d drops %s still used by %v", b, device, rec.id, owners)
		delete(b.streams, rec.id)
		b.dropped[rec.id] = &droppedStream{device: device, owners: maps.Clone(rec.owners)}
		b.droppedTotal++
		if err := b.destroyStream(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	err := b.onDevice(device, b.rt.ResetDevice)
	if err != nil {
		klog.Errorf("%s: failed to reset device %d: %+v", b, device, err)
		return deviceFault(err, "failed to reset device %d", device)
	}
	klog.V(1).Infof("%s: reset device %d", b, device)
	return firstErr
}

// streamsOnDeviceLocked returns the records of the streams bound to device, ordered by stream.
func (b *Broker) streamsOnDeviceLocked(device int) []*streamRecord {
	var recs []*streamRecord
	for _, rec := range b.streams {
		if rec.device == device {
			recs = append(recs, rec)
		}
	}
	slices.SortFunc(recs, func(x, y *streamRecord) int {
		return cmp.Compare(x.id, y.id)
	})
	return recs
}

// QueryDeviceForOwner returns the device held by owner.
//
// It fails with AmbiguousOrAbsent unless owner has exactly one OwnerDevice entry: an owner that
// holds no device, several devices, or the same device more than once has no single answer.
func (b *Broker) QueryDeviceForOwner(owner Owner) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpenLocked(); err != nil {
		return -1, err
	}
	device, entries := -1, 0
	for key, count := range b.ownerDevices {
		if key.owner == owner {
			device = key.device
			entries += count
		}
	}
	if entries != 1 {
		return -1, newError(AmbiguousOrAbsent, "%s has %d device entries, exactly one is required", owner, entries)
	}
	return device, nil
}

// OwnerDeviceCount returns how many times owner currently holds device.
func (b *Broker) OwnerDeviceCount(owner Owner, device int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerDevices[ownerDevice{owner: owner, device: device}]
}

// DeviceHolds returns the total number of OwnerDevice entries for device.
func (b *Broker) DeviceHolds(device int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceHolds[device]
}
