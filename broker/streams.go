package broker

import (
	"runtime"

	"github.com/gomlx/devicebroker/devrt"
	"k8s.io/klog/v2"
)

// AcquireStream records that owner is using a stream on device, and returns the stream.
//
// If existing is NoStream, a new stream is created on device; this leaves device as the active
// device of the calling thread. Otherwise owner joins the existing stream, which must be bound
// to device: a stream's device never changes. Acquiring a stream the owner already uses is a
// no-op that returns the same stream.
//
// Errors (none of them changes anything): InvalidDevice, StreamDeviceMismatch if existing is
// bound to another device, NotFound if existing is not a live stream of this broker, and
// DeviceFault if the runtime fails to create the stream.
func (b *Broker) AcquireStream(owner Owner, device int, existing Stream) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpenLocked(); err != nil {
		return NoStream, err
	}
	if err := b.validateDevice(device); err != nil {
		return NoStream, err
	}

	if existing != NoStream {
		rec, found := b.streams[existing]
		if !found {
			return NoStream, newError(NotFound, "%s is not bound to any device", existing)
		}
		if rec.device != device {
			return NoStream, newError(StreamDeviceMismatch, "%s is bound to device %d, it can't be used on device %d",
				existing, rec.device, device)
		}
		if _, found := rec.owners[owner]; found {
			return existing, nil
		}
		rec.owners[owner] = struct{}{}
		klog.V(1).Infof("%s: %s joined %s on device %d (%d owners)", b, owner, existing, device, len(rec.owners))
		return existing, nil
	}

	native, err := b.createNativeStream(device)
	if err != nil {
		return NoStream, deviceFault(err, "failed to create a stream on device %d", device)
	}
	b.lastStream++
	rec := &streamRecord{
		id:     b.lastStream,
		native: native,
		device: device,
		owners: map[Owner]struct{}{owner: {}},
	}
	b.streams[rec.id] = rec
	klog.V(1).Infof("%s: %s created %s (%s) on device %d", b, owner, rec.id, native, device)
	return rec.id, nil
}

// createNativeStream switches to device and creates a stream there. The active device is not restored.
func (b *Broker) createNativeStream(device int) (native devrt.NativeStream, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err = b.rt.SetDevice(device); err != nil {
		return
	}
	return b.rt.CreateStream()
}

// ReleaseStream records that owner no longer uses stream, which must be bound to device.
//
// When the last owner releases it, the stream is unbound from its device, synchronized and
// destroyed.
//
// It fails with NotFound, without changing anything, unless owner uses stream and stream is
// bound to device. A DeviceFault means the release was recorded but the runtime failed to
// destroy the stream.
func (b *Broker) ReleaseStream(owner Owner, stream Stream, device int) error {
	b.mu.Lock()
	if err := b.checkOpenLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	rec, found := b.streams[stream]
	if found {
		_, found = rec.owners[owner]
	}
	if !found || rec.device != device {
		err := b.notUsingStreamLocked(owner, stream, device)
		b.mu.Unlock()
		return err
	}
	orphan := b.releaseStreamLocked(owner, rec)
	if orphan == nil {
		b.mu.Unlock()
		return nil
	}
	b.destroying[orphan.device]++
	b.mu.Unlock()

	// The stream is no longer in the relations: it's destroyed without holding the broker lock.
	// Resets of its device wait for it, see waitDestructionsLocked.
	err := b.destroyStream(orphan)
	b.mu.Lock()
	b.destroying[orphan.device]--
	if b.destroying[orphan.device] == 0 {
		delete(b.destroying, orphan.device)
	}
	b.destroyed.Broadcast()
	b.mu.Unlock()
	return err
}

// waitDestructionsLocked blocks until no stream of device is being destroyed outside the lock.
// If device is negative, it waits for the streams of every device.
//
// b.mu must be held. It is released while waiting, so the relations may change meanwhile.
func (b *Broker) waitDestructionsLocked(device int) {
	for {
		pending := len(b.destroying) > 0
		if device >= 0 {
			pending = b.destroying[device] > 0
		}
		if !pending {
			return
		}
		klog.V(2).Infof("%s: waiting for stream destructions in flight (device %d)", b, device)
		b.destroyed.Wait()
	}
}

// notUsingStreamLocked returns the NotFound error of a ReleaseStream by an owner not using stream
// on device. If the stream was dropped by a reset of its device, the error says so, once per owner.
func (b *Broker) notUsingStreamLocked(owner Owner, stream Stream, device int) error {
	if d, found := b.dropped[stream]; found && d.device == device {
		if _, found := d.owners[owner]; found {
			delete(d.owners, owner)
			if len(d.owners) == 0 {
				delete(b.dropped, stream)
			}
			return newError(NotFound, "%s of %s was dropped by a reset of device %d", stream, owner, device)
		}
	}
	return newError(NotFound, "%s is not using %s on device %d", owner, stream, device)
}

// releaseStreamLocked removes the (stream, owner) entry. If it was the last owner, the stream is
// also unbound from its device and its record returned: the caller must destroy it. b.mu must be held.
func (b *Broker) releaseStreamLocked(owner Owner, rec *streamRecord) *streamRecord {
	delete(rec.owners, owner)
	klog.V(1).Infof("%s: %s released %s (%d owners left)", b, owner, rec.id, len(rec.owners))
	if len(rec.owners) > 0 {
		return nil
	}
	delete(b.streams, rec.id)
	return rec
}

// destroyStream synchronizes and destroys a stream already removed from the relations.
// It waits for any SynchronizeStream in flight on it.
func (b *Broker) destroyStream(rec *streamRecord) error {
	rec.busy.Lock()
	defer rec.busy.Unlock()
	err := b.onDevice(rec.device, func() error {
		if err := b.rt.SynchronizeStream(rec.native); err != nil {
			klog.Warningf("%s: failed to synchronize %s before destroying it: %v", b, rec.id, err)
		}
		return b.rt.DestroyStream(rec.native)
	})
	if err != nil {
		klog.Errorf("%s: failed to destroy %s on device %d: %+v", b, rec.id, rec.device, err)
		return deviceFault(err, "failed to destroy %s on device %d", rec.id, rec.device)
	}
	klog.V(1).Infof("%s: destroyed %s on device %d", b, rec.id, rec.device)
	return nil
}

// lookupStream returns the record of a bound stream, holding its busy lock shared, so it can't
// be destroyed until the caller releases it.
func (b *Broker) lookupStream(stream Stream) (*streamRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpenLocked(); err != nil {
		return nil, err
	}
	rec, found := b.streams[stream]
	if !found {
		return nil, newError(NotFound, "%s is not bound to any device", stream)
	}
	rec.busy.RLock()
	return rec, nil
}

// SynchronizeStream blocks until all work queued on stream completes.
//
// It switches to the stream's device for the call and restores the previously active device.
// It fails with NotFound if the stream is not bound, and with DeviceFault if the device reported
// an error. A fault doesn't release or reset anything.
func (b *Broker) SynchronizeStream(stream Stream) error {
	rec, err := b.lookupStream(stream)
	if err != nil {
		return err
	}
	defer rec.busy.RUnlock()
	err = b.onDevice(rec.device, func() error {
		if err := b.rt.SynchronizeStream(rec.native); err != nil {
			return err
		}
		return b.rt.LastError()
	})
	if err != nil {
		return deviceFault(err, "synchronizing %s on device %d", stream, rec.device)
	}
	return nil
}

// PinActiveDevice makes the device of stream the active device, and leaves it so: it reserves
// the device for the device-side work the caller issues next.
//
// In CUDA the active device is per OS thread, so the caller should have its goroutine locked to
// its thread (runtime.LockOSThread) for the reservation to be meaningful.
//
// It fails with NotFound if the stream is not bound, and with DeviceFault if the runtime fails
// or has a pending error.
func (b *Broker) PinActiveDevice(stream Stream) error {
	rec, err := b.lookupStream(stream)
	if err != nil {
		return err
	}
	defer rec.busy.RUnlock()
	if err := b.rt.SetDevice(rec.device); err != nil {
		return deviceFault(err, "pinning device %d for %s", rec.device, stream)
	}
	if err := b.rt.LastError(); err != nil {
		return deviceFault(err, "pinning device %d for %s", rec.device, stream)
	}
	return nil
}

// QueryDeviceForStream returns the device stream is bound to, or a NotFound error.
func (b *Broker) QueryDeviceForStream(stream Stream) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpenLocked(); err != nil {
		return -1, err
	}
	rec, found := b.streams[stream]
	if !found {
		return -1, newError(NotFound, "%s is not bound to any device", stream)
	}
	return rec.device, nil
}

// StreamOwnerCount returns the number of owners using stream, 0 if it is not bound.
func (b *Broker) StreamOwnerCount(stream Stream) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, found := b.streams[stream]; found {
		return len(rec.owners)
	}
	return 0
}

// NativeStream returns the runtime's handle for stream, to be passed to device-side calls.
func (b *Broker) NativeStream(stream Stream) (devrt.NativeStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, found := b.streams[stream]
	if !found {
		return 0, newError(NotFound, "%s is not bound to any device", stream)
	}
	return rec.native, nil
}
