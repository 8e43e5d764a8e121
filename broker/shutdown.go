package broker

import (
	"cmp"
	"maps"
	"slices"

	"k8s.io/klog/v2"
)

// Shutdown tears the broker down: every outstanding stream is synchronized and destroyed, then
// every device that had at least one stream is reset, and all relations are cleared.
//
// It runs only once: later calls return the result of the first. Afterwards every other
// operation fails with Closed. Errors are logged and the first one is returned, but teardown
// always runs to the end.
func (b *Broker) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown()
	})
	return b.shutdownErr
}

func (b *Broker) shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	// No new destruction can start once closed: wait for the ones in flight.
	b.waitDestructionsLocked(-1)

	recs := slices.Collect(maps.Values(b.streams))
	slices.SortFunc(recs, func(x, y *streamRecord) int {
		return cmp.Compare(x.id, y.id)
	})
	var firstErr error
	devicesInUse := make(map[int]bool)
	for _, rec := range recs {
		if err := b.destroyStream(rec); err != nil && firstErr == nil {
			firstErr = err
		}
		devicesInUse[rec.device] = true
	}

	devices := slices.Sorted(maps.Keys(devicesInUse))
	for _, device := range devices {
		if err := b.onDevice(device, b.rt.ResetDevice); err != nil {
			klog.Errorf("%s: failed to reset device %d during shutdown: %+v", b, device, err)
			if firstErr == nil {
				firstErr = deviceFault(err, "failed to reset device %d during shutdown", device)
			}
		}
	}

	clear(b.streams)
	clear(b.ownerDevices)
	clear(b.deviceHolds)
	clear(b.dropped)
	klog.V(1).Infof("%s: shut down, destroyed %d streams and reset devices %v", b, len(recs), devices)
	return firstErr
}
