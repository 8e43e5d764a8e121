// Package broker implements the device broker: a process-wide arbiter of shared access to a fixed
// set of accelerator devices and to the asynchronous execution streams created on them, on behalf
// of many independent owners running concurrently.
//
// The broker keeps three relations:
//
//   - OwnerDevice: which owners are using which devices (a multiset: acquisitions are reference counted).
//   - StreamDevice: the device each stream is bound to; a binding never changes.
//   - StreamOwner: which owners are using which streams.
//
// All of them are guarded by a single lock, so they are always mutually consistent. A device is
// reset (its execution context destroyed) exactly when its last OwnerDevice entry is released,
// and a stream is synchronized and destroyed exactly when its last owner releases it.
//
// Owners and streams are small value handles: the broker never dereferences them.
//
// Most users will use the process-wide broker returned by Default, and call ShutdownDefault at
// the end of the program.
package broker

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/devicebroker/devrt"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Owner is an opaque identity of a client of the broker. Any pointer-sized value can be used,
// or fresh ones can be created with NewOwner.
type Owner uintptr

// String implements fmt.Stringer.
func (o Owner) String() string {
	return fmt.Sprintf("owner(%#x)", uintptr(o))
}

var lastOwner atomic.Uintptr

// NewOwner returns a new process-unique Owner.
func NewOwner() Owner {
	return Owner(lastOwner.Add(1))
}

// Stream is a handle to an execution stream created by the broker, bound to one device for its
// whole lifetime.
type Stream uint64

// NoStream is passed to AcquireStream to request a new stream.
const NoStream Stream = 0

// String implements fmt.Stringer.
func (s Stream) String() string {
	if s == NoStream {
		return "stream(none)"
	}
	return fmt.Sprintf("stream#%d", uint64(s))
}

// ownerDevice is a key of the OwnerDevice relation.
type ownerDevice struct {
	owner  Owner
	device int
}

// streamRecord holds the StreamDevice and StreamOwner entries of one stream.
type streamRecord struct {
	id     Stream
	native devrt.NativeStream
	device int
	owners map[Owner]struct{}

	// busy is held shared by SynchronizeStream while it blocks on the device, and exclusively
	// while the stream is destroyed.
	busy sync.RWMutex
}

// droppedStream is a stream destroyed by a device reset, with the owners not yet told about it.
type droppedStream struct {
	device int
	owners map[Owner]struct{}
}

// Broker arbitrates the use of the devices of a devrt.Runtime. It is safe for concurrent use.
type Broker struct {
	id uuid.UUID
	rt devrt.Runtime

	mu           sync.Mutex
	closed       bool
	ownerDevices map[ownerDevice]int      // Multiplicity of each OwnerDevice entry.
	deviceHolds  map[int]int              // Number of OwnerDevice entries per device.
	streams      map[Stream]*streamRecord // StreamDevice and StreamOwner.
	lastStream   Stream

	// dropped remembers, for the owners that haven't released them yet, the streams destroyed
	// by the reset of their device while still in use.
	dropped      map[Stream]*droppedStream
	droppedTotal int

	// destroying counts, per device, the streams released by ReleaseStream whose destruction
	// is still running outside b.mu. A device is only reset when its count is zero.
	destroying map[int]int
	destroyed  *sync.Cond // Signaled, with b.mu, whenever a count in destroying drops.

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Broker over the given runtime. Its relations start empty.
func New(rt devrt.Runtime) *Broker {
	b := &Broker{
		id:           uuid.New(),
		rt:           rt,
		ownerDevices: make(map[ownerDevice]int),
		deviceHolds:  make(map[int]int),
		streams:      make(map[Stream]*streamRecord),
		dropped:      make(map[Stream]*droppedStream),
		destroying:   make(map[int]int),
	}
	b.destroyed = sync.NewCond(&b.mu)
	klog.V(1).Infof("created %s", b)
	return b
}

// ID returns the unique identifier of the broker, used in logs and snapshots.
func (b *Broker) ID() uuid.UUID {
	return b.id
}

// Runtime returns the devrt.Runtime the broker manages.
func (b *Broker) Runtime() devrt.Runtime {
	return b.rt
}

// String implements fmt.Stringer.
func (b *Broker) String() string {
	return fmt.Sprintf("device broker %s (%s runtime)", b.id, b.rt.Name())
}

// DeviceCount returns the number of devices currently reported by the runtime.
func (b *Broker) DeviceCount() (int, error) {
	count, err := b.rt.DeviceCount()
	if err != nil {
		return 0, deviceFault(err, "failed to count devices")
	}
	return count, nil
}

// checkOpenLocked returns a Closed error after Shutdown. b.mu must be held.
func (b *Broker) checkOpenLocked() error {
	if b.closed {
		return newError(Closed, "%s is shut down", b)
	}
	return nil
}

// validateDevice checks device against the live device count.
func (b *Broker) validateDevice(device int) error {
	count, err := b.DeviceCount()
	if err != nil {
		return err
	}
	if device < 0 || device >= count {
		return newError(InvalidDevice, "device %d out of range [0, %d)", device, count)
	}
	return nil
}

// onDevice runs fn with device active and restores the previously active device afterwards.
//
// The goroutine is locked to its OS thread meanwhile: CUDA's active device is per thread.
func (b *Broker) onDevice(device int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	previous, err := b.rt.CurrentDevice()
	if err != nil {
		return err
	}
	if previous != device {
		if err := b.rt.SetDevice(device); err != nil {
			return err
		}
		klog.V(2).Infof("%s: switched active device %d -> %d", b, previous, device)
		defer func() {
			if err := b.rt.SetDevice(previous); err != nil {
				klog.Errorf("%s: failed to restore active device %d: %v", b, previous, err)
			}
		}()
	}
	return fn()
}
