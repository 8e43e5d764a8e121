// Package simdevice implements devrt.Runtime over simulated accelerators.
//
// It keeps per-device counters (resets, streams created and destroyed, synchronizations) and
// supports fault injection, which makes it the runtime of choice for tests. It is also the
// fallback runtime of the default broker on hosts without a usable CUDA runtime.
//
// As in CUDA, the active device is a property of the calling OS thread (on linux; elsewhere it is
// a single process-wide value), and starts as device 0. Callers doing a sequence of calls must
// lock their goroutine to its thread with runtime.LockOSThread.
package simdevice

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/devicebroker/devrt"
	"k8s.io/klog/v2"
)

// Status codes reported by the simulated runtime. Values mirror the CUDA runtime's so logs read
// the same on both.
const (
	codeInvalidDevice         = 101
	codeInvalidResourceHandle = 400
	codeLaunchFailure         = 719
)

// Runtime is a simulated devrt.Runtime. The zero value is not usable, create it with New.
type Runtime struct {
	mu          sync.Mutex
	numDevices  int
	current     map[int]int // OS thread ID -> active device.
	nextHandle  devrt.NativeStream
	streams     map[devrt.NativeStream]int // Live stream -> device.
	devices     []deviceStats
	lastErr     error
	faults      map[int]int // device -> pending fault code, raised by the next synchronize on it.
	syncDelay   time.Duration
	syncCalls   int
	resetsTotal int
}

type deviceStats struct {
	resets, streamsCreated, streamsDestroyed int
}

var _ devrt.Runtime = (*Runtime)(nil)

// New creates a simulated runtime with numDevices devices; device 0 starts active.
func New(numDevices int) *Runtime {
	if numDevices < 0 {
		numDevices = 0
	}
	return &Runtime{
		numDevices: numDevices,
		current:    make(map[int]int),
		nextHandle: 0x1000,
		streams:    make(map[devrt.NativeStream]int),
		devices:    make([]deviceStats, numDevices),
		faults:     make(map[int]int),
	}
}

// Name implements devrt.Runtime.
func (r *Runtime) Name() string { return "sim" }

// String implements fmt.Stringer.
func (r *Runtime) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("simulated runtime (%d devices, %d live streams)", r.numDevices, len(r.streams))
}

// DeviceCount implements devrt.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numDevices, nil
}

// SetDeviceCount changes the number of visible devices, simulating hot-unplug or a restricted
// CUDA_VISIBLE_DEVICES. Statistics of devices that stay visible are preserved.
func (r *Runtime) SetDeviceCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	for len(r.devices) < n {
		r.devices = append(r.devices, deviceStats{})
	}
	r.numDevices = n
}

// CurrentDevice implements devrt.Runtime.
func (r *Runtime) CurrentDevice() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[threadID()], nil
}

// SetDevice implements devrt.Runtime.
func (r *Runtime) SetDevice(device int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device < 0 || device >= r.numDevices {
		return devrt.NewError(codeInvalidDevice, "SetDevice", fmt.Sprintf("invalid device ordinal %d", device))
	}
	r.current[threadID()] = device
	return nil
}

// CreateStream implements devrt.Runtime.
func (r *Runtime) CreateStream() (devrt.NativeStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.current[threadID()]
	if current >= r.numDevices {
		return 0, devrt.NewError(codeInvalidDevice, "CreateStream", "no valid active device")
	}
	r.nextHandle += 0x10
	handle := r.nextHandle
	r.streams[handle] = current
	r.devices[current].streamsCreated++
	klog.V(2).Infof("simdevice: created %s on device %d", handle, current)
	return handle, nil
}

// DestroyStream implements devrt.Runtime.
func (r *Runtime) DestroyStream(stream devrt.NativeStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, found := r.streams[stream]
	if !found {
		return devrt.NewError(codeInvalidResourceHandle, "DestroyStream", fmt.Sprintf("unknown %s", stream))
	}
	delete(r.streams, stream)
	r.devices[device].streamsDestroyed++
	return nil
}

// SynchronizeStream implements devrt.Runtime.
// A fault injected with InjectFault for the stream's device is raised here, and also recorded as
// the last error, the way a sticky asynchronous CUDA error surfaces on the next synchronization.
func (r *Runtime) SynchronizeStream(stream devrt.NativeStream) error {
	r.mu.Lock()
	device, found := r.streams[stream]
	delay := r.syncDelay
	r.syncCalls++
	r.mu.Unlock()
	if !found {
		return devrt.NewError(codeInvalidResourceHandle, "SynchronizeStream", fmt.Sprintf("unknown %s", stream))
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.faults[device]; ok {
		delete(r.faults, device)
		err := devrt.NewError(code, "SynchronizeStream", fmt.Sprintf("simulated fault on device %d", device))
		r.lastErr = err
		return err
	}
	return nil
}

// ResetDevice implements devrt.Runtime. As in CUDA, streams still living on the device are
// destroyed with its context.
func (r *Runtime) ResetDevice() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.current[threadID()]
	if current >= r.numDevices {
		return devrt.NewError(codeInvalidDevice, "ResetDevice", "no valid active device")
	}
	for stream, device := range r.streams {
		if device == current {
			klog.Warningf("simdevice: reset of device %d destroys live %s", device, stream)
			delete(r.streams, stream)
			r.devices[device].streamsDestroyed++
		}
	}
	delete(r.faults, current)
	r.devices[current].resets++
	r.resetsTotal++
	return nil
}

// LastError implements devrt.Runtime.
func (r *Runtime) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.lastErr
	r.lastErr = nil
	return err
}

// InjectFault makes the next synchronization of any stream on device fail with a launch failure.
func (r *Runtime) InjectFault(device int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[device] = codeLaunchFailure
}

// SetSyncDelay makes every SynchronizeStream sleep for d, simulating outstanding work.
func (r *Runtime) SetSyncDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncDelay = d
}

// Resets returns how many times device was reset.
func (r *Runtime) Resets(device int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device < 0 || device >= len(r.devices) {
		return 0
	}
	return r.devices[device].resets
}

// TotalResets returns the number of resets across all devices.
func (r *Runtime) TotalResets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetsTotal
}

// StreamsCreated returns how many streams were ever created on device.
func (r *Runtime) StreamsCreated(device int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device < 0 || device >= len(r.devices) {
		return 0
	}
	return r.devices[device].streamsCreated
}

// StreamsDestroyed returns how many streams of device were destroyed, explicitly or by a reset.
func (r *Runtime) StreamsDestroyed(device int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device < 0 || device >= len(r.devices) {
		return 0
	}
	return r.devices[device].streamsDestroyed
}

// LiveStreams returns the number of streams not yet destroyed, across all devices.
func (r *Runtime) LiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// IsLive reports whether stream was created and not yet destroyed.
func (r *Runtime) IsLive(stream devrt.NativeStream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, found := r.streams[stream]
	return found
}

// Synchronizations returns how many times SynchronizeStream was called.
func (r *Runtime) Synchronizations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncCalls
}
