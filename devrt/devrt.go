// Package devrt defines the minimal accelerator runtime the device broker is built on: counting
// devices, selecting the active device, creating, synchronizing and destroying streams, and
// resetting a device's execution context.
//
// Implementations live in sibling packages: cudart binds the CUDA runtime library and simdevice
// provides simulated accelerators for tests and hosts without a GPU.
package devrt

import "fmt"

// NativeStream is the runtime's own handle for an execution stream, e.g. a cudaStream_t.
// It is opaque to everyone but the Runtime that created it.
type NativeStream uintptr

// String implements fmt.Stringer.
func (s NativeStream) String() string {
	return fmt.Sprintf("native-stream(%#x)", uintptr(s))
}

// Runtime is the set of device primitives consumed by the broker.
//
// The active device is a property of the calling OS thread in CUDA: callers that need a
// sequence of calls to see the same active device must lock their goroutine to the OS thread.
type Runtime interface {
	// Name of the runtime, used in logs, e.g. "cuda" or "sim".
	Name() string

	// DeviceCount returns the number of devices currently visible.
	DeviceCount() (int, error)

	// CurrentDevice returns the active device.
	CurrentDevice() (int, error)

	// SetDevice makes device the active device.
	SetDevice(device int) error

	// CreateStream creates a new stream on the active device.
	CreateStream() (NativeStream, error)

	// DestroyStream destroys a stream created with CreateStream.
	DestroyStream(stream NativeStream) error

	// SynchronizeStream blocks until all work queued on the stream completes.
	SynchronizeStream(stream NativeStream) error

	// ResetDevice destroys the active device's execution context and releases its memory.
	ResetDevice() error

	// LastError returns and clears the last error reported by the device, or nil.
	LastError() error
}
