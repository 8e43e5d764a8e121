//go:build !(linux && (amd64 || arm64))

package cudart

import (
	"github.com/gomlx/devicebroker/devrt"
)

// Runtime is not available on this platform: Load always fails.
type Runtime struct{}

// Load always returns ErrNotAvailable on this platform.
func Load() (*Runtime, error) { return nil, ErrNotAvailable }

// Available always returns false on this platform.
func Available() bool { return false }

func (r *Runtime) Name() string { return "cuda" }
func (r *Runtime) Path() string { return "" }
func (r *Runtime) DeviceCount() (int, error) { return 0, ErrNotAvailable }
func (r *Runtime) CurrentDevice() (int, error) { return -1, ErrNotAvailable }
func (r *Runtime) SetDevice(int) error { return ErrNotAvailable }
func (r *Runtime) CreateStream() (devrt.NativeStream, error) { return 0, ErrNotAvailable }
func (r *Runtime) DestroyStream(devrt.NativeStream) error { return ErrNotAvailable }
func (r *Runtime) SynchronizeStream(devrt.NativeStream) error { return ErrNotAvailable }
func (r *Runtime) ResetDevice() error { return ErrNotAvailable }
func (r *Runtime) LastError() error { return nil }
func (r *Runtime) Version() (major, minor int) { return 0, 0 }

// FindLibrary always returns false on this platform.
func FindLibrary() (string, bool) { return "", false }
