//go:build linux && (amd64 || arm64)

package cudart

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/gomlx/devicebroker/devrt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runtime is a devrt.Runtime bound to a loaded libcudart. Create it with Load.
type Runtime struct {
	path    string
	handle  uintptr
	version int

	cudaGetDeviceCount    func(count *int32) int32
	cudaGetDevice         func(device *int32) int32
	cudaSetDevice         func(device int32) int32
	cudaStreamCreate      func(stream *uintptr) int32
	cudaStreamDestroy     func(stream uintptr) int32
	cudaStreamSynchronize func(stream uintptr) int32
	cudaDeviceReset       func() int32
	cudaGetLastError      func() int32
	cudaGetErrorString    func(code int32) string
	cudaRuntimeGetVersion func(version *int32) int32
}

var (
	loaded     *Runtime
	loadErr    error
	muLoad     sync.Mutex
	loadedOnce bool
)

// Load opens libcudart and binds the functions used by the device broker.
// The library is loaded only once: subsequent calls return the same Runtime (or the same error).
func Load() (*Runtime, error) {
	muLoad.Lock()
	defer muLoad.Unlock()
	if loadedOnce {
		return loaded, loadErr
	}
	loadedOnce = true
	loaded, loadErr = load()
	return loaded, loadErr
}

func load() (*Runtime, error) {
	libPath, handle, err := openLibrary()
	if err != nil {
		return nil, err
	}
	rt := &Runtime{path: libPath, handle: handle}
	if err := rt.register(); err != nil {
		return nil, errors.WithMessagef(err, "binding CUDA runtime functions from %q", libPath)
	}
	var version int32
	if code := rt.cudaRuntimeGetVersion(&version); code != cudaSuccess {
		klog.Errorf("Failed to retrieve CUDA runtime version from %q: %v", libPath, rt.toError(code, "cudaRuntimeGetVersion"))
	}
	rt.version = int(version)
	klog.V(1).Infof("loaded %s", rt)
	return rt, nil
}

// register binds the library symbols. purego panics on missing symbols, which is converted to an error here.
func (r *Runtime) register() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("missing symbol: %v", p)
		}
	}()
	purego.RegisterLibFunc(&r.cudaGetDeviceCount, r.handle, "cudaGetDeviceCount")
	purego.RegisterLibFunc(&r.cudaGetDevice, r.handle, "cudaGetDevice")
	purego.RegisterLibFunc(&r.cudaSetDevice, r.handle, "cudaSetDevice")
	purego.RegisterLibFunc(&r.cudaStreamCreate, r.handle, "cudaStreamCreate")
	purego.RegisterLibFunc(&r.cudaStreamDestroy, r.handle, "cudaStreamDestroy")
	purego.RegisterLibFunc(&r.cudaStreamSynchronize, r.handle, "cudaStreamSynchronize")
	purego.RegisterLibFunc(&r.cudaDeviceReset, r.handle, "cudaDeviceReset")
	purego.RegisterLibFunc(&r.cudaGetLastError, r.handle, "cudaGetLastError")
	purego.RegisterLibFunc(&r.cudaGetErrorString, r.handle, "cudaGetErrorString")
	purego.RegisterLibFunc(&r.cudaRuntimeGetVersion, r.handle, "cudaRuntimeGetVersion")
	return nil
}

// toError converts a cudaError_t to a *devrt.Error, or nil for cudaSuccess.
func (r *Runtime) toError(code int32, op string) error {
	if code == cudaSuccess {
		return nil
	}
	return devrt.NewError(int(code), op, r.cudaGetErrorString(code))
}

// Name implements devrt.Runtime.
func (r *Runtime) Name() string { return "cuda" }

// Path returns the path from where libcudart was loaded.
func (r *Runtime) Path() string { return r.path }

// Version returns the CUDA runtime version as major and minor numbers.
func (r *Runtime) Version() (major, minor int) {
	return r.version / 1000, (r.version % 1000) / 10
}

// String implements fmt.Stringer.
func (r *Runtime) String() string {
	major, minor := r.Version()
	return fmt.Sprintf("CUDA runtime v%d.%d (%s)", major, minor, r.path)
}

// DeviceCount implements devrt.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	var count int32
	if err := r.toError(r.cudaGetDeviceCount(&count), "cudaGetDeviceCount"); err != nil {
		return 0, err
	}
	return int(count), nil
}

// CurrentDevice implements devrt.Runtime.
func (r *Runtime) CurrentDevice() (int, error) {
	var device int32
	if err := r.toError(r.cudaGetDevice(&device), "cudaGetDevice"); err != nil {
		return -1, err
	}
	return int(device), nil
}

// SetDevice implements devrt.Runtime.
func (r *Runtime) SetDevice(device int) error {
	return r.toError(r.cudaSetDevice(int32(device)), "cudaSetDevice")
}

// CreateStream implements devrt.Runtime.
func (r *Runtime) CreateStream() (devrt.NativeStream, error) {
	var stream uintptr
	if err := r.toError(r.cudaStreamCreate(&stream), "cudaStreamCreate"); err != nil {
		return 0, err
	}
	return devrt.NativeStream(stream), nil
}

// DestroyStream implements devrt.Runtime.
func (r *Runtime) DestroyStream(stream devrt.NativeStream) error {
	return r.toError(r.cudaStreamDestroy(uintptr(stream)), "cudaStreamDestroy")
}

// SynchronizeStream implements devrt.Runtime.
func (r *Runtime) SynchronizeStream(stream devrt.NativeStream) error {
	return r.toError(r.cudaStreamSynchronize(uintptr(stream)), "cudaStreamSynchronize")
}

// ResetDevice implements devrt.Runtime.
func (r *Runtime) ResetDevice() error {
	return r.toError(r.cudaDeviceReset(), "cudaDeviceReset")
}

// LastError implements devrt.Runtime.
func (r *Runtime) LastError() error {
	return r.toError(r.cudaGetLastError(), "cudaGetLastError")
}
