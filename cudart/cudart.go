// Package cudart implements devrt.Runtime on top of NVIDIA's CUDA runtime library (libcudart),
// loaded at run time with purego: no cgo and no CUDA toolkit are needed to build it.
//
// The library is searched in the CUDART_LIBRARY_PATH directories (a ":" separated list), then in
// the usual CUDA installation directories and in the system's library paths (LD_LIBRARY_PATH and
// /etc/ld.so.conf on linux).
package cudart

import (
	"github.com/gomlx/devicebroker/devrt"
	"github.com/pkg/errors"
)

const (
	// LibraryPathsEnv is the name of the environment variable that defines the search paths for libcudart.
	LibraryPathsEnv = "CUDART_LIBRARY_PATH"

	// ChecksEnv disables the NVIDIA hardware presence check done by Available when set to "0", "no" or "false".
	ChecksEnv = "DEVICEBROKER_CUDA_CHECKS"
)

// ErrNotAvailable is returned by Load on platforms where libcudart can't be loaded.
var ErrNotAvailable = errors.New("cudart: CUDA runtime not available on this platform")

// Status codes of the CUDA runtime the package refers to.
const (
	cudaSuccess = 0
)

var _ devrt.Runtime = (*Runtime)(nil)
