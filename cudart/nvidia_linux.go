//go:build linux && (amd64 || arm64)

package cudart

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

var (
	hasNvidiaGPUOnce  sync.Once
	hasNvidiaGPUValue bool
)

// hasNvidiaGPU reports whether NVIDIA hardware is present, not just its drivers. The answer is
// computed once: device nodes under /dev first, then the output of nvidia-smi.
func hasNvidiaGPU() bool {
	hasNvidiaGPUOnce.Do(func() {
		hasNvidiaGPUValue = nvidiaDeviceNodes() || nvidiaSMIReportsGPU()
		klog.V(1).Infof("cudart: NVIDIA GPU present: %v", hasNvidiaGPUValue)
	})
	return hasNvidiaGPUValue
}

const nvidiaDevicePattern = "/dev/nvidia*"

func nvidiaDeviceNodes() bool {
	nodes, err := filepath.Glob(nvidiaDevicePattern)
	if err != nil {
		klog.Warningf("cudart: bad device pattern %q: %v", nvidiaDevicePattern, err)
		return false
	}
	return len(nodes) > 0
}

func nvidiaSMIReportsGPU() bool {
	smi, err := exec.LookPath("nvidia-smi")
	if err != nil {
		klog.V(1).Infof("cudart: no %s device nodes and no nvidia-smi in PATH", nvidiaDevicePattern)
		return false
	}
	output, err := exec.Command(smi).CombinedOutput()
	if err != nil {
		klog.V(1).Infof("cudart: %s failed, assuming no GPU: %v", smi, err)
		return false
	}
	return strings.Contains(string(output), "NVIDIA-SMI")
}

// checksEnabled returns false if the hardware checks were disabled with DEVICEBROKER_CUDA_CHECKS.
func checksEnabled() bool {
	value := strings.ToUpper(os.Getenv(ChecksEnv))
	return value != "0" && value != "NO" && value != "FALSE"
}

// Available reports whether the CUDA runtime library can be found and, unless disabled with
// DEVICEBROKER_CUDA_CHECKS=0, whether an NVIDIA GPU seems to be installed.
// It doesn't load the library.
func Available() bool {
	if checksEnabled() && !hasNvidiaGPU() {
		return false
	}
	_, found := FindLibrary()
	return found
}
