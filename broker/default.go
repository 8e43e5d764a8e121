package broker

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/devicebroker/cudart"
	"github.com/gomlx/devicebroker/devrt"
	"github.com/gomlx/devicebroker/simdevice"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// RuntimeEnv selects the runtime of the default broker: "cuda", "sim", or empty to use CUDA
	// when it is available and the simulated runtime otherwise.
	RuntimeEnv = "DEVICEBROKER_RUNTIME"

	// SimDevicesEnv sets the number of simulated devices, 1 by default.
	SimDevicesEnv = "DEVICEBROKER_SIM_DEVICES"
)

var (
	// defaultBroker is created on first use. Protected by muDefault.
	defaultBroker *Broker
	muDefault     sync.Mutex
)

// Default returns the process-wide broker, created on first use with the runtime selected by
// RuntimeFromEnv. It lives until the end of the program: call ShutdownDefault before exiting.
//
// If the runtime can't be created the error is returned, and the next call tries again.
func Default() (*Broker, error) {
	muDefault.Lock()
	defer muDefault.Unlock()
	if defaultBroker != nil {
		return defaultBroker, nil
	}
	rt, err := RuntimeFromEnv()
	if err != nil {
		return nil, errors.WithMessage(err, "creating the default device broker")
	}
	defaultBroker = New(rt)
	return defaultBroker, nil
}

// ShutdownDefault shuts down the process-wide broker, if it was ever created.
func ShutdownDefault() error {
	muDefault.Lock()
	b := defaultBroker
	muDefault.Unlock()
	if b == nil {
		return nil
	}
	return b.Shutdown()
}

// RuntimeFromEnv creates the devrt.Runtime selected by the DEVICEBROKER_RUNTIME environment variable.
func RuntimeFromEnv() (devrt.Runtime, error) {
	name := strings.ToLower(strings.TrimSpace(os.Getenv(RuntimeEnv)))
	switch name {
	case "cuda":
		rt, err := cudart.Load()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s=%q", RuntimeEnv, name)
		}
		return rt, nil
	case "sim", "simulated":
		return newSimRuntime()
	case "":
		if cudart.Available() {
			rt, err := cudart.Load()
			if err == nil {
				return rt, nil
			}
			klog.Warningf("CUDA runtime found but failed to load, falling back to simulated devices: %v", err)
		} else {
			klog.V(1).Infof("No CUDA runtime available, using simulated devices")
		}
		return newSimRuntime()
	default:
		return nil, errors.Errorf("unknown device runtime %s=%q, valid values are \"cuda\" or \"sim\"", RuntimeEnv, name)
	}
}

func newSimRuntime() (devrt.Runtime, error) {
	numDevices := 1
	if value := os.Getenv(SimDevicesEnv); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, errors.Errorf("invalid %s=%q, it must be a non-negative integer", SimDevicesEnv, value)
		}
		numDevices = n
	}
	return simdevice.New(numDevices), nil
}
