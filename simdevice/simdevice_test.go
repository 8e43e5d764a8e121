package simdevice

import (
	"runtime"
	"testing"

	"github.com/gomlx/devicebroker/devrt"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestStreamLifecycle(t *testing.T) {
	runtime.LockOSThread() // The active device is per thread.
	defer runtime.UnlockOSThread()
	rt := New(2)
	require.NoError(t, rt.SetDevice(1))
	stream, err := rt.CreateStream()
	require.NoError(t, err)
	require.True(t, rt.IsLive(stream))
	require.Equal(t, 1, rt.StreamsCreated(1))
	require.Equal(t, 0, rt.StreamsCreated(0))

	require.NoError(t, rt.SynchronizeStream(stream))
	require.Equal(t, 1, rt.Synchronizations())
	require.NoError(t, rt.DestroyStream(stream))
	require.False(t, rt.IsLive(stream))
	require.Equal(t, 1, rt.StreamsDestroyed(1))

	err = rt.DestroyStream(stream)
	require.Error(t, err)
	require.Equal(t, codeInvalidResourceHandle, devrt.StatusCode(err))
}

func TestSetDeviceValidation(t *testing.T) {
	runtime.LockOSThread() // The active device is per thread.
	defer runtime.UnlockOSThread()
	rt := New(1)
	err := rt.SetDevice(1)
	require.Error(t, err)
	require.Equal(t, codeInvalidDevice, devrt.StatusCode(err))
	require.Error(t, rt.SetDevice(-1))

	rt.SetDeviceCount(3)
	require.NoError(t, rt.SetDevice(2))
	current, err := rt.CurrentDevice()
	require.NoError(t, err)
	require.Equal(t, 2, current)
}

func TestResetDestroysStreamsOfDevice(t *testing.T) {
	runtime.LockOSThread() // The active device is per thread.
	defer runtime.UnlockOSThread()
	rt := New(2)
	require.NoError(t, rt.SetDevice(0))
	s0 := must.M1(rt.CreateStream())
	require.NoError(t, rt.SetDevice(1))
	s1 := must.M1(rt.CreateStream())

	require.NoError(t, rt.SetDevice(0))
	require.NoError(t, rt.ResetDevice())
	require.Equal(t, 1, rt.Resets(0))
	require.Equal(t, 0, rt.Resets(1))
	require.Equal(t, 1, rt.TotalResets())
	require.False(t, rt.IsLive(s0))
	require.True(t, rt.IsLive(s1))
	require.Equal(t, 1, rt.LiveStreams())
}

func TestInjectFault(t *testing.T) {
	runtime.LockOSThread() // The active device is per thread.
	defer runtime.UnlockOSThread()
	rt := New(2)
	require.NoError(t, rt.SetDevice(1))
	stream := must.M1(rt.CreateStream())
	rt.InjectFault(1)

	err := rt.SynchronizeStream(stream)
	require.Error(t, err)
	require.Equal(t, codeLaunchFailure, devrt.StatusCode(err))
	require.Error(t, rt.LastError())
	require.NoError(t, rt.LastError(), "LastError should be cleared once read")

	// Fault is consumed by the first synchronization.
	require.NoError(t, rt.SynchronizeStream(stream))
}
