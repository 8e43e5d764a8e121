package simdevice

import (
	"runtime"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestActiveDeviceIsPerThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rt := New(3)
	require.NoError(t, rt.SetDevice(2))

	done := make(chan int)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		before := must.M1(rt.CurrentDevice())
		must.M(rt.SetDevice(1))
		must.M(rt.ResetDevice())
		done <- before
	}()
	require.Equal(t, 0, <-done, "a new thread starts on device 0")
	require.Equal(t, 2, must.M1(rt.CurrentDevice()))
	require.Equal(t, 1, rt.Resets(1))
	require.Equal(t, 0, rt.Resets(2))
}
