//go:build !linux

package simdevice

// threadID is constant: the active device is shared by all threads on this platform.
func threadID() int {
	return 0
}
