package broker

// ErrorCode classifies the errors returned by the Broker.
type ErrorCode int

//go:generate go tool enumer -type=ErrorCode errorcode.go

const (
	// OK is returned by CodeOf for a nil error.
	OK ErrorCode = iota

	// Unknown is returned by CodeOf for errors not created by the broker.
	Unknown

	// InvalidDevice means a device index outside [0, deviceCount).
	InvalidDevice

	// NotFound means the relation entry a release or query needs doesn't exist.
	NotFound

	// AmbiguousOrAbsent means zero or several matches where exactly one is required.
	AmbiguousOrAbsent

	// StreamDeviceMismatch means an attempt to use a stream on a device other than the one it is bound to.
	StreamDeviceMismatch

	// DeviceFault means the runtime reported an error during a device call.
	DeviceFault

	// Closed means the broker was already shut down.
	Closed
)
