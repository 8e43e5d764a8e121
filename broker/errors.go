package broker

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is the error type returned by the Broker. Use CodeOf or IsCode to classify errors.
type Error struct {
	Code ErrorCode
	msg  string

	// cause is the runtime error behind a DeviceFault, if any.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("device broker (%s): %s: %v", e.Code, e.msg, e.cause)
	}
	return fmt.Sprintf("device broker (%s): %s", e.Code, e.msg)
}

// Unwrap returns the runtime error behind a DeviceFault, or nil.
func (e *Error) Unwrap() error {
	return e.cause
}

// newError creates an *Error with a stack trace (see github.com/pkg/errors).
func newError(code ErrorCode, format string, args ...any) error {
	return errors.WithStack(&Error{Code: code, msg: fmt.Sprintf(format, args...)})
}

// deviceFault wraps a runtime error as a DeviceFault.
func deviceFault(cause error, format string, args ...any) error {
	return errors.WithStack(&Error{Code: DeviceFault, msg: fmt.Sprintf(format, args...), cause: cause})
}

// CodeOf returns the ErrorCode of err: OK if err is nil and Unknown if it wasn't created by the broker.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var bErr *Error
	if errors.As(err, &bErr) {
		return bErr.Code
	}
	return Unknown
}

// IsCode returns whether err was created by the broker with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
