package devrt

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is a failure status reported by a Runtime.
type Error struct {
	// Code is the runtime's raw status code (e.g. a cudaError_t value).
	Code int

	// Op is the runtime call that failed, e.g. "cudaStreamSynchronize".
	Op string

	// Message is the runtime's description of Code.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (code=%d): %s", e.Op, e.Code, e.Message)
}

// NewError returns a *Error with a stack trace attached, or nil if code is 0 (success).
func NewError(code int, op, message string) error {
	if code == 0 {
		return nil
	}
	return errors.WithStack(&Error{Code: code, Op: op, Message: message})
}

// StatusCode extracts the runtime status code from err, or 0 if err doesn't carry a *Error.
func StatusCode(err error) int {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Code
	}
	return 0
}
