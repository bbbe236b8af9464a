package device

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by requests to a closed Bridge.
var ErrClosed = errors.New("device bridge closed")

// DispatchError is returned when the device rejects an access to its
// window.
type DispatchError struct {
	Addr  uint64
	Write bool
	Err   error
}

func (e *DispatchError) Error() string {
	dir := "read"
	if e.Write {
		dir = "write"
	}
	return fmt.Sprintf("device %s at %#x failed: %v", dir, e.Addr, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
