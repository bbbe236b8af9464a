package kvm

import (
	"errors"
	"fmt"
)

var (
	// ErrNoVM is returned by Get for processes without a KVM VM.
	ErrNoVM = errors.New("no kvm-vm file descriptor found")
	// ErrAlreadyStopped is returned by Stop for a stopped VM.
	ErrAlreadyStopped = errors.New("vm already stopped")
	// ErrNotStopped is returned by operations that need a stopped VM.
	ErrNotStopped = errors.New("vm not stopped")
)

// AttachError is returned when a hypervisor cannot be found or controlled.
type AttachError struct {
	Pid int
	Op  string
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("could not %s hypervisor %d: %v", e.Op, e.Pid, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
