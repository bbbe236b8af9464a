package inject

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a syscall is requested while another one is
	// still executing in the same process.
	ErrBusy = errors.New("a syscall is already in flight")
	// ErrReleased is returned by requests issued after Release.
	ErrReleased = errors.New("process released")
)

// Conditions reported by ProtocolViolation.
const (
	CondUnexpectedEvent   = "unexpected ptrace event"
	CondUnexpectedSyscall = "unexpected syscall-stop"
	CondStillAlive        = "still alive"
	CondStoppedBySignal   = "stopped by signal"
	CondExited            = "process exited"
	CondKilled            = "process killed by signal"
	CondIPMismatch        = "instruction pointer mismatch"
)

// ProtocolViolation is returned when the injected syscall did not produce
// the entry/exit stop sequence the kernel guarantees for a well-behaved
// tracee.
type ProtocolViolation struct {
	Pid       int
	Condition string
	Detail    string
}

func (pv *ProtocolViolation) Error() string {
	if pv.Detail == "" {
		return fmt.Sprintf("syscall injection into %d: %s", pv.Pid, pv.Condition)
	}
	return fmt.Sprintf("syscall injection into %d: %s (%s)", pv.Pid, pv.Condition, pv.Detail)
}
