package ptrace

import (
	"errors"
	"syscall"
)

// MaxSyscallArgs is the number of argument registers of the syscall ABI.
const MaxSyscallArgs = 6

// ErrTooManyArgs is returned when a syscall is prepared with more than
// MaxSyscallArgs arguments.
var ErrTooManyArgs = errors.New("too many syscall arguments")

// SyscallErrno decodes a raw syscall return value. Values in
// [-4095, -1] are negated errno codes.
func SyscallErrno(ret int64) (syscall.Errno, bool) {
	if ret < 0 && ret >= -4095 {
		return syscall.Errno(-ret), true
	}
	return 0, false
}
