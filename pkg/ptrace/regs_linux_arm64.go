package ptrace

import (
	"debug/elf"
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// SyscallInstructionSize is the length of the svc instruction.
const SyscallInstructionSize = 4

// SyscallText is the encoding of svc #0.
var SyscallText = []byte{0x01, 0x00, 0x00, 0xd4}

// Regs is the register image of a stopped arm64 thread.
type Regs struct {
	sys.PtraceRegs
	// origX0 is the first syscall argument as it was on entry, x0 is
	// overwritten with the return value by the time of the exit stop.
	origX0 uint64
}

// PTRACE_GETREGS is not implemented on arm64, the regset interface is used
// instead.
func getRegs(tid int, regs *Regs) error {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(&regs.PtraceRegs)), Len: uint64(unsafe.Sizeof(regs.PtraceRegs))}
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

func setRegs(tid int, regs *Regs) error {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(&regs.PtraceRegs)), Len: uint64(unsafe.Sizeof(regs.PtraceRegs))}
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// IP returns the program counter.
func (r *Regs) IP() uint64 {
	return r.Pc
}

// SetIP sets the program counter.
func (r *Regs) SetIP(ip uint64) {
	r.Pc = ip
}

// PrepareSyscall returns a copy of r set up to execute syscall nr with args
// at the current program counter.
func (r Regs) PrepareSyscall(nr uint64, args ...uint64) (Regs, error) {
	if len(args) > MaxSyscallArgs {
		return Regs{}, fmt.Errorf("%w: %d", ErrTooManyArgs, len(args))
	}
	var a [MaxSyscallArgs]uint64
	copy(a[:], args)
	r.Regs[8] = nr
	copy(r.Regs[:MaxSyscallArgs], a[:])
	r.origX0 = a[0]
	return r, nil
}

// SyscallRet returns the raw return value at a syscall-exit-stop.
func (r *Regs) SyscallRet() int64 {
	return int64(r.Regs[0])
}

// SyscallNr returns the syscall number at a syscall-stop.
func (r *Regs) SyscallNr() uint64 {
	return r.Regs[8]
}

// SyscallArgs returns the six argument registers at a syscall-stop.
func (r *Regs) SyscallArgs() [MaxSyscallArgs]uint64 {
	var a [MaxSyscallArgs]uint64
	copy(a[:], r.Regs[:MaxSyscallArgs])
	return a
}

// SetOrigArg0 records the first argument seen at the entry stop so that
// RewindSyscall can restore it.
func (r *Regs) SetOrigArg0(x0 uint64) {
	r.origX0 = x0
}

// RewindSyscall arranges, at a syscall-exit-stop, for the same syscall to
// be issued again when the thread resumes.
func (r *Regs) RewindSyscall() {
	r.Pc -= SyscallInstructionSize
	r.Regs[0] = r.origX0
}
