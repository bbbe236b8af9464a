package ptrace

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// SyscallInstructionSize is the length of the syscall instruction.
const SyscallInstructionSize = 2

// SyscallText is the encoding of the syscall instruction (0f 05).
var SyscallText = []byte{0x0f, 0x05}

// Regs is the register image of a stopped amd64 thread.
type Regs struct {
	sys.PtraceRegs
}

func getRegs(tid int, regs *Regs) error {
	return sys.PtraceGetRegs(tid, &regs.PtraceRegs)
}

func setRegs(tid int, regs *Regs) error {
	return sys.PtraceSetRegs(tid, &regs.PtraceRegs)
}

// IP returns the instruction pointer.
func (r *Regs) IP() uint64 {
	return r.Rip
}

// SetIP sets the instruction pointer.
func (r *Regs) SetIP(ip uint64) {
	r.Rip = ip
}

// PrepareSyscall returns a copy of r set up to execute syscall nr with args
// at the current instruction pointer. orig_rax is cleared so that the
// kernel does not restart an interrupted syscall on top of ours.
func (r Regs) PrepareSyscall(nr uint64, args ...uint64) (Regs, error) {
	if len(args) > MaxSyscallArgs {
		return Regs{}, fmt.Errorf("%w: %d", ErrTooManyArgs, len(args))
	}
	var a [MaxSyscallArgs]uint64
	copy(a[:], args)
	r.Rax = nr
	r.Orig_rax = ^uint64(0)
	r.Rdi = a[0]
	r.Rsi = a[1]
	r.Rdx = a[2]
	r.R10 = a[3]
	r.R8 = a[4]
	r.R9 = a[5]
	return r, nil
}

// SyscallRet returns the raw return value at a syscall-exit-stop.
func (r *Regs) SyscallRet() int64 {
	return int64(r.Rax)
}

// SyscallNr returns the syscall number at a syscall-stop.
func (r *Regs) SyscallNr() uint64 {
	return r.Orig_rax
}

// SyscallArgs returns the six argument registers at a syscall-stop.
func (r *Regs) SyscallArgs() [MaxSyscallArgs]uint64 {
	return [MaxSyscallArgs]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9}
}

// SetOrigArg0 is a no-op on amd64 where rdi survives the syscall.
func (r *Regs) SetOrigArg0(uint64) {}

// RewindSyscall arranges, at a syscall-exit-stop, for the same syscall to
// be issued again when the thread resumes.
func (r *Regs) RewindSyscall() {
	r.Rip -= SyscallInstructionSize
	r.Rax = r.Orig_rax
}
