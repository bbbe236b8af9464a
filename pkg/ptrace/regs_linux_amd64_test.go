package ptrace

import (
	"errors"
	"testing"
)

func TestPrepareSyscall(t *testing.T) {
	var saved Regs
	saved.Rip = 0x401000
	saved.Rax = 0xdead
	saved.Orig_rax = 0
	saved.Rbx = 7

	regs, err := saved.PrepareSyscall(16, 3, 0xae80, 0)
	if err != nil {
		t.Fatal(err)
	}
	if regs.Rax != 16 || regs.Rdi != 3 || regs.Rsi != 0xae80 || regs.Rdx != 0 {
		t.Fatalf("expected ioctl(3, 0xae80, 0); but was rax=%d rdi=%d rsi=%#x rdx=%d", regs.Rax, regs.Rdi, regs.Rsi, regs.Rdx)
	}
	if regs.Orig_rax != ^uint64(0) {
		t.Fatalf("expected orig_rax to be cleared; but was %#x", regs.Orig_rax)
	}
	if regs.IP() != saved.Rip || regs.Rbx != saved.Rbx {
		t.Fatalf("expected unrelated registers to be kept")
	}
	if saved.Rax != 0xdead {
		t.Fatalf("expected saved registers to be left untouched")
	}
	if args := regs.SyscallArgs(); args[0] != 3 || args[1] != 0xae80 || args[5] != 0 {
		t.Fatalf("unexpected syscall args %v", args)
	}
}

func TestPrepareSyscallTooManyArgs(t *testing.T) {
	var r Regs
	if _, err := r.PrepareSyscall(0, 1, 2, 3, 4, 5, 6, 7); !errors.Is(err, ErrTooManyArgs) {
		t.Fatalf("expected ErrTooManyArgs; but was %v", err)
	}
}

func TestRewindSyscall(t *testing.T) {
	var r Regs
	r.Rip = 0x1002
	r.Rax = 0
	r.Orig_rax = 16
	r.RewindSyscall()
	if r.Rip != 0x1000 || r.Rax != 16 {
		t.Fatalf("expected rip=0x1000 rax=16; but was rip=%#x rax=%d", r.Rip, r.Rax)
	}
	if r.SyscallNr() != 16 {
		t.Fatalf("expected syscall number 16; but was %d", r.SyscallNr())
	}
}
