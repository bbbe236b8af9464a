package inject

import (
	"fmt"

	"github.com/vmattach/vmattach/pkg/ptrace"
	"golang.org/x/arch/x86/x86asm"
)

// checkSyscallText verifies that text starts with the syscall instruction
// and nothing longer.
func checkSyscallText(text []byte) error {
	inst, err := x86asm.Decode(text, 64)
	if err != nil {
		return fmt.Errorf("patched text does not decode: %v", err)
	}
	if inst.Op != x86asm.SYSCALL || inst.Len != ptrace.SyscallInstructionSize {
		return fmt.Errorf("patched text decodes to %v (%d bytes)", inst.Op, inst.Len)
	}
	return nil
}

// disassemble returns the instruction at the start of text, for logging.
func disassemble(text []byte, pc uint64) string {
	inst, err := x86asm.Decode(text, 64)
	if err != nil {
		return "?"
	}
	return x86asm.GNUSyntax(inst, pc, nil)
}
