package inject

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

func checkSyscallText(text []byte) error {
	inst, err := arm64asm.Decode(text)
	if err != nil {
		return fmt.Errorf("patched text does not decode: %v", err)
	}
	if inst.Op != arm64asm.SVC {
		return fmt.Errorf("patched text decodes to %v", inst.Op)
	}
	return nil
}

func disassemble(text []byte, pc uint64) string {
	inst, err := arm64asm.Decode(text)
	if err != nil {
		return "?"
	}
	return arm64asm.GNUSyntax(inst)
}
