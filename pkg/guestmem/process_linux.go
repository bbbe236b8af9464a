package guestmem

import "github.com/vmattach/vmattach/pkg/ptrace"

// ProcessMemory accesses the memory of a process with
// process_vm_readv/process_vm_writev.
type ProcessMemory int

func (pid ProcessMemory) ReadMemory(addr uintptr, p []byte) (int, error) {
	return ptrace.ReadProcessMemory(int(pid), addr, p)
}

func (pid ProcessMemory) WriteMemory(addr uintptr, p []byte) (int, error) {
	return ptrace.WriteProcessMemory(int(pid), addr, p)
}
