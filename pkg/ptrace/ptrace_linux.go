package ptrace

import (
	"encoding/binary"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceOptions makes syscall-stops distinguishable from SIGTRAP
// delivery.
const ptraceOptions = sys.PTRACE_O_TRACESYSGOOD

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSeize calls ptrace(PTRACE_SEIZE) passing options directly.
func ptraceSeize(tid, options int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SEIZE, uintptr(tid), 0, uintptr(options), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceSyscallInfoOp returns the op field of PTRACE_GET_SYSCALL_INFO:
// PTRACE_SYSCALL_INFO_ENTRY, _EXIT, _SECCOMP or _NONE.
func ptraceSyscallInfoOp(tid int) (uint8, error) {
	var info [88]byte
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GET_SYSCALL_INFO, uintptr(tid), uintptr(len(info)), uintptr(unsafe.Pointer(&info[0])), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return info[0], nil
}

func peekWord(tid int, addr uintptr) (uint64, error) {
	var buf [8]byte
	if _, err := sys.PtracePeekData(tid, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func pokeWord(tid int, addr uintptr, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	_, err := sys.PtracePokeData(tid, addr, buf[:])
	return err
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// ReadProcessMemory copies len(data) bytes at addr in the address space of
// pid using process_vm_readv. The caller needs ptrace access to pid but the
// target does not have to be stopped.
func ReadProcessMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	localIov := sys.Iovec{Base: &data[0], Len: uint64(len(data))}
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(pid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// WriteProcessMemory is the process_vm_writev counterpart of
// ReadProcessMemory. It cannot write to read-only mappings.
func WriteProcessMemory(pid int, addr uintptr, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	localIov := sys.Iovec{Base: &data[0], Len: uint64(len(data))}
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_WRITEV, uintptr(pid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
