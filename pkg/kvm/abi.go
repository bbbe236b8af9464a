// Package kvm controls a running KVM hypervisor from the outside: it finds
// the VM and vcpu file descriptors of the hypervisor process, pauses and
// resumes it, issues VM ioctls in its context and intercepts the MMIO exits
// returned by its KVM_RUN calls.
package kvm

import (
	"encoding/binary"
	"fmt"
)

// ioctl numbers from linux/kvm.h
const (
	ioctlCheckExtension       = 0xAE03
	ioctlRun                  = 0xAE80
	ioctlSetUserMemoryRegion  = 0x4020AE46
	userspaceMemoryRegionSize = 32
)

// Capabilities queried with CheckExtension.
const (
	CapUserMemory = 3
	CapNrMemslots = 10
)

// Offsets into struct kvm_run.
const (
	runExitReasonOffset   = 8
	runMmioPhysAddrOffset = 32
	runMmioDataOffset     = 40
	runMmioLenOffset      = 48
	runMmioIsWriteOffset  = 52
	// runHeaderSize covers everything up to the end of the mmio exit.
	runHeaderSize = 56
)

// ExitReason is the exit_reason field of struct kvm_run.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHlt           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIrqWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case ExitException:
		return "KVM_EXIT_EXCEPTION"
	case ExitIO:
		return "KVM_EXIT_IO"
	case ExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case ExitDebug:
		return "KVM_EXIT_DEBUG"
	case ExitHlt:
		return "KVM_EXIT_HLT"
	case ExitMMIO:
		return "KVM_EXIT_MMIO"
	case ExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "KVM_EXIT_INTR"
	case ExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case ExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	}
	return fmt.Sprintf("KVM_EXIT(%d)", uint32(r))
}

// UserspaceMemoryRegion is struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Bytes returns the in-memory representation of r.
func (r UserspaceMemoryRegion) Bytes() []byte {
	buf := make([]byte, userspaceMemoryRegionSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Slot)
	binary.LittleEndian.PutUint32(buf[4:], r.Flags)
	binary.LittleEndian.PutUint64(buf[8:], r.GuestPhysAddr)
	binary.LittleEndian.PutUint64(buf[16:], r.MemorySize)
	binary.LittleEndian.PutUint64(buf[24:], r.UserspaceAddr)
	return buf
}

// exitReason decodes the exit reason of a kvm_run header.
func exitReason(run []byte) ExitReason {
	return ExitReason(binary.LittleEndian.Uint32(run[runExitReasonOffset:]))
}

// decodeMmio fills an MmioAccess from the mmio member of a kvm_run header.
func decodeMmio(run []byte) (*MmioAccess, error) {
	if len(run) < runHeaderSize {
		return nil, fmt.Errorf("short kvm_run header: %d bytes", len(run))
	}
	a := &MmioAccess{
		Addr:  binary.LittleEndian.Uint64(run[runMmioPhysAddrOffset:]),
		Len:   int(binary.LittleEndian.Uint32(run[runMmioLenOffset:])),
		Write: run[runMmioIsWriteOffset] != 0,
	}
	if a.Len <= 0 || a.Len > len(a.Data) {
		return nil, fmt.Errorf("invalid mmio access length %d at %#x", a.Len, a.Addr)
	}
	copy(a.Data[:], run[runMmioDataOffset:runMmioDataOffset+8])
	return a, nil
}
