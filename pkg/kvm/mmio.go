package kvm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ExitWaiter delivers the MMIO exits of a hypervisor.
type ExitWaiter interface {
	WaitForMmio() (*MmioAccess, error)
}

// ErrCompleted is returned by Complete when called twice.
var ErrCompleted = errors.New("mmio access already completed")

// MmioAccess is one trapped MMIO exit of a vcpu. The vcpu thread stays
// stopped until Complete is called.
type MmioAccess struct {
	Addr  uint64
	Write bool
	Len   int
	// Data holds the written value for writes. For reads the reply is
	// stored here before calling Complete.
	Data [8]byte

	completer func(a *MmioAccess, handled bool) error
	completed bool
}

// NewMmioAccess returns an access not bound to any vcpu, Complete only
// marks it completed.
func NewMmioAccess(addr uint64, write bool, data []byte) *MmioAccess {
	a := &MmioAccess{Addr: addr, Write: write, Len: len(data)}
	copy(a.Data[:], data)
	return a
}

// Value returns Data[:Len] as a little endian integer.
func (a *MmioAccess) Value() uint64 {
	var buf [8]byte
	copy(buf[:], a.Data[:a.Len])
	return binary.LittleEndian.Uint64(buf[:])
}

// SetValue stores v as the little endian reply of a read.
func (a *MmioAccess) SetValue(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(a.Data[:a.Len], buf[:])
}

// Complete resumes the vcpu. If handled, a read reply in Data is handed
// to the guest and the exit is hidden from the hypervisor; otherwise the
// hypervisor handles the exit as usual.
func (a *MmioAccess) Complete(handled bool) error {
	if a.completed {
		return ErrCompleted
	}
	a.completed = true
	if a.completer == nil {
		return nil
	}
	return a.completer(a, handled)
}

func (a *MmioAccess) String() string {
	if a.Write {
		return fmt.Sprintf("mmio write %#x/%d = %#x", a.Addr, a.Len, a.Value())
	}
	return fmt.Sprintf("mmio read %#x/%d", a.Addr, a.Len)
}
