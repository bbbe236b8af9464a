//go:build linux

package kvm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vmattach/vmattach/pkg/inject"
	"github.com/vmattach/vmattach/pkg/logflags"
	"github.com/vmattach/vmattach/pkg/procfs"
	sys "golang.org/x/sys/unix"
)

const pageSize = 4096

// Hypervisor is a running KVM hypervisor process.
type Hypervisor struct {
	Pid   int
	VMFd  int
	Vcpus []Vcpu

	mu   sync.Mutex
	proc *inject.Process
	log  logflags.Logger
}

// Get finds the VM of the hypervisor process pid.
func Get(pid int) (*Hypervisor, error) {
	fds, err := procfs.Fds(pid)
	if err != nil {
		return nil, &AttachError{Pid: pid, Op: "inspect", Err: err}
	}
	vmFd, vcpus, err := findVMFds(fds)
	if err != nil {
		return nil, &AttachError{Pid: pid, Op: "find", Err: err}
	}
	maps, err := procfs.Maps(pid)
	if err != nil {
		return nil, &AttachError{Pid: pid, Op: "inspect", Err: err}
	}
	h := &Hypervisor{
		Pid:   pid,
		VMFd:  vmFd,
		Vcpus: findRunAreas(vcpus, maps),
		log:   logflags.KVMLogger().WithField("pid", pid),
	}
	if len(h.Vcpus) != len(vcpus) {
		h.log.Warnf("%d of %d vcpus have no kvm_run mapping", len(vcpus)-len(h.Vcpus), len(vcpus))
	}
	h.log.Debugf("vm fd %d, vcpus %v", h.VMFd, h.Vcpus)
	return h, nil
}

// Stop stops every thread of the hypervisor.
func (h *Hypervisor) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc != nil {
		return &AttachError{Pid: h.Pid, Op: "stop", Err: ErrAlreadyStopped}
	}
	p, err := inject.Attach(h.Pid)
	if err != nil {
		return &AttachError{Pid: h.Pid, Op: "stop", Err: err}
	}
	h.proc = p
	h.log.Debugf("stopped")
	return nil
}

// Resume lets the hypervisor run again.
func (h *Hypervisor) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return &AttachError{Pid: h.Pid, Op: "resume", Err: ErrNotStopped}
	}
	h.proc.Release()
	h.proc = nil
	h.log.Debugf("resumed")
	return nil
}

// Stopped reports whether the hypervisor is stopped.
func (h *Hypervisor) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc != nil
}

// Mappings returns the current memory mappings of the hypervisor.
func (h *Hypervisor) Mappings() ([]procfs.Mapping, error) {
	return procfs.Maps(h.Pid)
}

func (h *Hypervisor) stopped() (*inject.Process, error) {
	if h.proc == nil {
		return nil, ErrNotStopped
	}
	return h.proc, nil
}

// CheckExtension issues KVM_CHECK_EXTENSION on the VM.
func (h *Hypervisor) CheckExtension(ext int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.stopped()
	if err != nil {
		return 0, err
	}
	return p.Ioctl(h.VMFd, ioctlCheckExtension, uint64(ext))
}

// AllocMem maps size bytes of anonymous shared memory in the hypervisor
// and registers it as memory slot slot at guestPhys. It returns the address
// of the memory in the hypervisor.
func (h *Hypervisor) AllocMem(slot uint32, guestPhys, size uint64) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.stopped()
	if err != nil {
		return 0, err
	}

	addr, err := p.Mmap(0, size, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED|sys.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, errors.WithMessage(err, "could not allocate guest memory")
	}
	scratch, err := p.Mmap(0, pageSize, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		return 0, errors.WithMessage(err, "could not allocate scratch page")
	}
	defer func() {
		if err := p.Munmap(scratch, pageSize); err != nil {
			h.log.Errorf("could not unmap scratch page: %v", err)
		}
	}()

	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhys,
		MemorySize:    size,
		UserspaceAddr: uint64(addr),
	}
	if err := p.WriteMemory(scratch, region.Bytes()); err != nil {
		return 0, err
	}
	if _, err := p.Ioctl(h.VMFd, ioctlSetUserMemoryRegion, uint64(scratch)); err != nil {
		return 0, errors.WithMessagef(err, "could not register memory slot %d", slot)
	}
	h.log.Debugf("slot %d: guest %#x-%#x at %#x", slot, guestPhys, guestPhys+size, addr)
	return addr, nil
}

// KvmRunWrapped runs fn while every KVM_RUN exit of the hypervisor passes
// through an ExitWaiter. The hypervisor must be stopped; it runs while fn
// does and is stopped again when KvmRunWrapped returns.
func (h *Hypervisor) KvmRunWrapped(fn func(ExitWaiter) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return &AttachError{Pid: h.Pid, Op: "wrap", Err: ErrNotStopped}
	}
	h.proc.Release()
	h.proc = nil

	w, err := newWrapper(h.Pid, h.Vcpus)
	if err == nil {
		err = fn(w)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}

	p, serr := inject.Attach(h.Pid)
	if serr != nil {
		if err == nil {
			err = &AttachError{Pid: h.Pid, Op: "stop", Err: serr}
		} else {
			h.log.Errorf("could not stop hypervisor again: %v", serr)
		}
		return err
	}
	h.proc = p
	return err
}
