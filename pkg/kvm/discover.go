package kvm

import (
	"sort"
	"strconv"
	"strings"

	"github.com/vmattach/vmattach/pkg/procfs"
)

const (
	vmInode   = "anon_inode:kvm-vm"
	vcpuInode = "anon_inode:kvm-vcpu:"
)

// Vcpu is one virtual cpu of the hypervisor.
type Vcpu struct {
	Idx int
	// Fd is the vcpu file descriptor in the hypervisor.
	Fd int
	// RunAddr is the address of the vcpu's kvm_run mapping in the
	// hypervisor.
	RunAddr uintptr
}

// findVMFds picks the VM and vcpu descriptors out of the descriptor table.
// If the hypervisor holds more than one VM the first one wins.
func findVMFds(fds []procfs.Fd) (vmFd int, vcpus []Vcpu, err error) {
	vmFd = -1
	for _, fd := range fds {
		switch {
		case fd.Target == vmInode:
			if vmFd < 0 {
				vmFd = fd.Num
			}
		case strings.HasPrefix(fd.Target, vcpuInode):
			idx, err := strconv.Atoi(strings.TrimPrefix(fd.Target, vcpuInode))
			if err != nil {
				continue
			}
			vcpus = append(vcpus, Vcpu{Idx: idx, Fd: fd.Num})
		}
	}
	if vmFd < 0 {
		return -1, nil, ErrNoVM
	}
	sort.Slice(vcpus, func(i, j int) bool { return vcpus[i].Idx < vcpus[j].Idx })
	return vmFd, vcpus, nil
}

// findRunAreas sets RunAddr of every vcpu from the anon_inode:kvm-vcpu:N
// mappings and returns the vcpus that have one.
func findRunAreas(vcpus []Vcpu, maps []procfs.Mapping) []Vcpu {
	runs := map[int]uintptr{}
	for _, m := range maps {
		if !strings.HasPrefix(m.Path, vcpuInode) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(m.Path, vcpuInode))
		if err != nil {
			continue
		}
		if _, ok := runs[idx]; !ok {
			runs[idx] = uintptr(m.Start)
		}
	}
	r := make([]Vcpu, 0, len(vcpus))
	for _, v := range vcpus {
		addr, ok := runs[v.Idx]
		if !ok {
			continue
		}
		v.RunAddr = addr
		r = append(r, v)
	}
	return r
}
