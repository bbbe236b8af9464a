package attach

import (
	"github.com/vmattach/vmattach/pkg/guestmem"
	"github.com/vmattach/vmattach/pkg/kvm"
)

func init() {
	getHypervisor = func(pid int) (hypervisor, error) {
		h, err := kvm.Get(pid)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	processMemory = func(pid int) guestmem.Accessor {
		return guestmem.ProcessMemory(pid)
	}
}
