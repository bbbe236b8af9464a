package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	sys "golang.org/x/sys/unix"

	"github.com/vmattach/vmattach/pkg/inject"
	"github.com/vmattach/vmattach/pkg/kvm"
	"github.com/vmattach/vmattach/pkg/logflags"
)

func injectCmd(cmd *cobra.Command, args []string) {
	os.Exit(func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		pid, err := parsePid(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		nr, sargs, err := parseSyscall(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		var ret int64
		err = inject.With(pid, func(p *inject.Process) error {
			logflags.InjectLogger().Debugf("stopped threads %v", p.Tids())
			var err error
			ret, err = p.Syscall(nr, sargs...)
			return err
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not inject syscall into pid %d: %v\n", pid, err)
			return 1
		}
		fmt.Println(ret)
		return 0
	}())
}

var syscallNames = map[string]uint64{
	"getpid":  sys.SYS_GETPID,
	"gettid":  sys.SYS_GETTID,
	"getppid": sys.SYS_GETPPID,
	"sync":    sys.SYS_SYNC,
}


func allocMemCmd(cmd *cobra.Command, args []string) {
	os.Exit(func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		pid, err := parsePid(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		h, err := kvm.Get(pid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if err := h.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer func() {
			if err := h.Resume(); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
		}()

		slots, err := h.CheckExtension(kvm.CapNrMemslots)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if slots > 0 && memSlot >= uint32(slots) {
			fmt.Fprintf(os.Stderr, "Memory slot %d out of range, the VM supports %d slots\n", memSlot, slots)
			return 1
		}
		addr, err := h.AllocMem(memSlot, memGuestPhys, memSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("slot %d: guest %#x-%#x mapped at %#x\n", memSlot, memGuestPhys, memGuestPhys+memSize, addr)
		return 0
	}())
}
