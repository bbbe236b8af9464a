//go:build linux

package kvm

import (
	"syscall"

	"github.com/pkg/errors"

	"github.com/vmattach/vmattach/pkg/logflags"
	"github.com/vmattach/vmattach/pkg/procfs"
	"github.com/vmattach/vmattach/pkg/ptrace"
	sys "golang.org/x/sys/unix"
)

const wrapperOptions = sys.PTRACE_O_TRACESYSGOOD | sys.PTRACE_O_TRACECLONE

type wrappedThread struct {
	th      *ptrace.Thread
	running bool
	// inSyscall is toggled on every syscall-stop when the kernel cannot
	// tell entry and exit stops apart.
	inSyscall bool
	// syscall number and first two arguments seen at the entry stop
	nr, arg0, arg1 uint64
}

// Wrapper traces every thread of a hypervisor with syscall-stops and hands
// the MMIO exits of KVM_RUN to its caller.
type Wrapper struct {
	pid     int
	tracer  *ptrace.Tracer
	threads map[int]*wrappedThread
	vcpus   map[uint64]Vcpu
	noInfo  bool
	log     logflags.Logger
}

func newWrapper(pid int, vcpus []Vcpu) (w *Wrapper, err error) {
	w = &Wrapper{
		pid:     pid,
		tracer:  ptrace.NewTracer(),
		threads: map[int]*wrappedThread{},
		vcpus:   map[uint64]Vcpu{},
		log:     logflags.KVMLogger().WithField("pid", pid),
	}
	for _, v := range vcpus {
		w.vcpus[uint64(v.Fd)] = v
	}
	defer func() {
		if err != nil {
			w.Close()
			w = nil
		}
	}()

	for {
		tids, err := procfs.Tasks(pid)
		if err != nil {
			return w, err
		}
		added := false
		for _, tid := range tids {
			if _, ok := w.threads[tid]; ok {
				continue
			}
			added = true
			if err := w.seize(tid); err != nil {
				return w, err
			}
		}
		if !added {
			return w, nil
		}
	}
}

// seize attaches to tid and lets it run until its next syscall-stop.
func (w *Wrapper) seize(tid int) error {
	th := ptrace.NewThread(w.tracer, w.pid, tid)
	if err := th.Seize(wrapperOptions); err != nil {
		return err
	}
	wt := &wrappedThread{th: th}
	w.threads[tid] = wt
	if err := th.Interrupt(); err != nil {
		return err
	}
	for {
		stop, err := th.Wait()
		if err != nil {
			return err
		}
		switch stop.Kind {
		case ptrace.StopExited, ptrace.StopKilled:
			th.Forget()
			delete(w.threads, tid)
			return nil
		case ptrace.StopSignal:
			if err := th.Resume(stop.Signal); err != nil {
				return err
			}
			continue
		}
		break
	}
	w.log.Debugf("seized thread %d", tid)
	return w.resume(wt, 0)
}

func (w *Wrapper) resume(wt *wrappedThread, sig sys.Signal) error {
	if err := wt.th.ResumeSyscall(sig); err != nil {
		return err
	}
	wt.running = true
	return nil
}

// WaitForMmio runs the hypervisor until one of its vcpus returns from
// KVM_RUN with an MMIO exit. The vcpu thread stays stopped until the
// access is completed.
func (w *Wrapper) WaitForMmio() (*MmioAccess, error) {
	for {
		stop, err := w.tracer.WaitAny()
		if err != nil {
			return nil, err
		}
		wt, ok := w.threads[stop.Tid]
		if !ok {
			// a clone child can report its first stop before the parent
			// reports the clone event
			wt = &wrappedThread{th: ptrace.AdoptThread(w.tracer, w.pid, stop.Tid)}
			w.threads[stop.Tid] = wt
		}
		wt.running = false

		switch stop.Kind {
		case ptrace.StopExited, ptrace.StopKilled:
			wt.th.Forget()
			delete(w.threads, stop.Tid)
			if stop.Tid == w.pid || len(w.threads) == 0 {
				return nil, errors.Errorf("hypervisor %d %s", w.pid, stop)
			}
			continue
		case ptrace.StopEvent:
			if stop.Event == sys.PTRACE_EVENT_CLONE {
				if err := w.adoptClone(wt); err != nil {
					return nil, err
				}
			}
			err = w.resume(wt, 0)
		case ptrace.StopSignal:
			err = w.resume(wt, stop.Signal)
		case ptrace.StopSyscall:
			var a *MmioAccess
			a, err = w.syscallStop(wt)
			if err == nil && a != nil {
				return a, nil
			}
			if err == nil {
				err = w.resume(wt, 0)
			}
		default:
			err = w.resume(wt, 0)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (w *Wrapper) adoptClone(parent *wrappedThread) error {
	msg, err := parent.th.EventMsg()
	if err != nil {
		return err
	}
	tid := int(msg)
	if _, ok := w.threads[tid]; !ok {
		w.threads[tid] = &wrappedThread{th: ptrace.AdoptThread(w.tracer, w.pid, tid)}
		w.log.Debugf("new thread %d", tid)
	}
	return nil
}

// isEntry tells whether wt is at a syscall-entry-stop.
func (w *Wrapper) isEntry(wt *wrappedThread) (bool, error) {
	if !w.noInfo {
		op, err := wt.th.SyscallInfoOp()
		switch {
		case err == nil:
			wt.inSyscall = op == sys.PTRACE_SYSCALL_INFO_ENTRY
			return wt.inSyscall, nil
		case errors.Is(err, syscall.EIO):
			// PTRACE_GET_SYSCALL_INFO is only available since linux 5.3
			w.noInfo = true
		default:
			return false, err
		}
	}
	wt.inSyscall = !wt.inSyscall
	return wt.inSyscall, nil
}

// syscallStop inspects a syscall-stop and returns the MMIO access if it is
// the exit of a KVM_RUN ioctl that ended with an MMIO exit.
func (w *Wrapper) syscallStop(wt *wrappedThread) (*MmioAccess, error) {
	regs, err := wt.th.Registers()
	if err != nil {
		return nil, err
	}
	entry, err := w.isEntry(wt)
	if err != nil {
		return nil, err
	}
	if entry {
		args := regs.SyscallArgs()
		wt.nr, wt.arg0, wt.arg1 = regs.SyscallNr(), args[0], args[1]
		return nil, nil
	}
	if wt.nr != sys.SYS_IOCTL || wt.arg1 != ioctlRun {
		return nil, nil
	}
	vcpu, ok := w.vcpus[wt.arg0]
	if !ok || regs.SyscallRet() != 0 {
		return nil, nil
	}

	run := make([]byte, runHeaderSize)
	if _, err := ptrace.ReadProcessMemory(w.pid, vcpu.RunAddr, run); err != nil {
		return nil, errors.Wrapf(err, "could not read kvm_run of vcpu %d", vcpu.Idx)
	}
	reason := exitReason(run)
	if logflags.KVM() {
		w.log.Debugf("vcpu %d exit %v", vcpu.Idx, reason)
	}
	if reason != ExitMMIO {
		return nil, nil
	}
	a, err := decodeMmio(run)
	if err != nil {
		return nil, err
	}
	a.completer = func(a *MmioAccess, handled bool) error {
		return w.complete(wt, vcpu, regs, a, handled)
	}
	return a, nil
}

func (w *Wrapper) complete(wt *wrappedThread, vcpu Vcpu, regs ptrace.Regs, a *MmioAccess, handled bool) error {
	if handled {
		if !a.Write {
			if _, err := ptrace.WriteProcessMemory(w.pid, vcpu.RunAddr+runMmioDataOffset, a.Data[:a.Len]); err != nil {
				return errors.Wrapf(err, "could not write mmio reply of vcpu %d", vcpu.Idx)
			}
		}
		// Issue KVM_RUN again instead of returning to the hypervisor.
		regs.SetOrigArg0(wt.arg0)
		regs.RewindSyscall()
		if err := wt.th.SetRegisters(regs); err != nil {
			return err
		}
	}
	return w.resume(wt, 0)
}

// Close stops all threads of the hypervisor and detaches from them.
func (w *Wrapper) Close() error {
	defer w.tracer.Close()

	pending := 0
	for _, wt := range w.threads {
		if !wt.running {
			continue
		}
		if err := wt.th.Interrupt(); err != nil {
			w.log.Errorf("could not interrupt thread %d: %v", wt.th.Tid, err)
			continue
		}
		pending++
	}
	sigs := map[int]sys.Signal{}
	for pending > 0 {
		stop, err := w.tracer.WaitAny()
		if err != nil {
			w.log.Errorf("could not stop threads: %v", err)
			break
		}
		wt, ok := w.threads[stop.Tid]
		if !ok {
			// clone child that was never reported
			wt = &wrappedThread{th: ptrace.AdoptThread(w.tracer, w.pid, stop.Tid)}
			w.threads[stop.Tid] = wt
		} else if wt.running {
			pending--
		}
		wt.running = false
		switch stop.Kind {
		case ptrace.StopExited, ptrace.StopKilled:
			wt.th.Forget()
			delete(w.threads, stop.Tid)
		case ptrace.StopSignal:
			sigs[stop.Tid] = stop.Signal
		}
	}

	var firstErr error
	for tid, wt := range w.threads {
		if err := wt.th.Detach(sigs[tid]); err != nil {
			w.log.Errorf("could not detach thread %d: %v", tid, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	w.threads = map[int]*wrappedThread{}
	return firstErr
}
