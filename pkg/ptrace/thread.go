//go:build linux

package ptrace

import (
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// Thread is one traced OS thread. Every method is executed on the tracer
// thread of the session it was created for.
type Thread struct {
	Pid int
	Tid int

	tracer   *Tracer
	attached bool
	// pendingSig is a signal that was intercepted while attaching and must
	// be delivered on detach.
	pendingSig sys.Signal
}

// NewThread returns a handle for thread tid of process pid. Nothing is
// traced until Attach or Seize is called.
func NewThread(t *Tracer, pid, tid int) *Thread {
	return &Thread{Pid: pid, Tid: tid, tracer: t}
}

// AdoptThread returns a handle for a thread the kernel attached on our
// behalf, the new thread of a PTRACE_O_TRACECLONE tracee.
func AdoptThread(t *Tracer, pid, tid int) *Thread {
	return &Thread{Pid: pid, Tid: tid, tracer: t, attached: true}
}

// Attached reports whether the thread is currently traced by us.
func (th *Thread) Attached() bool {
	return th.attached
}

func (th *Thread) do(op string, fn func() error) error {
	var err error
	if derr := th.tracer.Do(func() { err = fn() }); derr != nil {
		return derr
	}
	if err != nil {
		return &TraceError{Tid: th.Tid, Op: op, Err: err}
	}
	return nil
}

// Attach traces the thread with PTRACE_ATTACH and waits until it is
// stopped. Syscall-stops are reported as SIGTRAP|0x80 afterwards.
func (th *Thread) Attach() error {
	return th.do("attach", func() error {
		if err := sys.PtraceAttach(th.Tid); err != nil {
			return err
		}
		for {
			stop, err := wait(th.Tid, 0)
			if err != nil {
				return err
			}
			switch stop.Kind {
			case StopExited, StopKilled:
				return fmt.Errorf("thread %s while attaching", stop.Kind)
			case StopSignal:
				if stop.Signal != sys.SIGSTOP {
					// A different signal won the race with our SIGSTOP:
					// keep it and let the SIGSTOP arrive.
					th.pendingSig = stop.Signal
					if err := sys.PtraceCont(th.Tid, 0); err != nil {
						return err
					}
					continue
				}
			}
			th.attached = true
			return sys.PtraceSetOptions(th.Tid, ptraceOptions)
		}
	})
}

// Seize traces the thread with PTRACE_SEIZE without stopping it.
func (th *Thread) Seize(options int) error {
	return th.do("seize", func() error {
		if err := ptraceSeize(th.Tid, options); err != nil {
			return err
		}
		th.attached = true
		return nil
	})
}

// Interrupt stops a seized thread. The stop is reported as a
// PTRACE_EVENT_STOP event.
func (th *Thread) Interrupt() error {
	return th.do("interrupt", func() error {
		_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_INTERRUPT, uintptr(th.Tid), 0, 0, 0, 0)
		if err != syscall.Errno(0) {
			return err
		}
		return nil
	})
}

// Detach stops tracing the thread, delivering sig (or a signal held
// back during Attach) as it resumes.
func (th *Thread) Detach(sig sys.Signal) error {
	if !th.attached {
		return nil
	}
	if sig == 0 {
		sig = th.pendingSig
	}
	err := th.do("detach", func() error {
		return ptraceDetach(th.Tid, int(sig))
	})
	if err == nil {
		th.attached = false
		th.pendingSig = 0
	}
	return err
}

// Forget marks the thread as no longer traced without talking to the
// kernel. Used for threads that exited.
func (th *Thread) Forget() {
	th.attached = false
}

// ReadWord reads one machine word of tracee memory.
func (th *Thread) ReadWord(addr uintptr) (uint64, error) {
	var word uint64
	err := th.do("peek", func() error {
		var err error
		word, err = peekWord(th.Tid, addr)
		return err
	})
	return word, err
}

// WriteWord writes one machine word of tracee memory. Unlike
// WriteProcessMemory it can patch read-only text.
func (th *Thread) WriteWord(addr uintptr, word uint64) error {
	return th.do("poke", func() error {
		return pokeWord(th.Tid, addr, word)
	})
}

// Registers returns the general purpose registers of the stopped thread.
func (th *Thread) Registers() (Regs, error) {
	var regs Regs
	err := th.do("getregs", func() error {
		return getRegs(th.Tid, &regs)
	})
	return regs, err
}

// SetRegisters overwrites the general purpose registers of the stopped
// thread.
func (th *Thread) SetRegisters(regs Regs) error {
	return th.do("setregs", func() error {
		return setRegs(th.Tid, &regs)
	})
}

// ResumeSyscall resumes the thread until the next syscall-stop, delivering
// sig.
func (th *Thread) ResumeSyscall(sig sys.Signal) error {
	return th.do("syscall", func() error {
		return sys.PtraceSyscall(th.Tid, int(sig))
	})
}

// Resume resumes the thread, delivering sig.
func (th *Thread) Resume(sig sys.Signal) error {
	return th.do("cont", func() error {
		return sys.PtraceCont(th.Tid, int(sig))
	})
}

// Wait waits for the next state change of this thread.
func (th *Thread) Wait() (Stop, error) {
	var stop Stop
	err := th.do("wait", func() error {
		var err error
		stop, err = wait(th.Tid, 0)
		return err
	})
	return stop, err
}

// EventMsg returns the message of the last PTRACE_EVENT stop, the new
// thread id for PTRACE_EVENT_CLONE.
func (th *Thread) EventMsg() (uint, error) {
	var msg uint
	err := th.do("geteventmsg", func() error {
		var err error
		msg, err = sys.PtraceGetEventMsg(th.Tid)
		return err
	})
	return msg, err
}

// SyscallInfoOp returns the PTRACE_GET_SYSCALL_INFO op of the current
// stop. Kernels older than 5.3 fail with EIO.
func (th *Thread) SyscallInfoOp() (uint8, error) {
	var op uint8
	err := th.do("get_syscall_info", func() error {
		var err error
		op, err = ptraceSyscallInfoOp(th.Tid)
		return err
	})
	return op, err
}
