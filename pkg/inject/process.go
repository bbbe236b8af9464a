//go:build linux

// Package inject makes a running process execute system calls on our
// behalf. The main thread's instruction pointer is made to point at a
// syscall instruction patched into its text and its registers are loaded
// with the call; the entry and exit syscall-stops are then driven with
// ptrace. Everything is restored when the Process is released.
package inject

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/vmattach/vmattach/pkg/logflags"
	"github.com/vmattach/vmattach/pkg/procfs"
	"github.com/vmattach/vmattach/pkg/ptrace"
	sys "golang.org/x/sys/unix"
)

// Process is a traced process whose main thread can execute injected
// syscalls. All of its threads stay stopped until Release.
type Process struct {
	pid     int
	tracer  *ptrace.Tracer
	threads []*ptrace.Thread
	main    *ptrace.Thread

	savedRegs ptrace.Regs
	textAddr  uintptr
	savedText uint64

	// mu is held by the syscall in flight and by Release.
	mu       sync.Mutex
	released bool
	// stopSig is a signal that stopped the main thread in the middle of a
	// syscall. It is delivered on detach.
	stopSig sys.Signal

	log logflags.Logger
}

// Attach stops every thread of pid and patches a syscall instruction at the
// main thread's instruction pointer. Nothing is left attached if it fails.
func Attach(pid int) (p *Process, err error) {
	p = &Process{
		pid:    pid,
		tracer: ptrace.NewTracer(),
		log:    logflags.InjectLogger().WithField("pid", pid),
	}
	defer func() {
		if err != nil {
			p.detachAll()
			p.tracer.Close()
			p = nil
		}
	}()

	if err := p.attachThreads(); err != nil {
		return p, err
	}
	if p.main == nil {
		return p, errors.Errorf("could not find main thread of %d", pid)
	}

	p.savedRegs, err = p.main.Registers()
	if err != nil {
		return p, err
	}
	p.textAddr = uintptr(p.savedRegs.IP())
	p.savedText, err = p.main.ReadWord(p.textAddr)
	if err != nil {
		return p, err
	}

	var text [8]byte
	binary.LittleEndian.PutUint64(text[:], p.savedText)
	orig := disassemble(text[:], uint64(p.textAddr))
	copy(text[:], ptrace.SyscallText)
	if err := checkSyscallText(text[:]); err != nil {
		return p, err
	}
	if err := p.main.WriteWord(p.textAddr, binary.LittleEndian.Uint64(text[:])); err != nil {
		return p, err
	}
	p.log.Debugf("patched %#x (was %s)", p.textAddr, orig)
	if logflags.Inject() {
		p.log.Debugf("saved registers:\n%s", spew.Sdump(p.savedRegs))
	}
	return p, nil
}

// attachThreads attaches to the threads listed in /proc/<pid>/task until a
// pass finds no new ones, threads created in the meantime would otherwise
// keep running.
func (p *Process) attachThreads() error {
	seen := map[int]bool{}
	for {
		tids, err := procfs.Tasks(p.pid)
		if err != nil {
			return err
		}
		added := false
		for _, tid := range tids {
			if seen[tid] {
				continue
			}
			seen[tid] = true
			added = true
			th := ptrace.NewThread(p.tracer, p.pid, tid)
			if err := th.Attach(); err != nil {
				return errors.WithMessagef(err, "could not attach to %d", p.pid)
			}
			p.threads = append(p.threads, th)
			if tid == p.pid {
				p.main = th
			}
			p.log.Debugf("attached thread %d", tid)
		}
		if !added {
			return nil
		}
	}
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

// Tids returns the ids of the attached threads.
func (p *Process) Tids() []int {
	tids := make([]int, len(p.threads))
	for i, th := range p.threads {
		tids[i] = th.Tid
	}
	return tids
}

type syscallState int

const (
	entryPending syscallState = iota
	exitPending
)

// Syscall executes syscall nr with args in the main thread and returns the
// raw result, negative errno values included. Only one syscall can run at
// a time: concurrent callers get ErrBusy.
func (p *Process) Syscall(nr uint64, args ...uint64) (int64, error) {
	if !p.mu.TryLock() {
		return 0, ErrBusy
	}
	defer p.mu.Unlock()
	if p.released {
		return 0, ErrReleased
	}

	regs, err := p.savedRegs.PrepareSyscall(nr, args...)
	if err != nil {
		return 0, err
	}
	if err := p.main.SetRegisters(regs); err != nil {
		return 0, err
	}
	if err := p.main.ResumeSyscall(0); err != nil {
		return 0, err
	}

	state := entryPending
	for {
		stop, err := p.main.Wait()
		if err != nil {
			return 0, err
		}
		if err := p.checkStop(stop); err != nil {
			return 0, err
		}
		if state == exitPending {
			break
		}
		state = exitPending
		if err := p.main.ResumeSyscall(0); err != nil {
			return 0, err
		}
	}

	regs, err = p.main.Registers()
	if err != nil {
		return 0, err
	}
	if err := p.checkExit(nr, regs.SyscallNr(), regs.IP()); err != nil {
		return 0, err
	}
	ret := regs.SyscallRet()
	p.log.Debugf("syscall %d%v = %d", nr, args, ret)
	return ret, nil
}

// checkExit verifies that the exit stop belongs to syscall nr issued from
// the patched instruction.
func (p *Process) checkExit(nr, gotNr, ip uint64) error {
	if gotNr != nr {
		return &ProtocolViolation{Pid: p.pid, Condition: CondUnexpectedSyscall, Detail: fmt.Sprintf("expected syscall %d; but was %d", nr, gotNr)}
	}
	if want := p.savedRegs.IP() + ptrace.SyscallInstructionSize; ip != want {
		return &ProtocolViolation{Pid: p.pid, Condition: CondIPMismatch, Detail: fmt.Sprintf("expected %#x; but was %#x", want, ip)}
	}
	return nil
}

// checkStop returns nil if stop is a syscall-stop and a ProtocolViolation
// otherwise.
func (p *Process) checkStop(stop ptrace.Stop) error {
	switch stop.Kind {
	case ptrace.StopSyscall:
		return nil
	case ptrace.StopSignal:
		if stop.Signal == sys.SIGTRAP {
			// without PTRACE_O_TRACESYSGOOD
			return nil
		}
		p.stopSig = stop.Signal
		return &ProtocolViolation{Pid: p.pid, Condition: CondStoppedBySignal, Detail: stop.Signal.String()}
	case ptrace.StopEvent:
		return &ProtocolViolation{Pid: p.pid, Condition: CondUnexpectedEvent, Detail: stop.String()}
	case ptrace.StopStillAlive:
		return &ProtocolViolation{Pid: p.pid, Condition: CondStillAlive}
	case ptrace.StopExited:
		p.forgetAll()
		return &ProtocolViolation{Pid: p.pid, Condition: CondExited, Detail: fmt.Sprintf("status %d", stop.ExitStatus)}
	case ptrace.StopKilled:
		p.forgetAll()
		return &ProtocolViolation{Pid: p.pid, Condition: CondKilled, Detail: stop.Signal.String()}
	}
	return &ProtocolViolation{Pid: p.pid, Condition: CondUnexpectedEvent, Detail: stop.String()}
}

func (p *Process) forgetAll() {
	for _, th := range p.threads {
		th.Forget()
	}
}

// Release restores the patched text and the saved registers of the main
// thread, then detaches from every thread, main thread last. A syscall in
// flight is waited for. Errors are logged: there is nothing a caller could
// do about them.
func (p *Process) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	defer p.tracer.Close()

	if p.main.Attached() {
		if err := p.main.WriteWord(p.textAddr, p.savedText); err != nil {
			p.log.Errorf("could not restore text at %#x: %v", p.textAddr, err)
		}
		if err := p.main.SetRegisters(p.savedRegs); err != nil {
			p.log.Errorf("could not restore registers: %v", err)
		}
	}
	p.detachAll()
	p.log.Debugf("released")
}

func (p *Process) detachAll() {
	for _, th := range p.threads {
		if th == p.main {
			continue
		}
		if err := th.Detach(0); err != nil {
			p.log.Errorf("could not detach thread %d: %v", th.Tid, err)
		}
	}
	if p.main != nil {
		if err := p.main.Detach(p.stopSig); err != nil {
			p.log.Errorf("could not detach thread %d: %v", p.main.Tid, err)
		}
	}
	// A SIGSTOP that reached the process while we were attached leaves it
	// in group-stop after detaching.
	if procfs.Status(p.pid) == 'T' {
		sys.Kill(p.pid, sys.SIGCONT)
	}
}

// With attaches to pid, runs fn and releases the process on every path.
func With(pid int, fn func(*Process) error) error {
	p, err := Attach(pid)
	if err != nil {
		return err
	}
	defer p.Release()
	return fn(p)
}
