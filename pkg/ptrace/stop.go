//go:build linux

package ptrace

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// StopKind classifies a state change reported by wait4 for a tracee.
type StopKind int

const (
	StopUnknown StopKind = iota
	// StopSyscall is a syscall-enter-stop or syscall-exit-stop
	// (SIGTRAP|0x80 with PTRACE_O_TRACESYSGOOD).
	StopSyscall
	// StopSignal is a signal-delivery-stop. Signal is the pending signal.
	StopSignal
	// StopEvent is a PTRACE_EVENT_* stop, including the event stop that
	// PTRACE_INTERRUPT produces for seized tracees.
	StopEvent
	// StopExited means the thread exited normally.
	StopExited
	// StopKilled means the thread was terminated by a signal.
	StopKilled
	// StopContinued is reported for a SIGCONT resumption.
	StopContinued
	// StopStillAlive is returned by a WNOHANG wait with nothing to report.
	StopStillAlive
)

var stopKindNames = [...]string{
	StopUnknown:    "unknown",
	StopSyscall:    "syscall-stop",
	StopSignal:     "signal-delivery-stop",
	StopEvent:      "ptrace event",
	StopExited:     "exited",
	StopKilled:     "killed",
	StopContinued:  "continued",
	StopStillAlive: "still alive",
}

func (k StopKind) String() string {
	if int(k) < len(stopKindNames) {
		return stopKindNames[k]
	}
	return fmt.Sprintf("StopKind(%d)", int(k))
}

// Stop is one classified wait4 result.
type Stop struct {
	Tid  int
	Kind StopKind
	// Signal is the stop signal for StopSignal/StopEvent and the
	// terminating signal for StopKilled.
	Signal sys.Signal
	// Event is the PTRACE_EVENT_* number for StopEvent.
	Event int
	// ExitStatus is the exit code for StopExited.
	ExitStatus int
}

func (s Stop) String() string {
	switch s.Kind {
	case StopSignal:
		return fmt.Sprintf("thread %d %s (%v)", s.Tid, s.Kind, s.Signal)
	case StopEvent:
		return fmt.Sprintf("thread %d %s %d", s.Tid, s.Kind, s.Event)
	case StopExited:
		return fmt.Sprintf("thread %d exited with %d", s.Tid, s.ExitStatus)
	case StopKilled:
		return fmt.Sprintf("thread %d killed by %v", s.Tid, s.Signal)
	}
	return fmt.Sprintf("thread %d %s", s.Tid, s.Kind)
}

func classify(wpid int, ws sys.WaitStatus) Stop {
	s := Stop{Tid: wpid}
	switch {
	case ws.Exited():
		s.Kind = StopExited
		s.ExitStatus = ws.ExitStatus()
	case ws.Signaled():
		s.Kind = StopKilled
		s.Signal = ws.Signal()
	case ws.Continued():
		s.Kind = StopContinued
	case ws.Stopped():
		sig := ws.StopSignal()
		switch {
		case sig == sys.SIGTRAP|0x80:
			s.Kind = StopSyscall
		case ws.TrapCause() > 0:
			s.Kind = StopEvent
			s.Signal = sig
			s.Event = ws.TrapCause()
		case int(ws)>>16 == sys.PTRACE_EVENT_STOP:
			// group-stop of a seized tracee
			s.Kind = StopEvent
			s.Signal = sig
			s.Event = sys.PTRACE_EVENT_STOP
		default:
			s.Kind = StopSignal
			s.Signal = sig
		}
	}
	return s
}
