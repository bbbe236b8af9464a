package ptrace

import (
	"testing"

	sys "golang.org/x/sys/unix"
)

// stoppedStatus builds a raw wait status the way the kernel encodes it.
func stoppedStatus(sig sys.Signal, event int) sys.WaitStatus {
	return sys.WaitStatus(event<<16 | int(sig)<<8 | 0x7f)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		name  string
		ws    sys.WaitStatus
		kind  StopKind
		sig   sys.Signal
		event int
	}{
		{"exit", sys.WaitStatus(3 << 8), StopExited, 0, 0},
		{"killed", sys.WaitStatus(sys.SIGKILL), StopKilled, sys.SIGKILL, 0},
		{"syscall", stoppedStatus(sys.SIGTRAP|0x80, 0), StopSyscall, 0, 0},
		{"signal", stoppedStatus(sys.SIGUSR1, 0), StopSignal, sys.SIGUSR1, 0},
		{"sigstop", stoppedStatus(sys.SIGSTOP, 0), StopSignal, sys.SIGSTOP, 0},
		{"clone", stoppedStatus(sys.SIGTRAP, sys.PTRACE_EVENT_CLONE), StopEvent, sys.SIGTRAP, sys.PTRACE_EVENT_CLONE},
		{"interrupt", stoppedStatus(sys.SIGTRAP, sys.PTRACE_EVENT_STOP), StopEvent, sys.SIGTRAP, sys.PTRACE_EVENT_STOP},
		{"group-stop", stoppedStatus(sys.SIGSTOP, sys.PTRACE_EVENT_STOP), StopEvent, sys.SIGSTOP, sys.PTRACE_EVENT_STOP},
		{"continued", sys.WaitStatus(0xffff), StopContinued, 0, 0},
	} {
		stop := classify(42, tc.ws)
		if stop.Tid != 42 {
			t.Fatalf("%s: expected tid 42; but was %d", tc.name, stop.Tid)
		}
		if stop.Kind != tc.kind {
			t.Fatalf("%s: expected %v; but was %v", tc.name, tc.kind, stop.Kind)
		}
		if stop.Signal != tc.sig || stop.Event != tc.event {
			t.Fatalf("%s: expected signal %v event %d; but was %v %d", tc.name, tc.sig, tc.event, stop.Signal, stop.Event)
		}
	}
	if stop := classify(1, sys.WaitStatus(3<<8)); stop.ExitStatus != 3 {
		t.Fatalf("expected exit status 3; but was %d", stop.ExitStatus)
	}
}
