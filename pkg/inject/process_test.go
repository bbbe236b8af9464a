//go:build linux

package inject

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	protest "github.com/vmattach/vmattach/pkg/internal/test"
	"github.com/vmattach/vmattach/pkg/ptrace"
	sys "golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	os.Exit(protest.RunTestsWithFixtures(m))
}

type target struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bytes.Buffer
}

// startBlockingRead starts the blockingread fixture and waits until it is
// sleeping in read(2).
func startBlockingRead(t *testing.T) *target {
	protest.MustHavePtrace(t)
	fixture := protest.BuildFixture(t, "blockingread")
	tgt := &target{cmd: exec.Command(fixture.Path), out: new(bytes.Buffer)}
	tgt.cmd.Stdout = tgt.out
	var err error
	tgt.stdin, err = tgt.cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := tgt.cmd.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		tgt.cmd.Process.Kill()
		tgt.cmd.Wait()
	})
	protest.WaitForState(t, tgt.cmd.Process.Pid, 'S', 5*time.Second)
	return tgt
}

func attachOrSkip(t *testing.T, pid int) *Process {
	p, err := Attach(pid)
	if errors.Is(err, syscall.EPERM) {
		t.Skip("ptrace not permitted")
	}
	if err != nil {
		t.Fatalf("could not attach: %v", err)
	}
	return p
}

func TestGetpid(t *testing.T) {
	tgt := startBlockingRead(t)
	pid := tgt.cmd.Process.Pid

	p := attachOrSkip(t, pid)
	got, err := p.Getpid()
	if err != nil {
		p.Release()
		t.Fatal(err)
	}
	if got != pid {
		t.Fatalf("expected injected getpid to return %d; but was %d", pid, got)
	}
	p.Release()

	tgt.stdin.Close()
	if err := tgt.cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	if out := tgt.out.String(); out != "OK\n" {
		t.Fatalf("expected output %q; but was %q", "OK\n", out)
	}
}

func TestReleaseRestoresState(t *testing.T) {
	tgt := startBlockingRead(t)
	pid := tgt.cmd.Process.Pid

	p := attachOrSkip(t, pid)
	savedRegs, savedText := p.savedRegs, p.savedText
	for i := 0; i < 3; i++ {
		if _, err := p.Getpid(); err != nil {
			p.Release()
			t.Fatal(err)
		}
	}
	p.Release()

	// The interrupted read is retried, so the process goes back to the
	// same instruction.
	protest.WaitForState(t, pid, 'S', 5*time.Second)
	p = attachOrSkip(t, pid)
	defer p.Release()
	if p.savedText != savedText {
		t.Fatalf("expected text word %#x after release; but was %#x", savedText, p.savedText)
	}
	if p.savedRegs.IP() != savedRegs.IP() {
		t.Fatalf("expected instruction pointer %#x after release; but was %#x", savedRegs.IP(), p.savedRegs.IP())
	}
	want, got := savedRegs.SyscallArgs(), p.savedRegs.SyscallArgs()
	if want[0] != got[0] || want[1] != got[1] || want[2] != got[2] {
		t.Fatalf("expected read arguments %v after release; but were %v", want[:3], got[:3])
	}
}

func TestRemoteSyscalls(t *testing.T) {
	tgt := startBlockingRead(t)
	p := attachOrSkip(t, tgt.cmd.Process.Pid)
	defer p.Release()

	if err := p.Close(-1); !errors.Is(err, syscall.EBADF) {
		t.Fatalf("expected EBADF; but was %v", err)
	}

	addr, err := p.Mmap(0, 4096, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("remote memory")
	if err := p.WriteMemory(addr, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	if err := p.ReadMemory(addr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %q; but was %q", want, got)
	}
	if err := p.Munmap(addr, 4096); err != nil {
		t.Fatal(err)
	}
}

func TestProcessExitedMidSyscall(t *testing.T) {
	tgt := startBlockingRead(t)
	p := attachOrSkip(t, tgt.cmd.Process.Pid)
	defer p.Release()

	_, err := p.Syscall(sys.SYS_EXIT_GROUP, 0)
	var pv *ProtocolViolation
	if !errors.As(err, &pv) {
		t.Fatalf("expected a ProtocolViolation; but was %v", err)
	}
	if pv.Condition != CondExited {
		t.Fatalf("expected condition %q; but was %q", CondExited, pv.Condition)
	}
}

func TestSyscallBusy(t *testing.T) {
	p := &Process{}
	p.mu.Lock()
	if _, err := p.Syscall(sys.SYS_GETPID); err != ErrBusy {
		t.Fatalf("expected ErrBusy; but was %v", err)
	}
	p.mu.Unlock()
	p = &Process{released: true}
	if _, err := p.Syscall(sys.SYS_GETPID); err != ErrReleased {
		t.Fatalf("expected ErrReleased; but was %v", err)
	}
}

func TestReleaseWaitsForSyscall(t *testing.T) {
	tgt := startBlockingRead(t)
	pid := tgt.cmd.Process.Pid

	p := attachOrSkip(t, pid)
	calls := make(chan int)
	done := make(chan error, 1)
	go func() {
		n := 0
		for {
			_, err := p.Getpid()
			switch {
			case errors.Is(err, ErrReleased):
				done <- nil
				return
			case err != nil:
				done <- err
				return
			}
			n++
			if n == 1 {
				close(calls)
			}
		}
	}()
	select {
	case <-calls:
	case err := <-done:
		p.Release()
		t.Fatalf("expected getpid to succeed before release; but was %v", err)
	}
	p.Release()
	if err := <-done; err != nil {
		t.Fatalf("expected syscalls to stop with ErrReleased; but was %v", err)
	}

	tgt.stdin.Close()
	if err := tgt.cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	if out := tgt.out.String(); out != "OK\n" {
		t.Fatalf("expected output %q; but was %q", "OK\n", out)
	}
}

func TestSignalDuringSyscallDelivered(t *testing.T) {
	tgt := startBlockingRead(t)
	pid := tgt.cmd.Process.Pid

	p := attachOrSkip(t, pid)
	// The signal is reported once the thread leaves the tgkill exit stop,
	// in the middle of the next injected syscall.
	if _, err := p.Syscall(sys.SYS_TGKILL, uint64(pid), uint64(pid), uint64(sys.SIGTERM)); err != nil {
		p.Release()
		t.Fatal(err)
	}
	_, err := p.Getpid()
	var pv *ProtocolViolation
	if !errors.As(err, &pv) || pv.Condition != CondStoppedBySignal {
		p.Release()
		t.Fatalf("expected %q violation; but was %v", CondStoppedBySignal, err)
	}
	p.Release()

	err = tgt.cmd.Wait()
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("expected the process to be killed; but was %v", err)
	}
	ws := ee.Sys().(syscall.WaitStatus)
	if !ws.Signaled() || ws.Signal() != syscall.SIGTERM {
		t.Fatalf("expected the process to be killed by SIGTERM; but was %v", ws)
	}
}

func TestCheckExit(t *testing.T) {
	p := &Process{pid: 7}
	ip := uint64(ptrace.SyscallInstructionSize)
	for _, tc := range []struct {
		nr, ip uint64
		cond   string
	}{
		{sys.SYS_GETPID, ip, ""},
		{sys.SYS_GETTID, ip, CondUnexpectedSyscall},
		{sys.SYS_GETPID, ip + 4, CondIPMismatch},
	} {
		err := p.checkExit(sys.SYS_GETPID, tc.nr, tc.ip)
		if tc.cond == "" {
			if err != nil {
				t.Fatalf("expected no error; but was %v", err)
			}
			continue
		}
		pv, ok := err.(*ProtocolViolation)
		if !ok || pv.Condition != tc.cond {
			t.Fatalf("expected %q violation; but was %v", tc.cond, err)
		}
	}
}

func TestCheckStop(t *testing.T) {
	p := &Process{pid: 7}
	for _, tc := range []struct {
		stop ptrace.Stop
		cond string
	}{
		{ptrace.Stop{Kind: ptrace.StopSyscall}, ""},
		{ptrace.Stop{Kind: ptrace.StopSignal, Signal: sys.SIGTRAP}, ""},
		{ptrace.Stop{Kind: ptrace.StopSignal, Signal: sys.SIGUSR1}, CondStoppedBySignal},
		{ptrace.Stop{Kind: ptrace.StopEvent, Event: sys.PTRACE_EVENT_CLONE}, CondUnexpectedEvent},
		{ptrace.Stop{Kind: ptrace.StopStillAlive}, CondStillAlive},
		{ptrace.Stop{Kind: ptrace.StopExited}, CondExited},
		{ptrace.Stop{Kind: ptrace.StopKilled, Signal: sys.SIGKILL}, CondKilled},
	} {
		p.stopSig = 0
		err := p.checkStop(tc.stop)
		if tc.cond == "" {
			if err != nil {
				t.Fatalf("%v: expected no error; but was %v", tc.stop, err)
			}
			continue
		}
		pv, ok := err.(*ProtocolViolation)
		if !ok || pv.Condition != tc.cond || pv.Pid != 7 {
			t.Fatalf("%v: expected %q violation; but was %v", tc.stop, tc.cond, err)
		}
		if tc.cond == CondStoppedBySignal && p.stopSig != tc.stop.Signal {
			t.Fatalf("%v: expected %v to be kept for detach; but was %v", tc.stop, tc.stop.Signal, p.stopSig)
		}
	}
}
