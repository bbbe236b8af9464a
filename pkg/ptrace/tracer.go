//go:build linux

// Package ptrace is a thin control surface over the Linux process-trace
// facility: one Thread per traced OS thread, a Tracer that owns the OS
// thread every ptrace request must come from, and the register image of a
// stopped thread.
package ptrace

import (
	"errors"
	"runtime"
	"sync"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ErrTracerClosed is returned by requests issued after Close.
var ErrTracerClosed = errors.New("tracer closed")

// Tracer runs ptrace requests on a dedicated OS thread.
//
// Linux only accepts ptrace requests from the thread that attached to the
// tracee, while goroutines migrate between OS threads freely, so every
// request of a session is funnelled through one goroutine locked to its
// thread.
type Tracer struct {
	fnCh   chan func()
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewTracer starts the tracer thread.
func NewTracer() *Tracer {
	t := &Tracer{
		fnCh:   make(chan func()),
		doneCh: make(chan struct{}),
	}
	go t.handlePtraceFuncs()
	return t
}

func (t *Tracer) handlePtraceFuncs() {
	// The thread is never unlocked: when the goroutine returns the runtime
	// terminates it, which implicitly detaches anything still traced.
	runtime.LockOSThread()

	for fn := range t.fnCh {
		fn()
		t.doneCh <- struct{}{}
	}
}

// Do runs fn on the tracer thread and waits for it to return.
func (t *Tracer) Do(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTracerClosed
	}
	t.fnCh <- fn
	<-t.doneCh
	return nil
}

// Close stops the tracer thread. Pending requests complete first.
func (t *Tracer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.fnCh)
}

// WaitAny waits for a state change of any tracee of this tracer.
func (t *Tracer) WaitAny() (Stop, error) {
	var (
		stop Stop
		err  error
	)
	if derr := t.Do(func() { stop, err = wait(-1, 0) }); derr != nil {
		return Stop{}, derr
	}
	if err != nil {
		return Stop{}, &TraceError{Tid: -1, Op: "wait", Err: err}
	}
	return stop, nil
}

func wait(pid, options int) (Stop, error) {
	var ws sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &ws, sys.WALL|options, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return Stop{}, err
		}
		if wpid == 0 {
			return Stop{Tid: pid, Kind: StopStillAlive}, nil
		}
		return classify(wpid, ws), nil
	}
}
