package ptrace

import "fmt"

// TraceError is returned when the kernel rejects a trace request on a
// thread: the thread is not stopped, permission was denied, or it exited.
type TraceError struct {
	Tid int
	Op  string
	Err error
}

func (e *TraceError) Error() string {
	if e.Tid < 0 {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed on thread %d: %v", e.Op, e.Tid, e.Err)
}

func (e *TraceError) Unwrap() error {
	return e.Err
}
