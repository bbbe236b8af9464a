package attach

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/vmattach/vmattach/pkg/device"
	"github.com/vmattach/vmattach/pkg/guestmem"
	"github.com/vmattach/vmattach/pkg/kvm"
	"github.com/vmattach/vmattach/pkg/procfs"
)

const (
	hostBase = 0x7f0000000000
	memSize  = 0x10000

	regMagicValue    = 0x000
	regQueueNum      = 0x038
	regQueueReady    = 0x044
	regStatus        = 0x070
	regQueueDescLow  = 0x080
	regQueueAvailLow = 0x090
	regQueueUsedLow  = 0x0a0
)

var errNoExits = errors.New("no more exits")

type fakeMemory struct {
	base uintptr
	buf  []byte
}

func (m *fakeMemory) ReadMemory(addr uintptr, p []byte) (int, error) {
	return copy(p, m.buf[addr-m.base:]), nil
}

func (m *fakeMemory) WriteMemory(addr uintptr, p []byte) (int, error) {
	return copy(m.buf[addr-m.base:], p), nil
}

// fakeHypervisor is a paused-or-running VM whose MMIO exits are taken
// from exits.
type fakeHypervisor struct {
	stopErr error
	maps    []procfs.Mapping
	exits   []*kvm.MmioAccess

	stopped               bool
	stops, resumes, wraps int
	onResume              func()
}

func (h *fakeHypervisor) Stop() error {
	if h.stopErr != nil {
		return h.stopErr
	}
	if h.stopped {
		return kvm.ErrAlreadyStopped
	}
	h.stopped = true
	h.stops++
	return nil
}

func (h *fakeHypervisor) Resume() error {
	if !h.stopped {
		return kvm.ErrNotStopped
	}
	h.stopped = false
	h.resumes++
	if h.onResume != nil {
		h.onResume()
	}
	return nil
}

func (h *fakeHypervisor) Mappings() ([]procfs.Mapping, error) {
	return h.maps, nil
}

func (h *fakeHypervisor) KvmRunWrapped(fn func(kvm.ExitWaiter) error) error {
	if !h.stopped {
		return kvm.ErrNotStopped
	}
	h.wraps++
	return fn(h)
}

func (h *fakeHypervisor) WaitForMmio() (*kvm.MmioAccess, error) {
	if len(h.exits) == 0 {
		return nil, errNoExits
	}
	a := h.exits[0]
	h.exits = h.exits[1:]
	return a, nil
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		maps: []procfs.Mapping{{Start: hostBase, End: hostBase + memSize, Perms: "rw-s", Path: "/memfd:pc.ram (deleted)"}},
	}
}

func setup(t *testing.T, h *fakeHypervisor) Options {
	t.Helper()
	oldGet, oldMem := getHypervisor, processMemory
	t.Cleanup(func() {
		getHypervisor, processMemory = oldGet, oldMem
	})
	mem := &fakeMemory{base: hostBase, buf: make([]byte, memSize)}
	getHypervisor = func(pid int) (hypervisor, error) { return h, nil }
	processMemory = func(int) guestmem.Accessor { return mem }

	backing := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(backing, make([]byte, 64*512), 0o644); err != nil {
		t.Fatal(err)
	}
	return Options{
		Pid:              1234,
		Block:            device.BlockConfig{Backing: backing},
		WatchdogInterval: 10 * time.Millisecond,
	}
}

func access(off uint64, write bool, v uint32) *kvm.MmioAccess {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return kvm.NewMmioAccess(device.DefaultBase+off, write, buf[:])
}

func assertCompleted(t *testing.T, a *kvm.MmioAccess) {
	t.Helper()
	if err := a.Complete(true); err != kvm.ErrCompleted {
		t.Fatalf("expected %v to be completed", a)
	}
}

func TestAttach(t *testing.T) {
	h := newFakeHypervisor()
	opts := setup(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onResume = cancel

	magic := access(regMagicValue, false, 0)
	outside := kvm.NewMmioAccess(device.DefaultBase+device.DefaultSize+device.DefaultConfigSize, false, make([]byte, 4))
	h.exits = []*kvm.MmioAccess{
		magic,
		outside,
		access(regStatus, true, device.StatusAcknowledge|device.StatusDriver),
		access(regQueueNum, true, 16),
		access(regQueueDescLow, true, 0x1000),
		access(regQueueAvailLow, true, 0x2000),
		access(regQueueUsedLow, true, 0x3000),
		access(regQueueReady, true, 1),
		access(regMagicValue, false, 0),
	}
	exits := append([]*kvm.MmioAccess(nil), h.exits...)

	if err := Attach(ctx, opts); err != nil {
		t.Fatal(err)
	}
	if h.stops != 1 || h.resumes != 1 || h.wraps != 1 {
		t.Fatalf("expected one stop, wrap and resume; but was %d, %d, %d", h.stops, h.wraps, h.resumes)
	}
	if h.stopped {
		t.Fatalf("expected the vm to be running")
	}
	if v := magic.Value(); v != 0x74726976 {
		t.Fatalf("expected magic value reply; but was %#x", v)
	}
	if v := outside.Value(); v != 0 {
		t.Fatalf("expected no reply outside the window; but was %#x", v)
	}
	for _, a := range exits[:len(exits)-1] {
		assertCompleted(t, a)
	}
	if len(h.exits) != 1 {
		t.Fatalf("expected interception to stop once the queue is ready; %d exits left", len(h.exits))
	}
}

func TestAttachDispatchFailure(t *testing.T) {
	h := newFakeHypervisor()
	opts := setup(t, h)

	bad := access(regQueueNum, true, 0)
	h.exits = []*kvm.MmioAccess{access(regMagicValue, false, 0), bad}

	err := Attach(context.Background(), opts)
	var de *device.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected a dispatch error; but was %v", err)
	}
	if de.Addr != device.DefaultBase+regQueueNum || !de.Write {
		t.Fatalf("unexpected dispatch error %v", de)
	}
	assertCompleted(t, bad)
	if h.resumes != 1 || h.stopped {
		t.Fatalf("expected the vm to be resumed once; but was %d (stopped %v)", h.resumes, h.stopped)
	}
}

func TestAttachWaitFailure(t *testing.T) {
	h := newFakeHypervisor()
	opts := setup(t, h)

	err := Attach(context.Background(), opts)
	if errors.Cause(err) != errNoExits {
		t.Fatalf("expected %v; but was %v", errNoExits, err)
	}
	if h.resumes != 1 || h.stopped {
		t.Fatalf("expected the vm to be resumed once; but was %d (stopped %v)", h.resumes, h.stopped)
	}
}

func TestAttachCancelled(t *testing.T) {
	h := newFakeHypervisor()
	opts := setup(t, h)
	h.exits = []*kvm.MmioAccess{access(regMagicValue, false, 0)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Attach(ctx, opts); errors.Cause(err) != context.Canceled {
		t.Fatalf("expected %v; but was %v", context.Canceled, err)
	}
	if len(h.exits) != 1 {
		t.Fatalf("expected no exit to be consumed")
	}
	if h.resumes != 1 || h.stopped {
		t.Fatalf("expected the vm to be resumed once; but was %d (stopped %v)", h.resumes, h.stopped)
	}
}

func TestAttachStopFailure(t *testing.T) {
	h := newFakeHypervisor()
	opts := setup(t, h)
	h.stopErr = &kvm.AttachError{Pid: opts.Pid, Op: "stop", Err: kvm.ErrAlreadyStopped}

	err := Attach(context.Background(), opts)
	if !errors.Is(err, kvm.ErrAlreadyStopped) {
		t.Fatalf("expected %v; but was %v", kvm.ErrAlreadyStopped, err)
	}
	if h.resumes != 0 || h.wraps != 0 {
		t.Fatalf("expected nothing to happen after a failed stop; but was %d resumes, %d wraps", h.resumes, h.wraps)
	}
}

func TestAttachNoGuestMemory(t *testing.T) {
	h := newFakeHypervisor()
	opts := setup(t, h)
	h.maps = nil

	if err := Attach(context.Background(), opts); err == nil {
		t.Fatalf("expected an error without guest memory")
	}
	if h.wraps != 0 || h.resumes != 1 || h.stopped {
		t.Fatalf("expected the vm to be resumed without interception; but was %d wraps, %d resumes", h.wraps, h.resumes)
	}
}

func TestAttachUnsupported(t *testing.T) {
	opts := setup(t, newFakeHypervisor())
	getHypervisor = nil

	if err := Attach(context.Background(), opts); err == nil {
		t.Fatalf("expected an error without hypervisor support")
	}
}
