// Package device emulates a virtio-mmio block device for a guest whose
// MMIO accesses are intercepted, and watches the driver bring it up.
package device

import (
	"sync"

	"github.com/vmattach/vmattach/pkg/kvm"
	"github.com/vmattach/vmattach/pkg/logflags"
)

type request struct {
	access   *kvm.MmioAccess
	snapshot bool
	reply    chan response
}

type response struct {
	snap Snapshot
	err  error
}

// Bridge owns the emulated device. All accesses to the device, from the
// interception loop and from the watchdog, are executed in order by a
// single goroutine.
type Bridge struct {
	window Window
	reqCh  chan request
	done   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	closeErr  error
	log       logflags.Logger
}

// NewBridge opens the backing file and starts the device goroutine.
func NewBridge(window Window, mem GuestMemory, cfg BlockConfig) (*Bridge, error) {
	dev, err := newBlockDevice(mem, cfg)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		window: window,
		reqCh:  make(chan request),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		log:    logflags.DeviceLogger().WithField("window", window.String()),
	}
	go b.loop(dev)
	b.log.Debugf("block device with %d sectors, features %#x", dev.capacity, dev.deviceFeatures)
	return b, nil
}

// Window returns the address range served by the device.
func (b *Bridge) Window() Window {
	return b.window
}

func (b *Bridge) loop(dev *blockDevice) {
	defer close(b.exited)
	for {
		select {
		case <-b.done:
			b.closeErr = dev.close()
			return
		case req := <-b.reqCh:
			if req.snapshot {
				req.reply <- response{snap: dev.snapshot()}
				continue
			}
			req.reply <- response{err: b.dispatch(dev, req.access)}
		}
	}
}

func (b *Bridge) dispatch(dev *blockDevice, a *kvm.MmioAccess) error {
	offset := a.Addr - b.window.Base
	if a.Write {
		if logflags.Device() {
			b.log.Debugf("write %#x = %#x", offset, a.Value())
		}
		return dev.write(offset, a.Value())
	}
	v, err := dev.read(offset, a.Len)
	if err != nil {
		return err
	}
	a.SetValue(v)
	if logflags.Device() {
		b.log.Debugf("read %#x = %#x", offset, v)
	}
	return nil
}

func (b *Bridge) call(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case b.reqCh <- req:
	case <-b.done:
		return response{}, ErrClosed
	}
	return <-req.reply, nil
}

// Dispatch hands an access to the device if it lies in the window and
// reports whether it did. Reads get their reply stored in the access.
// Accesses outside the window are never seen by the device.
func (b *Bridge) Dispatch(a *kvm.MmioAccess) (bool, error) {
	if !b.window.Contains(a.Addr) {
		return false, nil
	}
	resp, err := b.call(request{access: a})
	if err != nil {
		return false, err
	}
	if resp.err != nil {
		return false, &DispatchError{Addr: a.Addr, Write: a.Write, Err: resp.err}
	}
	return true, nil
}

// Snapshot returns the negotiation state of the device.
func (b *Bridge) Snapshot() (Snapshot, error) {
	resp, err := b.call(request{snapshot: true})
	return resp.snap, err
}

// Ready reports whether the driver has enabled the selected queue.
func (b *Bridge) Ready() (bool, error) {
	s, err := b.Snapshot()
	return s.QueueReady, err
}

// Close stops the device goroutine and closes the backing file.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		<-b.exited
	})
	return b.closeErr
}
