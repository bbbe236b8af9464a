// Package attach hot-plugs an emulated virtio block device into a running
// KVM guest: it pauses the VM, intercepts the MMIO exits of the device
// window until the guest driver has brought the device up and resumes the
// VM.
package attach

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/vmattach/vmattach/pkg/device"
	"github.com/vmattach/vmattach/pkg/guestmem"
	"github.com/vmattach/vmattach/pkg/kvm"
	"github.com/vmattach/vmattach/pkg/logflags"
	"github.com/vmattach/vmattach/pkg/procfs"
)

// Options configures an attach session.
type Options struct {
	Pid int
	// Window is where the device appears in guest physical memory. The
	// zero value selects the default window.
	Window device.Window
	// IRQ is the interrupt line the guest is told to use for the device.
	IRQ   int
	Block device.BlockConfig
	// GuestMemory lists the guest memory ranges of the VM, see
	// guestmem.Layout.
	GuestMemory      []guestmem.Range
	RegionCacheSize  int
	WatchdogInterval time.Duration
}

// hypervisor is the part of *kvm.Hypervisor used by Attach.
type hypervisor interface {
	Stop() error
	Resume() error
	Mappings() ([]procfs.Mapping, error)
	KvmRunWrapped(fn func(kvm.ExitWaiter) error) error
}

// Set by the platform specific part of the package, replaced by tests.
var (
	getHypervisor func(pid int) (hypervisor, error)
	processMemory func(pid int) guestmem.Accessor
)

// Attach adds a block device to the VM of the hypervisor process
// opts.Pid. It returns when the guest has enabled the device queue and ctx
// is done, or when attaching fails. The VM is resumed on every return
// path.
func Attach(ctx context.Context, opts Options) (err error) {
	if getHypervisor == nil {
		return errors.New("attaching is not supported on this platform")
	}
	if opts.Window.Size == 0 {
		opts.Window = device.Window{Base: device.DefaultBase, Size: device.DefaultSize, ConfigSize: device.DefaultConfigSize}
	}
	if opts.IRQ == 0 {
		opts.IRQ = device.DefaultIRQ
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = device.DefaultWatchdogInterval
	}
	log := logflags.AttachLogger().WithField("pid", opts.Pid)
	log.Infof("attaching")

	h, err := getHypervisor(opts.Pid)
	if err != nil {
		return errors.WithMessagef(err, "cannot get vm of process %d", opts.Pid)
	}
	if err := h.Stop(); err != nil {
		return err
	}
	stopped := true
	defer func() {
		if !stopped {
			return
		}
		if rerr := h.Resume(); rerr != nil {
			log.Errorf("could not resume vm: %v", rerr)
		}
	}()

	bridge, err := newBridge(h, opts)
	if err != nil {
		return errors.WithMessage(err, "cannot create device")
	}
	defer func() {
		if cerr := bridge.Close(); cerr != nil {
			log.Warnf("could not close device: %v", cerr)
		}
	}()
	log.Infof("mmio device attached, guest parameter %s", opts.Window.KernelParam(opts.IRQ))

	wctx, stopWatchdog := context.WithCancel(ctx)
	g, wctx := errgroup.WithContext(wctx)
	g.Go(func() error {
		device.Watch(wctx, bridge, opts.WatchdogInterval, logflags.WatchdogLogger())
		return nil
	})
	defer func() {
		stopWatchdog()
		join(g, 2*opts.WatchdogInterval, log)
	}()

	err = h.KvmRunWrapped(func(w kvm.ExitWaiter) error {
		return intercept(ctx, w, bridge, log)
	})
	if err != nil {
		return errors.WithMessage(err, "device init stage failed")
	}
	log.Infof("device queue ready")

	if err := h.Resume(); err != nil {
		return err
	}
	stopped = false

	<-ctx.Done()
	log.Infof("detaching")
	return nil
}

func newBridge(h hypervisor, opts Options) (*device.Bridge, error) {
	maps, err := h.Mappings()
	if err != nil {
		return nil, err
	}
	regions, err := guestmem.Layout(maps, opts.GuestMemory)
	if err != nil {
		return nil, err
	}
	view, err := guestmem.NewView(regions, processMemory(opts.Pid), opts.RegionCacheSize)
	if err != nil {
		return nil, err
	}
	if logflags.Attach() {
		for _, r := range view.Regions() {
			logflags.AttachLogger().Debugf("guest memory %v", r)
		}
	}
	return device.NewBridge(opts.Window, view, opts.Block)
}

// intercept hands the MMIO exits of the guest to the device until the
// device queue is ready. Accesses outside the device window are left to
// the hypervisor.
func intercept(ctx context.Context, w kvm.ExitWaiter, bridge *device.Bridge, log logflags.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := w.WaitForMmio()
		if err != nil {
			return errors.WithMessage(err, "failed to wait for mmio exit")
		}
		handled, err := bridge.Dispatch(a)
		if err != nil {
			if cerr := a.Complete(false); cerr != nil {
				log.Errorf("could not complete %v: %v", a, cerr)
			}
			return err
		}
		if handled {
			log.Debugf("%v", a)
		}
		if err := a.Complete(handled); err != nil {
			return err
		}
		ready, err := bridge.Ready()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

// join waits for the watchdog for at most timeout.
func join(g *errgroup.Group, timeout time.Duration, log logflags.Logger) {
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			log.Warnf("watchdog: %v", err)
		}
	case <-time.After(timeout):
		log.Warnf("watchdog did not stop within %v", timeout)
	}
}
