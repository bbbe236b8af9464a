package device

import (
	"fmt"
	"math"
)

// Default placement of the device in guest physical memory.
const (
	DefaultBase       = 0xd0000000
	DefaultSize       = 0x1000
	DefaultConfigSize = 0x1000
	DefaultIRQ        = 5
)

// Window is the guest physical address range of the device: Size bytes
// of registers at Base followed by ConfigSize bytes of configuration
// space. It does not change once the device is built.
type Window struct {
	Base       uint64
	Size       uint64
	ConfigSize uint64
}

// NewWindow validates and returns a window.
func NewWindow(base, size, configSize uint64) (Window, error) {
	if size == 0 {
		return Window{}, fmt.Errorf("empty mmio window at %#x", base)
	}
	if size > math.MaxUint64-configSize || base > math.MaxUint64-(size+configSize) {
		return Window{}, fmt.Errorf("mmio window at %#x overflows the address space", base)
	}
	return Window{Base: base, Size: size, ConfigSize: configSize}, nil
}

// End returns the first address after the window.
func (w Window) End() uint64 {
	return w.Base + w.Size + w.ConfigSize
}

// Contains reports whether addr lies in [Base, Base+Size+ConfigSize).
func (w Window) Contains(addr uint64) bool {
	return addr >= w.Base && addr-w.Base < w.Size+w.ConfigSize
}

func (w Window) String() string {
	return fmt.Sprintf("%#x-%#x", w.Base, w.End())
}

// KernelParam returns the guest kernel command line parameter that makes
// the virtio-mmio driver bind to the window with interrupt line irq.
func (w Window) KernelParam(irq int) string {
	return fmt.Sprintf("virtio_mmio.device=%#x@%#x:%d", w.Size, w.Base, irq)
}
