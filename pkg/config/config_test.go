package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/vmattach/vmattach/pkg/guestmem"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `
mmio-base: 0xc0000000
irq: 7
watchdog-interval: 250ms
queue-size: 128
read-only: true
advertise-flush: false
loader-path: /tmp/stage1.ko
guest-memory:
  - {guest-phys: 0x0, size: 0x80000000}
  - {guest-phys: 0x100000000, size: 0x40000000}
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.MmioBase != 0xc0000000 || c.IRQ != 7 || c.QueueSize != 128 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.WatchdogInterval != 250*time.Millisecond {
		t.Fatalf("expected watchdog interval 250ms; but was %v", c.WatchdogInterval)
	}
	if !c.ReadOnly || c.AdvertiseFlush || c.LoaderPath != "/tmp/stage1.ko" {
		t.Fatalf("unexpected config %+v", c)
	}
	want := []guestmem.Range{{GuestPhys: 0, Size: 0x80000000}, {GuestPhys: 0x100000000, Size: 0x40000000}}
	if len(c.GuestMemory) != len(want) || c.GuestMemory[0] != want[0] || c.GuestMemory[1] != want[1] {
		t.Fatalf("expected guest memory %v; but was %v", want, c.GuestMemory)
	}

	// unset options keep their defaults
	if c.MmioSize != 0x1000 || c.ConfigSpaceSize != 0x1000 || c.RegionCacheSize != 256 {
		t.Fatalf("expected defaults for unset options; but was %+v", c)
	}
	w, err := c.Window()
	if err != nil {
		t.Fatal(err)
	}
	if w.Base != 0xc0000000 || w.End() != 0xc0002000 {
		t.Fatalf("unexpected window %v", w)
	}
	if b := c.BlockConfig("disk.img"); b.Backing != "disk.img" || !b.ReadOnly || b.Flush || b.QueueSize != 128 {
		t.Fatalf("unexpected block config %+v", b)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for _, content := range []string{
		"mmio-base: [1, 2]\n",
		"no-such-option: 1\n",
		"queue-size: 100\n",
		"mmio-size: 0\n",
		"guest-memory:\n  - {guest-phys: 0x1000, size: 0}\n",
	} {
		if _, err := LoadConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("expected an error for %q", content)
		}
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestDefaultConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	c, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, Default()) {
		t.Fatalf("expected the default config; but was %+v", c)
	}
	if _, err := os.Stat(filepath.Join(dir, "vmattach", "config.yml")); err != nil {
		t.Fatalf("expected the default config file to be created: %v", err)
	}

	// a second load reads the file that was created
	if _, err := LoadConfig(""); err != nil {
		t.Fatal(err)
	}
}
