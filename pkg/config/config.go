package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/vmattach/vmattach/pkg/device"
	"github.com/vmattach/vmattach/pkg/guestmem"
)

const (
	configDir       string = "vmattach"
	configDirHidden string = ".vmattach"
	configFile      string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Guest physical address of the device registers.
	MmioBase uint64 `yaml:"mmio-base"`
	// Size of the device register block.
	MmioSize uint64 `yaml:"mmio-size"`
	// Size of the device configuration space following the registers.
	ConfigSpaceSize uint64 `yaml:"config-space-size"`
	// Interrupt line announced to the guest.
	IRQ int `yaml:"irq"`

	// Poll interval of the device watchdog.
	WatchdogInterval time.Duration `yaml:"watchdog-interval"`

	// Maximum size of the block request queue.
	QueueSize uint16 `yaml:"queue-size"`
	// If ReadOnly is true the backing file is opened read-only and the
	// guest is told so.
	ReadOnly bool `yaml:"read-only"`
	// If AdvertiseFlush is true the guest may send flush requests.
	AdvertiseFlush bool `yaml:"advertise-flush"`

	// Path of the kernel module loaded into the guest.
	LoaderPath string `yaml:"loader-path,omitempty"`

	// Guest memory ranges of the VM. When empty the largest writable
	// mapping of the hypervisor is used as guest memory at address 0.
	GuestMemory []guestmem.Range `yaml:"guest-memory,omitempty"`
	// Number of guest pages whose translation is cached.
	RegionCacheSize int `yaml:"region-cache-size"`
}

// Default returns the configuration used for options missing in the
// config file.
func Default() *Config {
	return &Config{
		MmioBase:         device.DefaultBase,
		MmioSize:         device.DefaultSize,
		ConfigSpaceSize:  device.DefaultConfigSize,
		IRQ:              device.DefaultIRQ,
		WatchdogInterval: device.DefaultWatchdogInterval,
		QueueSize:        256,
		AdvertiseFlush:   true,
		RegionCacheSize:  256,
	}
}

// LoadConfig reads the config file at path. An empty path selects the
// default location, where a commented default file is created if there
// is none.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		if err := createConfigPath(); err != nil {
			fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
			return Default(), nil
		}
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
			return Default(), nil
		}
		if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating default config file: %v.\n", err)
				return Default(), nil
			}
		}
		path = fullConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config file")
	}
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrapf(err, "unable to decode config file %s", path)
	}
	if err := c.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config file %s", path)
	}
	return c, nil
}

func (c *Config) validate() error {
	if _, err := c.Window(); err != nil {
		return err
	}
	if c.QueueSize == 0 || c.QueueSize&(c.QueueSize-1) != 0 {
		return errors.Errorf("queue-size %d is not a power of two", c.QueueSize)
	}
	for _, r := range c.GuestMemory {
		if r.Size == 0 {
			return errors.Errorf("empty guest memory range at %#x", r.GuestPhys)
		}
	}
	return nil
}

// Window returns the device window described by the configuration.
func (c *Config) Window() (device.Window, error) {
	return device.NewWindow(c.MmioBase, c.MmioSize, c.ConfigSpaceSize)
}

// BlockConfig returns the block device configuration for backing.
func (c *Config) BlockConfig(backing string) device.BlockConfig {
	return device.BlockConfig{
		Backing:   backing,
		ReadOnly:  c.ReadOnly,
		Flush:     c.AdvertiseFlush,
		QueueSize: c.QueueSize,
	}
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for vmattach.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Guest physical placement of the virtio-mmio device and its interrupt line.
# mmio-base: 0xd0000000
# mmio-size: 0x1000
# config-space-size: 0x1000
# irq: 5

# How often the device state is logged while waiting for the guest driver.
# watchdog-interval: 1s

# Block device options.
# queue-size: 256
# read-only: false
# advertise-flush: true

# Kernel module loaded into the guest by the loader-script command.
# loader-path: /usr/lib/vmattach/stage1.ko

# Guest memory ranges of the VM, matched by size to the shared mappings of the
# hypervisor. By default the largest writable mapping is guest memory at 0.
# guest-memory:
#   - {guest-phys: 0x0, size: 0x80000000}
#   - {guest-phys: 0x100000000, size: 0x80000000}

# Number of guest pages whose host address is cached.
# region-cache-size: 256
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME/vmattach is used when XDG_CONFIG_HOME is set,
// ~/.vmattach otherwise.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDirHidden, file), nil
}
