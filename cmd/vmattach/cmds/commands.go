package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vmattach/vmattach/pkg/attach"
	"github.com/vmattach/vmattach/pkg/config"
	"github.com/vmattach/vmattach/pkg/loader"
	"github.com/vmattach/vmattach/pkg/logflags"
	"github.com/vmattach/vmattach/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the location of the config file.
	configPath string

	// attach flags
	backing          string
	mmioBase         uint64
	irq              int
	readOnly         bool
	queueSize        uint16
	watchdogInterval time.Duration

	// alloc-mem flags
	memSlot      uint32
	memGuestPhys uint64
	memSize      uint64

	// loader-script flags
	loaderPath string
	command    string
	payloadOut string
	trace      bool

	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const vmattachCommandLongDesc = `vmattach adds a virtio block device to a running KVM virtual machine.

It stops the hypervisor process with ptrace, intercepts the MMIO exits of a
device window until the guest driver has set up the device and then lets the
VM continue. The guest needs to be started with the virtio_mmio.device=
parameter matching the configured window (see 'vmattach attach --help').`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main vmattach root command.
	rootCommand = &cobra.Command{
		Use:   "vmattach",
		Short: "vmattach attaches devices to running KVM virtual machines.",
		Long:  vmattachCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			conf, err = config.LoadConfig(configPath)
			return err
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'vmattach help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'vmattach help log').")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Path of the config file (default $XDG_CONFIG_HOME/vmattach/config.yml or ~/.vmattach/config.yml).")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach a block device to the VM of a hypervisor process.",
		Long: `Attach a virtio-mmio block device backed by a file to the VM run by the
hypervisor process pid.

The VM is paused while the device is added and runs again once the guest
driver has enabled the device queue. vmattach keeps serving the device until
it receives SIGINT or SIGTERM.
`,
		Args: cobra.ExactArgs(1),
		Run:  attachCmd,
	}
	attachCommand.Flags().StringVar(&backing, "backing", "", "File holding the contents of the block device.")
	attachCommand.Flags().Uint64Var(&mmioBase, "mmio-base", 0, "Guest physical address of the device (overrides mmio-base in the config file).")
	attachCommand.Flags().IntVar(&irq, "irq", 0, "Interrupt line of the device (overrides irq in the config file).")
	attachCommand.Flags().BoolVar(&readOnly, "read-only", false, "Attach the device read-only.")
	attachCommand.Flags().Uint16Var(&queueSize, "queue-size", 0, "Maximum size of the request queue (overrides queue-size in the config file).")
	attachCommand.Flags().DurationVar(&watchdogInterval, "watchdog-interval", 0, "How often the device state is logged while waiting for the guest driver.")
	attachCommand.MarkFlagRequired("backing")
	rootCommand.AddCommand(attachCommand)

	// 'inject' subcommand.
	injectCommand := &cobra.Command{
		Use:   "inject pid syscall [args...]",
		Short: "Run a system call in the context of a process.",
		Long: `Stop every thread of process pid, run a system call on its main thread and
restore the process.

The system call is either a name (getpid) or a number, arguments are numbers
(a 0x prefix selects hexadecimal). The raw return value is printed.
`,
		Args: cobra.MinimumNArgs(2),
		Run:  injectCmd,
	}
	rootCommand.AddCommand(injectCommand)

	// 'alloc-mem' subcommand.
	allocMemCommand := &cobra.Command{
		Use:   "alloc-mem pid",
		Short: "Add a memory slot to the VM of a hypervisor process.",
		Long: `Allocate shared memory inside the hypervisor process pid and register it
with its VM as a memory slot at the given guest physical address.
`,
		Args: cobra.ExactArgs(1),
		Run:  allocMemCmd,
	}
	allocMemCommand.Flags().Uint32Var(&memSlot, "slot", 0, "Memory slot number.")
	allocMemCommand.Flags().Uint64Var(&memGuestPhys, "guest-phys", 0, "Guest physical address of the memory.")
	allocMemCommand.Flags().Uint64Var(&memSize, "size", 4096, "Size of the memory in bytes.")
	rootCommand.AddCommand(allocMemCommand)

	// 'loader-script' subcommand.
	loaderScriptCommand := &cobra.Command{
		Use:   "loader-script",
		Short: "Print the script that loads the guest side driver.",
		Long: `Print the shell script that, run inside the guest with the padded loader
module on its standard input, loads the module. The module starts command
once the block device is up.
`,
		Args: cobra.NoArgs,
		Run:  loaderScriptCmd,
	}
	loaderScriptCommand.Flags().StringVar(&loaderPath, "loader", "", "Path of the loader module (overrides loader-path in the config file).")
	loaderScriptCommand.Flags().StringVar(&command, "command", "", "Command started in the guest.")
	loaderScriptCommand.Flags().StringVar(&payloadOut, "payload-out", "", "Write the padded loader module to this file.")
	loaderScriptCommand.Flags().BoolVar(&trace, "trace", false, "Enable shell tracing in the script.")
	loaderScriptCommand.MarkFlagRequired("command")
	rootCommand.AddCommand(loaderScriptCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vmattach\n%s\n", version.VMAttachVersion)
			if verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	inject		Log injected system calls and register dumps
	kvm		Log hypervisor discovery and MMIO interception
	device		Log every access to the emulated device
	attach		Log the attach sequence (default)
	nowatchdog	Silence the device watchdog

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(cmd *cobra.Command, args []string) {
	os.Exit(func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		pid, err := parsePid(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		opts, err := attachOptions(cmd.Flags(), conf, pid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		fmt.Fprintf(os.Stderr, "guest kernel parameter: %s\n", opts.Window.KernelParam(opts.IRQ))
		if err := attach.Attach(ctx, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Could not attach to pid %d: %v\n", pid, err)
			return 1
		}
		return 0
	}())
}

// attachOptions merges the config file and the attach flags that were
// set on the command line.
func attachOptions(flags *pflag.FlagSet, conf *config.Config, pid int) (attach.Options, error) {
	c := *conf
	if flags.Changed("mmio-base") {
		c.MmioBase = mmioBase
	}
	if flags.Changed("irq") {
		c.IRQ = irq
	}
	if flags.Changed("read-only") {
		c.ReadOnly = readOnly
	}
	if flags.Changed("queue-size") {
		c.QueueSize = queueSize
	}
	if flags.Changed("watchdog-interval") {
		c.WatchdogInterval = watchdogInterval
	}
	w, err := c.Window()
	if err != nil {
		return attach.Options{}, err
	}
	if backing == "" {
		return attach.Options{}, errors.New("you must provide a backing file")
	}
	return attach.Options{
		Pid:              pid,
		Window:           w,
		IRQ:              c.IRQ,
		Block:            c.BlockConfig(backing),
		GuestMemory:      c.GuestMemory,
		RegionCacheSize:  c.RegionCacheSize,
		WatchdogInterval: c.WatchdogInterval,
	}, nil
}

// parseSyscall parses a syscall name or number followed by numeric
// arguments.
func parseSyscall(args []string) (uint64, []uint64, error) {
	nr, ok := syscallNames[args[0]]
	if !ok {
		var err error
		nr, err = strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("unknown syscall %q", args[0])
		}
	}
	if len(args)-1 > 6 {
		return 0, nil, fmt.Errorf("too many syscall arguments: %d", len(args)-1)
	}
	sargs := make([]uint64, 0, len(args)-1)
	for _, a := range args[1:] {
		v, err := parseArg(a)
		if err != nil {
			return 0, nil, err
		}
		sargs = append(sargs, v)
	}
	return nr, sargs, nil
}

func parseArg(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid syscall argument %q", s)
	}
	return uint64(v), nil
}

func loaderScriptCmd(cmd *cobra.Command, args []string) {
	os.Exit(func() int {
		path := conf.LoaderPath
		if cmd.Flags().Changed("loader") {
			path = loaderPath
		}
		p, err := loader.Resolve(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		script, err := loader.InstallScript(p, command, trace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if payloadOut != "" {
			if err := os.WriteFile(payloadOut, p.Padded(), 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write payload: %v\n", err)
				return 1
			}
		}
		fmt.Print(script)
		return 0
	}())
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}
	return pid, nil
}
