//go:build !linux

package cmds

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var syscallNames = map[string]uint64{}

func injectCmd(cmd *cobra.Command, args []string) {
	fmt.Fprintf(os.Stderr, "Syscall injection is not supported on %s\n", runtime.GOOS)
	os.Exit(1)
}

func allocMemCmd(cmd *cobra.Command, args []string) {
	fmt.Fprintf(os.Stderr, "Memory slot injection is not supported on %s\n", runtime.GOOS)
	os.Exit(1)
}
