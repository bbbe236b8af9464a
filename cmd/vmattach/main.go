package main

import (
	"os"

	"github.com/vmattach/vmattach/cmd/vmattach/cmds"
	"github.com/vmattach/vmattach/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.VMAttachVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
