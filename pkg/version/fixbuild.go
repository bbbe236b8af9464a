package version

import (
	"runtime/debug"
	"strings"
)

func init() {
	fixBuild = buildInfoFixBuild
}

// buildInfoFixBuild replaces an unexpanded Build ident with the VCS
// revision recorded by the go tool.
func buildInfoFixBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for i := range info.Settings {
		if info.Settings[i].Key == "vcs.revision" {
			v.Build = info.Settings[i].Value
			break
		}
	}
}
