package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module and its dependencies, one per
// line.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}
	var b strings.Builder
	fmt.Fprintf(&b, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			dep = dep.Replace
		}
		fmt.Fprintf(&b, " dep\t%s\t%s\n", dep.Path, dep.Version)
	}
	return b.String()
}
