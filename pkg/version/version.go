// Package version reports the build identity of the lineage binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// Defaults for builds that set nothing through -ldflags.
const (
	devVersion  = "dev"
	noCommit    = "none"
	unknownDate = "unknown"
	develModule = "(devel)"
	shortCommit = 12
)

// Set with -ldflags "-X github.com/Sumatoshi-tech/lineage/pkg/version.Version=...".
var (
	Version = devVersion
	Commit  = noCommit
	Date    = unknownDate
)

// InitBinaryVersion fills the fields that -ldflags left unset from the
// build info embedded by the go tool.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	apply(info)
}

func apply(info *debug.BuildInfo) {
	if Version == devVersion && info.Main.Version != "" && info.Main.Version != develModule {
		Version = info.Main.Version
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == noCommit && s.Value != "" {
				Commit = s.Value[:min(len(s.Value), shortCommit)]
			}
		case "vcs.time":
			if Date == unknownDate && s.Value != "" {
				Date = s.Value
			}
		}
	}
}

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("lineage %s (commit: %s, built: %s)", Version, Commit, Date)
}
