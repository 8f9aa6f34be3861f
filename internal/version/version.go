// Package version carries the build metadata of the treesync binary.
//
// Release builds stamp the variables with
//
//	-ldflags "-X github.com/openmined/treesync/internal/version.Version=1.2.0 -X ...Revision=<sha>"
//
// Plain go build and go install fall back to the module and VCS data the
// toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	devVersion      = "0.1.0-dev"
	unknownRevision = "HEAD"
)

var (
	AppName   = "treesync"
	Version   = devVersion
	Revision  = unknownRevision
	BuildDate = ""
)

// applyBuildInfo fills only the fields ldflags left at their defaults.
func applyBuildInfo(mainVersion string, settings map[string]string) {
	if (Version == devVersion || Version == "") && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}

	if rev := settings["vcs.revision"]; rev != "" && (Revision == unknownRevision || Revision == "") {
		if settings["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		Revision = rev
	}

	if BuildDate == "" {
		BuildDate = settings["vcs.time"]
	}
}

// Short is the version logged at the start of every sync, e.g. "0.1.0 (5e23a4)".
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// UserAgent identifies treesync to the GitHub API, which rejects requests
// without one, e.g. "treesync/0.1.0 (linux; amd64)".
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", AppName, Version, runtime.GOOS, runtime.GOARCH)
}

// Detailed is printed by `treesync version`.
func Detailed() string {
	built := BuildDate
	if built == "" {
		built = "unknown build date"
	}
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH, built)
}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	applyBuildInfo(info.Main.Version, settings)
}
