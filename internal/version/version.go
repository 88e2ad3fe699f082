package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Name of the application
	AppName = "reposync"

	// Version of the application, overridable via ldflags
	Version = "0.2.0-dev"

	// Git commit hash of the build
	Revision = "HEAD"
)

// resolveFromBuildInfo populates Version/Revision from Go build metadata
// when ldflags didn't provide real values.
func resolveFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return
	}

	if Version == "" || strings.HasSuffix(Version, "-dev") {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			Version = strings.TrimPrefix(v, "v")
		}
	}

	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && (Revision == "HEAD" || Revision == "") {
			Revision = s.Value
			if len(Revision) > 12 {
				Revision = Revision[:12]
			}
		}
		if s.Key == "vcs.modified" && s.Value == "true" {
			Revision += "-dirty"
		}
	}
}

// Short returns a concise version string - `0.2.0 (5e23a4)`
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed returns a version string with toolchain and platform info.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func init() {
	resolveFromBuildInfo()
}
