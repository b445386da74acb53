package version

import "runtime/debug"

// Version is the version of the relay binary.
// It is set using `go build -ldflags "-X github.com/dork-labs/relay/internal/version.Version=v1.2.3"`.
var Version string

func init() {
	// If version is already set via a compiler link flag, then we don't need to do anything
	if Version != "" {
		return
	}
	Version = "devel"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	vcsVersion := ""
	vcsModified := ""
	for _, p := range info.Settings {
		switch p.Key {
		case "vcs.revision":
			vcsVersion = p.Value
		case "vcs.modified":
			if p.Value == "true" {
				vcsModified = "-modified"
			}
		}
	}
	if vcsVersion != "" {
		Version += "-" + vcsVersion + vcsModified
	}
}
