// Package version exposes build metadata injected at link time via
// -ldflags "-X github.com/docentlabs/docent/common/version.Version=...".
package version

import "fmt"

var (
	// Version is the semantic version of this build.
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// Info returns a single-line human-readable version string.
func Info() string {
	return fmt.Sprintf("%s (%s) built at %s", Version, GitCommit, BuildTime)
}
