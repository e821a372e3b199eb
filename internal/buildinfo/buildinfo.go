// Package buildinfo holds version information injected at build time with
//
//	-ldflags "-X github.com/terrpan/runnerfleet/internal/buildinfo.Version=<value>"
//
// and likewise for Commit and BuildTime.
package buildinfo

import "fmt"

var (
	// Version is the release version, e.g. "v0.3.0".
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	BuildTime = "unknown"
)

// String formats the build info for --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}
