// Package version carries build identification stamped in with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the three build values for --version and startup logs.
func String() string {
	return fmt.Sprintf("lightlog %s (%s, built %s)", Version, GitSHA, BuildTime)
}
