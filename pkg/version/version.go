// Package version carries build information for the storyforge binary.
// Values are injected at link time.
package version

import "fmt"

// Example: go build -ldflags "-X storyforge/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // must be package-level vars for ldflags injection
var (
	// Version is the semantic version, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information for --version output.
func String() string {
	return fmt.Sprintf("storyforge %s (commit %s, built %s)", Version, Commit, Date)
}
