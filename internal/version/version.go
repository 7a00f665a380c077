package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build information on one line, as printed by the
// version subcommand and recorded in the session manifest.
func String() string {
	return fmt.Sprintf("sessionsync %s (%s, built %s)", Version, GitSHA, BuildTime)
}
