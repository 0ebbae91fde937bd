// Package version holds build information injected via ldflags.
package version

var (
	// Version is the semantic version of the build.
	Version = "dev"

	// GitCommit is the git commit hash of the build.
	GitCommit = "unknown"

	// BuildTime is the time the binary was built.
	BuildTime = "unknown"
)

// Full returns the version, commit and build time in one line.
func Full() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
