// Package version carries build identification, stamped at link time via
// -ldflags "-X github.com/haetae-bot/haetae/internal/version.Version=...".
package version

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// GitCommit is the short commit hash of the build.
	GitCommit = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)
