// Package version holds build metadata reported by GET /version.
package version

// Build metadata, overridden with -ldflags "-X" at release time.
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
