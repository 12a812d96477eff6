// Package version holds build metadata injected with -ldflags.
package version

var (
	// Version is the release tag, set by the build.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders version, commit and date on one line.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
