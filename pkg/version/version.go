// Package version holds build information injected with -ldflags.
package version

// Example: go build -ldflags "-X github.com/Coral-Protocol/coral-server-next-sub000/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // ldflags targets must be package-level vars.
var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
