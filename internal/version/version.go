// Package version holds build metadata set with -ldflags, e.g.
//
//	-X github.com/banshee-data/tshcal/internal/version.Version=1.2.0
package version

import "fmt"

var (
	// Version is the release, "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the metadata for -version output and the run log.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("tshcal %s (%s, built %s)", Version, sha, BuildTime)
}
