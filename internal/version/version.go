// Package version carries build metadata set through -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String renders the one-line form printed by the version command and
// attached to the service's startup log.
func String() string {
	return fmt.Sprintf("analyzer %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
