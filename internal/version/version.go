// Package version carries build metadata injected with -ldflags.
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

// Describe renders the version block printed by each binary's version command.
func Describe(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:     %s\n  built:      %s\n  go version: %s\n",
		binary, Version, GitCommit, BuildTime, GoVersion())
}
