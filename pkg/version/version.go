// Package version reports the build version of pqtunnel.
package version

import (
	"fmt"
	"runtime"
)

// Semantic version components.
const (
	// Major is the major version (breaking changes).
	Major = 0
	// Minor is the minor version (new features).
	Minor = 1
	// Patch is the patch version (bug fixes).
	Patch = 0
	// Label is the optional pre-release label.
	Label = ""
)

// Name is the project name used in banners and the host descriptor.
const Name = "pqtunnel"

// Commit is set at build time with -ldflags "-X .../pkg/version.Commit=...".
var Commit = "unknown"

// String returns the full version string.
func String() string {
	v := fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch)
	if Label != "" {
		v += "-" + Label
	}
	return v
}

// Full returns a descriptive version string.
func Full() string {
	return fmt.Sprintf("%s %s (%s, %s)", Name, String(), Commit, runtime.Version())
}
