// Package version reports the version of the mcusync binary.
package version

import "runtime/debug"

// Unset is the version of binaries that were built without setting Version,
// such as test binaries.
const Unset = "dev"

// Version is set at release time with
// `-ldflags "-X github.com/sidkik/mcusync/pkg/version.Version=<tag>"`.
var Version = Unset

// readBuildInfo is overridden in tests.
var readBuildInfo = debug.ReadBuildInfo

// String returns Version, or the module version recorded by `go install`
// when Version wasn't set.
func String() string {
	if Version != Unset {
		return Version
	}

	info, ok := readBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return Unset
	}
	return info.Main.Version
}
