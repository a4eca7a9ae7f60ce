// Package version reports the version of this module as recorded in the build info.
package version

import (
	"runtime/debug"
)

// Default is the version reported when the build info is unavailable, as in `go run` of a local checkout.
const Default = "dev"

const modulePath = "github.com/blockjit/blockjit"

// GetBlockjitVersion returns the version of this module: the main module version when built as the
// main module, or the dependency version when imported.
func GetBlockjitVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	return versionOf(info)
}

func versionOf(info *debug.BuildInfo) string {
	if info.Main.Path == modulePath {
		return normalize(info.Main.Version)
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil {
			return normalize(dep.Replace.Version)
		}
		return normalize(dep.Version)
	}
	return Default
}

func normalize(v string) string {
	// "(devel)" is what the go command records for a local build.
	if v == "" || v == "(devel)" {
		return Default
	}
	return v
}
