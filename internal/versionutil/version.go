// Package versionutil formats build version strings.
package versionutil

import (
	"runtime/debug"
	"strings"
)

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Resolve returns the display version for a binary built with linker-set
// version v. Development builds fall back to the module version or VCS
// revision recorded in the build info.
func Resolve(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && v != "dev" {
		return EnsureVPrefix(v)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return EnsureVPrefix(mv)
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return "dev-" + s.Value[:7]
		}
	}
	return "dev"
}
