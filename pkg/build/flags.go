// SPDX-License-Identifier: MIT
//
// Package build exposes the name, version, commit and build time embedded
// into the binary with linker flags:
//
//	go build -ldflags "-X apm/pkg/build.buildName=apm -X apm/pkg/build.buildVersion=0.3.0 ..."
//
// Development builds without flags fall back to the module build info.
package build

import (
	"fmt"
	"runtime/debug"
)

const (
	defaultName        = "apm"
	defaultDescription = "Real-time translating projection microphone"
)

type ldFlags struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// String formats the flags for `apm version`.
func (f ldFlags) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", f.Name, f.Version, f.Commit, f.Time)
}

// Package-level variables for build information, populated by -ldflags.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:        defaultName,
		Description: defaultDescription,
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "unknown",
	}

	readBuildInfo = debug.ReadBuildInfo
)

// Initialize validates and copies build information from ldflags variables
// into the buildFlags struct. Returns an error naming the first missing flag.
func Initialize() error {
	if buildName == "" {
		return fmt.Errorf("BuildName is required")
	}
	if buildTime == "" {
		return fmt.Errorf("BuildTime is required")
	}
	if buildCommit == "" {
		return fmt.Errorf("BuildCommit is required")
	}
	if buildVersion == "" {
		return fmt.Errorf("BuildVersion is required")
	}

	buildFlags.Name = buildName
	buildFlags.Time = buildTime
	buildFlags.Commit = buildCommit
	buildFlags.Version = buildVersion

	return nil
}

// Fallback fills version, commit and time from the Go build info for binaries
// built without linker flags.
func Fallback() {
	info, ok := readBuildInfo()
	if !ok {
		return
	}
	if v := info.Main.Version; v != "" {
		buildFlags.Version = v
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			buildFlags.Commit = s.Value
		case "vcs.time":
			buildFlags.Time = s.Value
		}
	}
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
