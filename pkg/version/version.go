// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/gotalk/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/gotalk/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gotalk/pkg/version.date=2026-01-01"
//
// Without ldflags the VCS revision recorded by the Go toolchain is used.
package version

import (
	"runtime"
	"runtime/debug"
)

// Populated by -ldflags "-X ...".
var (
	tag    = ""        // git tag (e.g. "v0.2.0"), empty if not on a tag
	commit = "unknown" // short git commit SHA
	date   = "unknown" // build date (ISO 8601)
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get returns the build info, falling back to the embedded VCS stamp.
func Get() Info {
	info := Info{
		Commit:    commit,
		BuildDate: date,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok && commit == "unknown" {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = shortSHA(s.Value)
			case "vcs.time":
				if date == "unknown" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	info.Version = versionString(tag, info.Commit)
	return info
}

// String returns a human-readable version string.
//
//	Tagged:   "v0.2.0"
//	Untagged: "abc1234"
//	Dev:      "dev"
func String() string {
	return Get().Version
}

// Full returns "version (commit) built date" or "dev".
func Full() string {
	i := Get()
	if i.Version == "dev" {
		return "dev"
	}
	if tag != "" {
		return i.Version + " (" + i.Commit + ") built " + i.BuildDate
	}
	return i.Version + " built " + i.BuildDate
}

func versionString(tag, commit string) string {
	if tag != "" {
		return tag
	}
	if commit != "unknown" && commit != "" {
		return commit
	}
	return "dev"
}

func shortSHA(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
