// Package version reports the slotd build version.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/slotd"

// buildVersion is set via -ldflags "-X pkt.systems/slotd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	BuildTime string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go" yaml:"go"`
}

// Current returns the best available version string.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(readVCS(info)); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	info, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Describe collects version, module and VCS details.
func Describe() Info {
	out := Info{
		Version:   Current(),
		Module:    Module(),
		GoVersion: runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		vcs := readVCS(info)
		out.Revision = vcs.revision
		out.BuildTime = vcs.time
		out.Modified = vcs.modified
	}
	return out
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoVersion renders a Go-style pseudo version from VCS stamps.
func pseudoVersion(vcs vcsInfo) string {
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}
