// Package version formats the build identity printed by the fwdcast
// binaries.
package version

import (
	"runtime/debug"
	"strings"
)

// String renders "version (commit) date", preferring -ldflags values and
// falling back to module build info for builds made with plain go install.
func String(version, commit, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" || v == "dev" || v == "(devel)" {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if c == "" || c == "unknown" {
			c = buildSetting(info, "vcs.revision")
		}
		if d == "" || d == "unknown" {
			d = buildSetting(info, "vcs.time")
		}
	}

	out := v
	if out == "" {
		out = "dev"
	}
	if c != "" && c != "unknown" {
		out += " (" + c + ")"
	}
	if d != "" && d != "unknown" {
		out += " " + d
	}
	return out
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
