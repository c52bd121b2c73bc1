package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/statebus"

// buildVersion is set via -ldflags "-X pkt.systems/statebus/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the linker-supplied version, the module version recorded in
// build info, or a pseudo version derived from VCS stamps, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return defaultModule
}

// String renders "<module> <version>" for banners and the version command.
func String() string {
	return Module() + " " + Current()
}

func pseudoVersion(settings []debug.BuildSetting) string {
	stamps := make(map[string]string, len(settings))
	for _, s := range settings {
		stamps[s.Key] = s.Value
	}
	revision, stamped := stamps["vcs.revision"], stamps["vcs.time"]
	if revision == "" || stamped == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamped)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if stamps["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
