package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersionFromVCSStamps(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	got := pseudoVersion(settings)
	want := "v0.0.0-20260304050607-0123456789ab+dirty"
	if got != want {
		t.Fatalf("pseudoVersion = %q, want %q", got, want)
	}
}

func TestPseudoVersionRequiresStamps(t *testing.T) {
	if got := pseudoVersion([]debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestStringJoinsModuleAndVersion(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, Module()+" ") || !strings.HasSuffix(s, Current()) {
		t.Fatalf("unexpected version string %q", s)
	}
}
