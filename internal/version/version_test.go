package version

import (
	"runtime/debug"
	"testing"
)

func TestResolvePrefersLdflags(t *testing.T) {
	t.Parallel()

	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main:     debug.Module{Version: "v9.9.9"},
			Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffffffffffffffff"}},
		}, true
	}
	info := resolve("v1.2.3", "0123456789abcdef", "2026-01-02", read)
	if info.Version != "v1.2.3" || info.Commit != "0123456789abcdef" || info.BuildTime != "2026-01-02" {
		t.Fatalf("info = %+v", info)
	}
	if got := info.String(); got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveFallsBackToBuildInfo(t *testing.T) {
	t.Parallel()

	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc123"},
				{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	info := resolve("", "", "", read)
	if info.Version != "dev" || info.Commit != "abc123" || info.BuildTime != "2026-03-04T05:06:07Z" || !info.Modified {
		t.Fatalf("info = %+v", info)
	}
	if got := info.String(); got != "dev (abc123-dirty)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	t.Parallel()

	info := resolve("", "", "", func() (*debug.BuildInfo, bool) { return nil, false })
	if info.Version != "dev" || info.Commit != "" || info.GoVersion == "" {
		t.Fatalf("info = %+v", info)
	}
	if info.String() != "dev" {
		t.Fatalf("String() = %q", info.String())
	}
}
