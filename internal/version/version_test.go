package version

import (
	"runtime/debug"
	"testing"
)

// These tests swap package state and must not run in parallel.

func withBuildInfo(t *testing.T, bi *debug.BuildInfo, version, commit string) {
	t.Helper()
	oldRead, oldVersion, oldCommit, oldTime := readBuildInfo, Version, Commit, BuildTime
	t.Cleanup(func() {
		readBuildInfo, Version, Commit, BuildTime = oldRead, oldVersion, oldCommit, oldTime
	})
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	Version, Commit, BuildTime = version, commit, ""
}

func TestResolveFromBuildInfo(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		},
	}, "", "")

	info := Resolve()
	if info.Version != "v0.3.1" || info.Commit != "0123456789abcdef0123" || info.BuildTime != "2026-10-01T12:00:00Z" {
		t.Fatalf("unexpected info %+v", info)
	}
	if got := String(); got != "v0.3.1 (0123456789ab)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestLdflagsWin(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{
		Main:     debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}},
	}, "v1.0.0", "abc")

	if got := String(); got != "v1.0.0 (abc)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestDevFallback(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, "", "")
	if got := String(); got != "dev" {
		t.Fatalf("String() = %q", got)
	}

	withBuildInfo(t, nil, "", "")
	if got := Resolve().Version; got != "dev" {
		t.Fatalf("Version = %q", got)
	}
}
