package core

import (
	"runtime/debug"
	"testing"
)

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"v1.4.0", "1.4.0"},
		{"1.4.0", "1.4.0"},
		{"devel-ad721b3", "devel-ad721b3"},
		{"devel-ad721b3-dirty", "devel-ad721b3-dirty"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := FormatVersion(tt.input); got != tt.want {
			t.Errorf("FormatVersion(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsPseudoVersion(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"v0.0.0-20260217105831-82903d1d8810", true},
		{"v0.0.0-20260217105831-82903d1d8810+dirty", true},
		{"v1.12.1-0.20260217105831-82903d1d8810", true},
		{"v1.12.0", false},
		{"v2.0.0-rc1", false},
		{"(devel)", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isPseudoVersion(tt.input); got != tt.want {
			t.Errorf("isPseudoVersion(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestVersionFromBuildInfo(t *testing.T) {
	tagged := &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}}
	if got := versionFromBuildInfo(tagged); got != "v1.2.3" {
		t.Errorf("Expected v1.2.3, got %s", got)
	}

	local := &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	if got := versionFromBuildInfo(local); got != "devel-0123456-dirty" {
		t.Errorf("Expected devel-0123456-dirty, got %s", got)
	}

	bare := &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}
	if got := versionFromBuildInfo(bare); got != "devel" {
		t.Errorf("Expected devel, got %s", got)
	}
}
