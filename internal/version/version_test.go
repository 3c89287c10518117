package version

import (
	"runtime"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	cases := []struct {
		name string
		vcs  vcsInfo
		want string
	}{
		{"empty", vcsInfo{}, ""},
		{"no time", vcsInfo{revision: "abc"}, ""},
		{"bad time", vcsInfo{revision: "abc", time: "yesterday"}, ""},
		{"clean", vcsInfo{revision: "0123456789abcdef", time: "2025-06-01T12:30:45Z"}, "v0.0.0-20250601123045-0123456789ab"},
		{"dirty", vcsInfo{revision: "abc", time: "2025-06-01T12:30:45+02:00", modified: true}, "v0.0.0-20250601103045-abc+dirty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := pseudoVersion(tc.vcs); got != tc.want {
				t.Fatalf("pseudoVersion = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = " v1.2.3 "
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("Current = %q", got)
	}
	info := Describe()
	if info.Version != "v1.2.3" || info.GoVersion != runtime.Version() || info.Module == "" {
		t.Fatalf("unexpected info %+v", info)
	}
}
