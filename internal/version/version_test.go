package version

import "testing"

func TestCurrent(t *testing.T) {
	defer func(v, sha, built string) { Version, GitSHA, BuildTime = v, sha, built }(Version, GitSHA, BuildTime)
	Version, GitSHA, BuildTime = "v0.3.0", "abc1234", "2025-03-01T12:00:00Z"

	got := Current()
	if got != (Info{Version: "v0.3.0", GitSHA: "abc1234", BuildTime: "2025-03-01T12:00:00Z"}) {
		t.Errorf("Current() = %+v", got)
	}
	if want := "power v0.3.0 (abc1234, built 2025-03-01T12:00:00Z)"; got.String() != want {
		t.Errorf("String() = %q, want %q", got.String(), want)
	}
}
