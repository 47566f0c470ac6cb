package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldSHA, oldBuild := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldBuild })

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2026-01-02"
	if got, want := String(), "1.2.0 (abc123, built 2026-01-02)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
