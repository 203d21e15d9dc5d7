package version

import "testing"

func TestString(t *testing.T) {
	origVersion, origSHA, origTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = origVersion, origSHA, origTime }()

	if got := String(); got != "tshcal dev (unknown, built unknown)" {
		t.Errorf("unexpected default version string %q", got)
	}

	Version, GitSHA, BuildTime = "1.2.0", "0123456789abcdef0123", "2024-05-01T10:00:00Z"
	if got, want := String(), "tshcal 1.2.0 (0123456789ab, built 2024-05-01T10:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
