package buildinfo

import "testing"

func TestSummaryAndUserAgent(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})

	Version, Commit, Date = "", "", ""
	if got := Summary(); got != "dev" {
		t.Fatalf("expected dev summary, got %q", got)
	}
	if got := UserAgent(); got != "d2vault/dev" {
		t.Fatalf("unexpected user agent %q", got)
	}

	Version, Commit, Date = "1.2.0", "abc123", "2026-01-02"
	if got := Summary(); got != "1.2.0 (abc123 2026-01-02)" {
		t.Fatalf("unexpected summary %q", got)
	}

	Commit = ""
	if got := Summary(); got != "1.2.0 (2026-01-02)" {
		t.Fatalf("unexpected summary without commit %q", got)
	}
	if got := UserAgent(); got != "d2vault/1.2.0" {
		t.Fatalf("unexpected user agent %q", got)
	}
}
