package storage

import (
	"testing"
	"time"
)

func TestBuildHistoryExportPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 23, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildHistoryExportPath(ts)
	if err != nil {
		t.Fatalf("BuildHistoryExportPath() error = %v", err)
	}
	want := "history/date=2026-02-20/runs-1771560300.parquet"
	if key != want {
		t.Fatalf("BuildHistoryExportPath() = %q, want %q", key, want)
	}
	if _, err := BuildHistoryExportPath(time.Time{}); err == nil {
		t.Fatal("expected zero time error")
	}
}

func TestBuildHistoryPartitionPrefix(t *testing.T) {
	got := BuildHistoryPartitionPrefix(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	if got != "history/date=2026-03-01/" {
		t.Fatalf("BuildHistoryPartitionPrefix() = %q", got)
	}
}

func TestBuildSecurityExportPath(t *testing.T) {
	key, err := BuildSecurityExportPath(time.Unix(1771560300, 0), "csv")
	if err != nil {
		t.Fatalf("BuildSecurityExportPath() error = %v", err)
	}
	if key != "security/date=2026-02-20/events-1771560300.csv" {
		t.Fatalf("BuildSecurityExportPath() = %q", key)
	}
	for _, format := range []string{"../csv", "", "a=b"} {
		if _, err := BuildSecurityExportPath(time.Now(), format); err == nil {
			t.Fatalf("BuildSecurityExportPath(%q) expected error", format)
		}
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{
		"history/date=2026-02-20/runs-1.parquet",
		"security/date=2026-02-20/events-1.csv",
	}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q) error = %v", key, err)
		}
	}
	invalid := []string{"", "/history/x", "history//x", "../secrets", "history/../x", "history/./x", "history/a b"}
	for _, key := range invalid {
		if err := ValidateKey(key); err == nil {
			t.Fatalf("ValidateKey(%q) expected error", key)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := map[string]string{
		"history/date=2026-02-20/runs-1.parquet": KindHistory,
		"security/date=2026-02-20/events-1.json": KindSecurity,
		"other/file":                             "",
		"history":                                KindHistory,
	}
	for key, want := range tests {
		if got := KindOf(key); got != want {
			t.Fatalf("KindOf(%q) = %q, want %q", key, got, want)
		}
	}
}
