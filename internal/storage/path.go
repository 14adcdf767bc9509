package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9=._-]{0,127}$`)

// BuildHistoryExportPath returns history/date=YYYY-MM-DD/runs-<unix>.parquet
// for an export taken at exportedAt.
func BuildHistoryExportPath(exportedAt time.Time) (string, error) {
	return buildArtifactPath(KindHistory, exportedAt, "runs", "parquet")
}

// BuildHistoryPartitionPrefix returns the key prefix holding every export for day.
func BuildHistoryPartitionPrefix(day time.Time) string {
	return path.Join(KindHistory, datePartition(day.UTC())) + "/"
}

// BuildSecurityExportPath keys an event archive by format and time.
func BuildSecurityExportPath(exportedAt time.Time, format string) (string, error) {
	if !segmentPattern.MatchString(format) || strings.Contains(format, "=") {
		return "", fmt.Errorf("invalid format: %q", format)
	}
	return buildArtifactPath(KindSecurity, exportedAt, "events", format)
}

// ValidateKey accepts relative slash-separated keys whose segments are
// plain names; dot segments and empty segments are rejected.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key is required")
	}
	for _, segment := range strings.Split(key, "/") {
		if !segmentPattern.MatchString(segment) || strings.Trim(segment, ".") == "" {
			return fmt.Errorf("invalid object key: %q", key)
		}
	}
	return nil
}

// KindOf reports which exporter owns key, or "" when neither does.
func KindOf(key string) string {
	root, _, _ := strings.Cut(key, "/")
	switch root {
	case KindHistory, KindSecurity:
		return root
	default:
		return ""
	}
}

func buildArtifactPath(kind string, exportedAt time.Time, stem, ext string) (string, error) {
	if exportedAt.IsZero() {
		return "", fmt.Errorf("export time is required")
	}
	ts := exportedAt.UTC()
	return path.Join(kind, datePartition(ts), fmt.Sprintf("%s-%d.%s", stem, ts.Unix(), ext)), nil
}

func datePartition(ts time.Time) string {
	return "date=" + ts.Format(time.DateOnly)
}
