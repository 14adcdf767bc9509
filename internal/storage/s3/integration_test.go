//go:build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/storage"
)

func TestWriteThenListAgainstMinIO(t *testing.T) {
	endpoint := os.Getenv("SQLGUARD_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("SQLGUARD_TEST_S3_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, config.ObjectStoreConfig{
		Endpoint:         endpoint,
		Region:           "us-east-1",
		Bucket:           "sqlguard-it",
		AccessKeyID:      "minio",
		SecretAccessKey:  "miniostorage",
		Prefix:           fmt.Sprintf("it-%d", time.Now().UnixNano()),
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	exportedAt := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	key, err := storage.BuildSecurityExportPath(exportedAt, "json")
	if err != nil {
		t.Fatalf("BuildSecurityExportPath() error = %v", err)
	}
	written, err := store.Write(ctx, key, []byte(`[{"type":"sql_validated"}]`), "application/json")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	listed, err := store.List(ctx, "security/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0].Key != key || listed[0].Size != written.Size {
		t.Fatalf("List() = %+v, wrote %+v", listed, written)
	}
	if listed[0].Kind != storage.KindSecurity {
		t.Fatalf("Kind = %q", listed[0].Kind)
	}
}
