package s3

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/sqlguard/sqlguard/internal/storage"
)

type fakeBucket struct {
	uploads    map[string][]byte
	meta       map[string]string
	listPrefix string
	listed     []minio.ObjectInfo
	listErr    error
	ensured    string
}

func (f *fakeBucket) upload(_ context.Context, bucket, key string, payload []byte, _ string, meta map[string]string) (minio.UploadInfo, error) {
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[bucket+":"+key] = payload
	f.meta = meta
	return minio.UploadInfo{Bucket: bucket, Key: key, ETag: "etag-1", Size: int64(len(payload))}, nil
}

func (f *fakeBucket) list(_ context.Context, _, prefix string) ([]minio.ObjectInfo, error) {
	f.listPrefix = prefix
	return f.listed, f.listErr
}

func (f *fakeBucket) ensure(_ context.Context, bucket, _ string) error {
	f.ensured = bucket
	return nil
}

func TestWritePlacesArtifactUnderRoot(t *testing.T) {
	fake := &fakeBucket{}
	store, err := newStore(fake, "audit", "/sqlguard/prod/")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}

	artifact, err := store.Write(context.Background(), "history/date=2026-02-19/runs-1.parquet", []byte("abc"), "application/vnd.apache.parquet")
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, ok := fake.uploads["audit:sqlguard/prod/history/date=2026-02-19/runs-1.parquet"]; !ok {
		t.Fatalf("uploads = %v", fake.uploads)
	}
	const abcSum = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if artifact.SHA256 != abcSum || fake.meta[checksumMetaKey] != abcSum {
		t.Fatalf("checksum = %q meta = %v", artifact.SHA256, fake.meta)
	}
	if artifact.Kind != storage.KindHistory || artifact.Size != 3 || artifact.ETag != "etag-1" {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestWriteRejectsUnsafeKeys(t *testing.T) {
	store, err := newStore(&fakeBucket{}, "audit", "")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	for _, key := range []string{"../secrets.txt", "/history/x", "", "history/./x"} {
		if _, err := store.Write(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("Write(%q) expected error", key)
		}
	}
}

func TestListStripsRootAndSorts(t *testing.T) {
	modified := time.Date(2026, time.February, 19, 8, 0, 0, 0, time.UTC)
	fake := &fakeBucket{listed: []minio.ObjectInfo{
		{Key: "sqlguard/prod/security/date=2026-02-19/events-9.csv", Size: 9, LastModified: modified},
		{Key: "sqlguard/prod/security/date=2026-02-19/events-1.json", Size: 1, UserMetadata: minio.StringMap{"X-Amz-Meta-Sha256": "abc"}},
	}}
	store, err := newStore(fake, "audit", "sqlguard/prod")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}

	artifacts, err := store.List(context.Background(), "security/date=2026-02-19/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if fake.listPrefix != "sqlguard/prod/security/date=2026-02-19/" {
		t.Fatalf("list prefix = %q", fake.listPrefix)
	}
	if len(artifacts) != 2 {
		t.Fatalf("len(artifacts) = %d", len(artifacts))
	}
	if artifacts[0].Key != "security/date=2026-02-19/events-1.json" || artifacts[0].SHA256 != "abc" {
		t.Fatalf("artifacts[0] = %+v", artifacts[0])
	}
	if artifacts[1].Kind != storage.KindSecurity || !artifacts[1].LastModified.Equal(modified) {
		t.Fatalf("artifacts[1] = %+v", artifacts[1])
	}
}

func TestListPropagatesErrorsAndRejectsTraversal(t *testing.T) {
	fake := &fakeBucket{listErr: errors.New("boom")}
	store, err := newStore(fake, "audit", "")
	if err != nil {
		t.Fatalf("newStore() error = %v", err)
	}
	if _, err := store.List(context.Background(), "history/"); err == nil {
		t.Fatal("expected list error")
	}
	if _, err := store.List(context.Background(), "../"); err == nil {
		t.Fatal("expected invalid prefix error")
	}
}

func TestNewStoreRequiresBucket(t *testing.T) {
	if _, err := newStore(&fakeBucket{}, "  ", ""); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := newStore(&fakeBucket{}, "audit", "a/../b"); err == nil {
		t.Fatal("expected prefix error")
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{raw: "localhost:9000", wantHost: "localhost:9000"},
		{raw: "minio:9000", useSSL: true, wantHost: "minio:9000", wantSecure: true},
		{raw: "https://s3.example.com", wantHost: "s3.example.com", wantSecure: true},
		{raw: "http://minio:9000", wantHost: "minio:9000"},
		{raw: "ftp://minio:9000", wantErr: true},
		{raw: "http://", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		host, secure, err := endpointHost(tt.raw, tt.useSSL)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("endpointHost(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("endpointHost(%q) error = %v", tt.raw, err)
		}
		if host != tt.wantHost || secure != tt.wantSecure {
			t.Fatalf("endpointHost(%q) = %q,%v", tt.raw, host, secure)
		}
	}
}
