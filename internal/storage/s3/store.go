// Package s3 keeps exported audit artifacts in an S3-compatible bucket.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sqlguard/sqlguard/internal/config"
	"github.com/sqlguard/sqlguard/internal/storage"
)

const checksumMetaKey = "sha256"

// bucketAPI is the slice of the minio client the store drives.
type bucketAPI interface {
	upload(ctx context.Context, bucket, key string, payload []byte, contentType string, meta map[string]string) (minio.UploadInfo, error)
	list(ctx context.Context, bucket, prefix string) ([]minio.ObjectInfo, error)
	ensure(ctx context.Context, bucket, region string) error
}

// Store implements storage.Sink. Every key is placed under root inside bucket.
type Store struct {
	api    bucketAPI
	bucket string
	root   string
}

var _ storage.Sink = (*Store)(nil)

func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Store, error) {
	host, secure, err := endpointHost(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	store, err := newStore(minioBucket{client: mc}, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.AutoCreateBucket {
		if err := store.api.ensure(ctx, store.bucket, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, fmt.Errorf("ensure bucket %q: %w", store.bucket, err)
		}
	}
	return store, nil
}

func newStore(api bucketAPI, bucket, root string) (*Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	root = strings.Trim(strings.TrimSpace(root), "/")
	if root != "" {
		if err := storage.ValidateKey(root); err != nil {
			return nil, fmt.Errorf("invalid store prefix: %w", err)
		}
	}
	return &Store{api: api, bucket: bucket, root: root}, nil
}

// Write uploads payload under key and records its sha256 as object metadata.
func (s *Store) Write(ctx context.Context, key string, payload []byte, contentType string) (storage.Artifact, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Artifact{}, err
	}
	digest := sha256.Sum256(payload)
	sum := hex.EncodeToString(digest[:])

	info, err := s.api.upload(ctx, s.bucket, s.objectName(key), payload, contentType, map[string]string{checksumMetaKey: sum})
	if err != nil {
		return storage.Artifact{}, fmt.Errorf("upload %q: %w", key, err)
	}
	return storage.Artifact{
		Key:          key,
		Kind:         storage.KindOf(key),
		Size:         int64(len(payload)),
		SHA256:       sum,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// List returns the artifacts under prefix ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.Artifact, error) {
	if trimmed := strings.TrimSuffix(prefix, "/"); trimmed != "" {
		if err := storage.ValidateKey(trimmed); err != nil {
			return nil, fmt.Errorf("invalid list prefix: %w", err)
		}
	}
	objects, err := s.api.list(ctx, s.bucket, s.objectName(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	out := make([]storage.Artifact, 0, len(objects))
	for _, object := range objects {
		key := object.Key
		if s.root != "" {
			key = strings.TrimPrefix(key, s.root+"/")
		}
		out = append(out, storage.Artifact{
			Key:          key,
			Kind:         storage.KindOf(key),
			Size:         object.Size,
			SHA256:       checksumOf(object.UserMetadata),
			ETag:         object.ETag,
			LastModified: object.LastModified,
		})
	}
	slices.SortFunc(out, func(a, b storage.Artifact) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *Store) objectName(key string) string {
	if s.root == "" {
		return key
	}
	if key == "" {
		return s.root + "/"
	}
	name := path.Join(s.root, key)
	if strings.HasSuffix(key, "/") {
		name += "/"
	}
	return name
}

// checksumOf finds the sha256 entry whether or not the server kept the
// X-Amz-Meta- prefix on listed metadata.
func checksumOf(meta map[string]string) string {
	for name, value := range meta {
		name = strings.ToLower(name)
		if name == checksumMetaKey || name == "x-amz-meta-"+checksumMetaKey {
			return value
		}
	}
	return ""
}

// endpointHost accepts a bare host:port or an http(s) URL. An https scheme
// forces TLS; a bare host follows useSSL.
func endpointHost(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse s3 endpoint: %w", err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("s3 endpoint %q has no host", raw)
	}
	switch u.Scheme {
	case "https":
		return u.Host, true, nil
	case "http":
		return u.Host, useSSL, nil
	default:
		return "", false, fmt.Errorf("unsupported s3 endpoint scheme %q", u.Scheme)
	}
}

type minioBucket struct {
	client *minio.Client
}

func (m minioBucket) upload(ctx context.Context, bucket, key string, payload []byte, contentType string, meta map[string]string) (minio.UploadInfo, error) {
	return m.client.PutObject(ctx, bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:    contentType,
		UserMetadata:   meta,
		SendContentMd5: true,
	})
}

func (m minioBucket) list(ctx context.Context, bucket, prefix string) ([]minio.ObjectInfo, error) {
	var out []minio.ObjectInfo
	for object := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true, WithMetadata: true}) {
		if object.Err != nil {
			return nil, object.Err
		}
		out = append(out, object)
	}
	return out, nil
}

func (m minioBucket) ensure(ctx context.Context, bucket, region string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil || exists {
		return err
	}
	return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}
