package storage

import (
	"context"
	"time"
)

const (
	KindHistory  = "history"
	KindSecurity = "security"
)

// Artifact is one exported audit file held in the object store.
type Artifact struct {
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Sink receives history exports and security archives. Artifacts are
// written once and never rewritten in place.
type Sink interface {
	Write(ctx context.Context, key string, payload []byte, contentType string) (Artifact, error)
	List(ctx context.Context, prefix string) ([]Artifact, error)
}
