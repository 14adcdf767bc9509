package security

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlguard/sqlguard/internal/storage"
)

type ArchiveResult struct {
	Key        string `json:"key,omitempty"`
	Format     string `json:"format"`
	EventCount int    `json:"event_count"`
	Size       int64  `json:"size"`
}

// Archiver copies security events into the object store.
type Archiver struct {
	events  EventStore
	objects storage.Sink
	logger  *slog.Logger
	now     func() time.Time
}

func NewArchiver(events EventStore, objects storage.Sink, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{events: events, objects: objects, logger: logger, now: time.Now}
}

// Archive writes every event recorded at or after since as one json or csv
// object. An empty range writes nothing.
func (a *Archiver) Archive(ctx context.Context, since time.Time, format string) (ArchiveResult, error) {
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return ArchiveResult{}, fmt.Errorf("unsupported archive format %q", format)
	}
	if a.objects == nil {
		return ArchiveResult{}, fmt.Errorf("object store is not configured")
	}
	events, err := a.events.Since(ctx, since)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("load security events: %w", err)
	}
	if len(events) == 0 {
		return ArchiveResult{Format: format}, nil
	}

	var buf bytes.Buffer
	if err := ExportEvents(&buf, events, format); err != nil {
		return ArchiveResult{}, err
	}
	key, err := storage.BuildSecurityExportPath(a.now(), format)
	if err != nil {
		return ArchiveResult{}, err
	}
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	artifact, err := a.objects.Write(ctx, key, buf.Bytes(), contentType)
	if err != nil {
		return ArchiveResult{}, err
	}

	a.logger.Info("security events archived", "key", key, "events", len(events), "bytes", artifact.Size)
	return ArchiveResult{Key: key, Format: format, EventCount: len(events), Size: artifact.Size}, nil
}
