package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sqlguard/sqlguard/internal/storage"
)

const parquetContentType = "application/vnd.apache.parquet"

type ExportResult struct {
	Key          string     `json:"key,omitempty"`
	RecordCount  int64      `json:"record_count"`
	Size         int64      `json:"size"`
	MinCreatedAt *time.Time `json:"min_created_at,omitempty"`
	MaxCreatedAt *time.Time `json:"max_created_at,omitempty"`
}

// Exporter copies history records into the object store as parquet files.
type Exporter struct {
	records Store
	objects storage.Sink
	logger  *slog.Logger
	now     func() time.Time
}

func NewExporter(records Store, objects storage.Sink, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{records: records, objects: objects, logger: logger, now: time.Now}
}

// Export writes every record created at or after since. An empty range
// writes nothing and returns a zero RecordCount.
func (e *Exporter) Export(ctx context.Context, since time.Time) (ExportResult, error) {
	if e.objects == nil {
		return ExportResult{}, fmt.Errorf("object store is not configured")
	}
	records, err := e.records.ListSince(ctx, since)
	if err != nil {
		return ExportResult{}, fmt.Errorf("list history since %s: %w", since.UTC().Format(time.RFC3339), err)
	}
	if len(records) == 0 {
		return ExportResult{}, nil
	}

	encoded, err := EncodeRecordsToParquet(records)
	if err != nil {
		return ExportResult{}, err
	}
	key, err := storage.BuildHistoryExportPath(e.now())
	if err != nil {
		return ExportResult{}, err
	}
	artifact, err := e.objects.Write(ctx, key, encoded.Data, parquetContentType)
	if err != nil {
		return ExportResult{}, err
	}

	e.logger.Info("history exported", "key", key, "records", encoded.RecordCount, "bytes", artifact.Size, "sha256", artifact.SHA256)
	return ExportResult{
		Key:          key,
		RecordCount:  encoded.RecordCount,
		Size:         artifact.Size,
		MinCreatedAt: encoded.MinCreatedAt,
		MaxCreatedAt: encoded.MaxCreatedAt,
	}, nil
}

// Exports lists export files written on day.
func (e *Exporter) Exports(ctx context.Context, day time.Time) ([]storage.Artifact, error) {
	if e.objects == nil {
		return nil, fmt.Errorf("object store is not configured")
	}
	return e.objects.List(ctx, storage.BuildHistoryPartitionPrefix(day))
}
