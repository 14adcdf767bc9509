package history

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

type ParquetEncodeResult struct {
	Data         []byte
	RecordCount  int64
	MinCreatedAt *time.Time
	MaxCreatedAt *time.Time
}

type parquetRecord struct {
	RecordID        string `parquet:"record_id"`
	RunID           string `parquet:"run_id"`
	Caller          string `parquet:"caller"`
	Role            string `parquet:"role"`
	Query           string `parquet:"query"`
	SQL             string `parquet:"sql"`
	Status          string `parquet:"status"`
	Reason          string `parquet:"reason"`
	RowCount        int64  `parquet:"row_count"`
	Attempts        int32  `parquet:"attempts"`
	DurationMs      int64  `parquet:"duration_ms"`
	Error           string `parquet:"error"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

func EncodeRecordsToParquet(records []Record) (ParquetEncodeResult, error) {
	if len(records) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("records are required")
	}

	rows := make([]parquetRecord, 0, len(records))
	var minTime *time.Time
	var maxTime *time.Time

	for _, record := range records {
		if record.ID == "" {
			return ParquetEncodeResult{}, fmt.Errorf("record for run %q has no id", record.RunID)
		}
		rows = append(rows, parquetRecord{
			RecordID:        record.ID,
			RunID:           record.RunID,
			Caller:          record.Caller,
			Role:            record.Role,
			Query:           record.Query,
			SQL:             record.SQL,
			Status:          record.Status,
			Reason:          record.Reason,
			RowCount:        int64(record.RowCount),
			Attempts:        int32(record.Attempts),
			DurationMs:      record.Duration.Milliseconds(),
			Error:           record.Error,
			CreatedAtUnixMs: record.CreatedAt.UnixMilli(),
		})

		if !record.CreatedAt.IsZero() {
			createdAt := record.CreatedAt.UTC()
			if minTime == nil || createdAt.Before(*minTime) {
				copy := createdAt
				minTime = &copy
			}
			if maxTime == nil || createdAt.After(*maxTime) {
				copy := createdAt
				maxTime = &copy
			}
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetRecord](buf)
	if _, err := writer.Write(rows); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetEncodeResult{
		Data:         buf.Bytes(),
		RecordCount:  int64(len(rows)),
		MinCreatedAt: minTime,
		MaxCreatedAt: maxTime,
	}, nil
}

// DecodeRecordsFromParquet reads back a file written by EncodeRecordsToParquet.
func DecodeRecordsFromParquet(data []byte) ([]Record, error) {
	reader := parquet.NewGenericReader[parquetRecord](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]parquetRecord, reader.NumRows())
	if len(rows) == 0 {
		return []Record{}, nil
	}
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	records := make([]Record, 0, n)
	for _, row := range rows[:n] {
		records = append(records, Record{
			ID:        row.RecordID,
			RunID:     row.RunID,
			Caller:    row.Caller,
			Role:      row.Role,
			Query:     row.Query,
			SQL:       row.SQL,
			Status:    row.Status,
			Reason:    row.Reason,
			RowCount:  int(row.RowCount),
			Attempts:  int(row.Attempts),
			Duration:  time.Duration(row.DurationMs) * time.Millisecond,
			Error:     row.Error,
			CreatedAt: time.UnixMilli(row.CreatedAtUnixMs).UTC(),
		})
	}
	return records, nil
}
