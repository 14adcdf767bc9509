package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlguard/sqlguard/internal/history"
)

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

const recordColumns = `record_id, run_id, caller, role, query_text, sql_text, status, reason, row_count, attempts, duration_ms, error_text, created_at`

func (r *Repository) Append(ctx context.Context, record history.Record) error {
	record = history.Normalize(record, r.now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO query_history (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		record.ID,
		record.RunID,
		record.Caller,
		record.Role,
		record.Query,
		record.SQL,
		record.Status,
		record.Reason,
		record.RowCount,
		record.Attempts,
		record.Duration.Milliseconds(),
		record.Error,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append query history: %w", err)
	}
	return nil
}

func (r *Repository) ListRecent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = history.DefaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM query_history
ORDER BY created_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent query history: %w", err)
	}
	return scanRecords(rows)
}

func (r *Repository) ListSince(ctx context.Context, since time.Time) ([]history.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM query_history
WHERE created_at >= $1
ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list query history since: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]history.Record, error) {
	defer func() { _ = rows.Close() }()

	records := make([]history.Record, 0)
	for rows.Next() {
		var (
			record     history.Record
			durationMs int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Caller,
			&record.Role,
			&record.Query,
			&record.SQL,
			&record.Status,
			&record.Reason,
			&record.RowCount,
			&record.Attempts,
			&durationMs,
			&record.Error,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query history row: %w", err)
		}
		record.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query history rows: %w", err)
	}
	return records, nil
}
