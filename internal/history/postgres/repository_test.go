package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlguard/sqlguard/internal/history"
)

var historyColumns = []string{"record_id", "run_id", "caller", "role", "query_text", "sql_text", "status", "reason", "row_count", "attempts", "duration_ms", "error_text", "created_at"}

func TestAppendRecord(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	created := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO query_history (record_id, run_id, caller, role, query_text, sql_text, status, reason, row_count, attempts, duration_ms, error_text, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)).
		WithArgs("rec-1", "run-1", "analyst-1", "analyst", "customers named N*** L***1", "SELECT * FROM customers", "succeeded", "", 3, 1, int64(250), "", created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(context.Background(), history.Record{
		ID:        "rec-1",
		RunID:     "run-1",
		Caller:    "analyst-1",
		Role:      "analyst",
		Query:     "customers named N*** L***1",
		SQL:       "SELECT * FROM customers",
		Status:    "succeeded",
		RowCount:  3,
		Attempts:  1,
		Duration:  250 * time.Millisecond,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendGeneratesIDAndTimestamp(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO query_history`)).
		WithArgs(sqlmock.AnyArg(), "run-2", "", "", "q", "", "failed", "blocked-sql", 0, 1, int64(0), "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Append(context.Background(), history.Record{RunID: "run-2", Query: "q", Status: "failed", Reason: "blocked-sql", Attempts: 1}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListRecentDefaultsLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	created := time.Date(2026, time.February, 19, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT record_id, run_id, caller, role, query_text, sql_text, status, reason, row_count, attempts, duration_ms, error_text, created_at
FROM query_history
ORDER BY created_at DESC
LIMIT $1`)).
		WithArgs(history.DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(historyColumns).
			AddRow("rec-1", "run-1", "a", "analyst", "q", "SELECT 1", "succeeded", "", 1, 1, int64(1200), "", created))

	records, err := repo.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(records) != 1 || records[0].Duration != 1200*time.Millisecond || records[0].RowCount != 1 {
		t.Fatalf("records = %+v", records)
	}
	assertSQLMock(t, mock)
}

func TestListSince(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	since := time.Date(2026, time.February, 19, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT record_id, run_id, caller, role, query_text, sql_text, status, reason, row_count, attempts, duration_ms, error_text, created_at
FROM query_history
WHERE created_at >= $1
ORDER BY created_at ASC`)).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows(historyColumns).
			AddRow("rec-1", "run-1", "a", "", "q1", "", "failed", "execution-error-exhausted", 0, 3, int64(10), "no such table", since.Add(time.Minute)).
			AddRow("rec-2", "run-2", "a", "", "q2", "SELECT 2", "succeeded", "", 2, 1, int64(10), "", since.Add(2*time.Minute)))

	records, err := repo.ListSince(context.Background(), since)
	if err != nil {
		t.Fatalf("ListSince() error = %v", err)
	}
	if len(records) != 2 || records[0].Attempts != 3 || records[0].Error != "no such table" {
		t.Fatalf("records = %+v", records)
	}
	assertSQLMock(t, mock)
}

func TestListSincePropagatesQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM query_history`)).WillReturnError(errors.New("boom"))

	if _, err := repo.ListSince(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
