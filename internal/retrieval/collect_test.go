package retrieval

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestCollectBuildsDocumentsFromDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}).
			AddRow("accounts", "id", "INTEGER").
			AddRow("accounts", "status", "VARCHAR").
			AddRow("ledger", "amount", "DECIMAL"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT "status" FROM "accounts"`)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active").AddRow("frozen"))

	tables, docs, err := Collect(context.Background(), db, CollectOptions{SampleLimit: 3, Concurrency: 1})
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("len(tables) = %d", len(tables))
	}
	if len(docs) != 3 {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[1].Kind != KindValueHint || docs[1].Content != "Column accounts.status takes values such as: active, frozen" {
		t.Fatalf("docs[1] = %+v", docs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCollectPropagatesSampleErrors(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}).
			AddRow("accounts", "status", "VARCHAR"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT "status"`)).WillReturnError(errors.New("permission denied"))

	if _, _, err := Collect(context.Background(), db, CollectOptions{Concurrency: 1}); err == nil {
		t.Fatal("expected sample error")
	}
}
