package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlguard/sqlguard/internal/migrations"
)

type fakeRunner struct {
	upSteps   int
	downSteps int
	statuses  []migrations.Status
	err       error
}

func (f *fakeRunner) Up(_ context.Context, _ *sql.DB, steps int) (int, error) {
	f.upSteps = steps
	return 2, f.err
}

func (f *fakeRunner) Down(_ context.Context, _ *sql.DB, steps int) (int, error) {
	f.downSteps = steps
	return 1, f.err
}

func (f *fakeRunner) Status(context.Context, *sql.DB) ([]migrations.Status, error) {
	return f.statuses, f.err
}

func openMock(t *testing.T) openFunc {
	t.Helper()
	return func(context.Context) (*sql.DB, error) {
		db, mock, err := sqlmock.New()
		if err != nil {
			return nil, err
		}
		mock.ExpectClose()
		return db, nil
	}
}

func execute(t *testing.T, runner schemaRunner, open openFunc, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(runner, open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUpAndDownPassSteps(t *testing.T) {
	runner := &fakeRunner{}
	out, err := execute(t, runner, openMock(t), "up", "--steps", "3")
	if err != nil {
		t.Fatalf("up error = %v", err)
	}
	if runner.upSteps != 3 || !strings.Contains(out, "applied 2 migration(s)") {
		t.Fatalf("steps = %d out = %q", runner.upSteps, out)
	}

	out, err = execute(t, runner, openMock(t), "down")
	if err != nil {
		t.Fatalf("down error = %v", err)
	}
	if runner.downSteps != 1 || !strings.Contains(out, "reverted 1 migration(s)") {
		t.Fatalf("steps = %d out = %q", runner.downSteps, out)
	}
}

func TestStatusTableMarksDrift(t *testing.T) {
	at := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	runner := &fakeRunner{statuses: []migrations.Status{
		{Version: 1, Name: "security", Applied: true, AppliedAt: &at, Drifted: true},
		{Version: 2, Name: "query_history"},
	}}
	out, err := execute(t, runner, openMock(t), "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"000001", "drifted", "2026-02-01T00:00:00Z", "query_history", "pending"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, runner, openMock(t), "status", "--json")
	if err != nil {
		t.Fatalf("status --json error = %v", err)
	}
	if !strings.Contains(out, `"drifted": true`) {
		t.Fatalf("json output = %s", out)
	}
}

func TestOpenFailureIsReported(t *testing.T) {
	failing := func(context.Context) (*sql.DB, error) { return nil, errors.New("SQLGUARD_AUDIT_DSN is required") }
	if _, err := execute(t, &fakeRunner{}, failing, "up"); err == nil || !strings.Contains(err.Error(), "AUDIT_DSN") {
		t.Fatalf("err = %v", err)
	}
	if _, err := execute(t, &fakeRunner{}, openMock(t), "sideways"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
