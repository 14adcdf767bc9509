// Package migrations owns the audit database schema: security events,
// address blocks and query history.
package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const versionTable = "sqlguard_schema_migrations"

// lockID serializes concurrent runners against the same audit database.
const lockID int64 = 7_301_554_812

var scriptPattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Status describes one embedded migration. Drifted is set when the
// recorded checksum no longer matches the embedded up script.
type Status struct {
	Version   int64      `json:"version"`
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
	Drifted   bool       `json:"drifted,omitempty"`
}

type script struct {
	version int64
	name    string
	up      string
	down    string
}

func (s script) label() string {
	return fmt.Sprintf("%06d_%s", s.version, s.name)
}

func (s script) checksum() string {
	sum := sha256.Sum256([]byte(s.up))
	return hex.EncodeToString(sum[:])
}

type record struct {
	checksum  string
	appliedAt time.Time
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// Up applies pending migrations oldest first. steps <= 0 applies all.
// Nothing runs while any applied migration has drifted.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	applied := 0
	err := r.withLock(ctx, db, func(conn *sql.Conn, scripts []script, records map[int64]record) error {
		for _, s := range scripts {
			if rec, ok := records[s.version]; ok && rec.checksum != "" && rec.checksum != s.checksum() {
				return fmt.Errorf("migration %s was edited after it was applied", s.label())
			}
		}
		for _, s := range scripts {
			if _, ok := records[s.version]; ok {
				continue
			}
			if steps > 0 && applied == steps {
				return nil
			}
			bookkeeping := `INSERT INTO ` + versionTable + ` (version, name, checksum) VALUES ($1, $2, $3)`
			if err := execScript(ctx, conn, s.up, bookkeeping, s.version, s.name, s.checksum()); err != nil {
				return fmt.Errorf("apply %s: %w", s.label(), err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// Down reverts the newest applied migrations. steps <= 0 reverts one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	steps = max(steps, 1)
	reverted := 0
	err := r.withLock(ctx, db, func(conn *sql.Conn, scripts []script, records map[int64]record) error {
		known := make(map[int64]script, len(scripts))
		for _, s := range scripts {
			known[s.version] = s
		}
		versions := make([]int64, 0, len(records))
		for version := range records {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, version := range versions {
			if reverted == steps {
				break
			}
			s, ok := known[version]
			if !ok {
				return fmt.Errorf("applied migration %d has no embedded script", version)
			}
			bookkeeping := `DELETE FROM ` + versionTable + ` WHERE version = $1`
			if err := execScript(ctx, conn, s.down, bookkeeping, s.version); err != nil {
				return fmt.Errorf("revert %s: %w", s.label(), err)
			}
			reverted++
		}
		return nil
	})
	return reverted, err
}

// Status reports every embedded migration without taking the lock.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	scripts, records, err := r.prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(scripts))
	for _, s := range scripts {
		status := Status{Version: s.version, Name: s.name}
		if rec, ok := records[s.version]; ok {
			appliedAt := rec.appliedAt
			status.Applied = true
			status.AppliedAt = &appliedAt
			status.Drifted = rec.checksum != "" && rec.checksum != s.checksum()
		}
		out = append(out, status)
	}
	return out, nil
}

func (r *Runner) withLock(ctx context.Context, db *sql.DB, fn func(*sql.Conn, []script, map[int64]record) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	scripts, records, err := r.prepare(ctx, conn)
	if err != nil {
		return err
	}
	return fn(conn, scripts, records)
}

func (r *Runner) prepare(ctx context.Context, q execQuerier) ([]script, map[int64]record, error) {
	scripts, err := loadScripts(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + versionTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", versionTable, err)
	}
	records, err := readRecords(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	return scripts, records, nil
}

func readRecords(ctx context.Context, q execQuerier) (map[int64]record, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum, applied_at FROM `+versionTable)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", versionTable, err)
	}
	defer func() { _ = rows.Close() }()

	records := map[int64]record{}
	for rows.Next() {
		var version int64
		var rec record
		if err := rows.Scan(&version, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", versionTable, err)
		}
		records[version] = rec
	}
	return records, rows.Err()
}

func execScript(ctx context.Context, conn *sql.Conn, body, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// loadScripts pairs NNNNNN_name.up.sql with NNNNNN_name.down.sql under sql/.
// Other files are ignored.
func loadScripts(fsys fs.FS) ([]script, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration scripts: %w", err)
	}

	byVersion := map[int64]*script{}
	for _, entry := range entries {
		m := scriptPattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(fsys, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", entry.Name(), err)
		}

		s, ok := byVersion[version]
		if !ok {
			s = &script{version: version, name: m[2]}
			byVersion[version] = s
		}
		if s.name != m[2] {
			return nil, fmt.Errorf("migration %d is named both %q and %q", version, s.name, m[2])
		}
		if m[3] == "up" {
			s.up = string(body)
		} else {
			s.down = string(body)
		}
	}

	scripts := make([]script, 0, len(byVersion))
	for _, s := range byVersion {
		if strings.TrimSpace(s.up) == "" {
			return nil, fmt.Errorf("migration %s has no up script", s.label())
		}
		if strings.TrimSpace(s.down) == "" {
			return nil, fmt.Errorf("migration %s has no down script", s.label())
		}
		scripts = append(scripts, *s)
	}
	slices.SortFunc(scripts, func(a, b script) int { return cmp.Compare(a.version, b.version) })
	return scripts, nil
}
