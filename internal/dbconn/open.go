package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sqlguard/sqlguard/internal/config"
)

const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
)

const (
	defaultPingTimeout = 5 * time.Second
	pingBackoff        = 500 * time.Millisecond
)

// Config is a database/sql pool description. Zero pool values keep the
// database/sql defaults.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	// PingAttempts retries the startup ping, covering databases that are
	// still booting next to the service. Values below 1 mean one attempt.
	PingAttempts int
}

// TargetConfig describes the pool generated SQL runs against.
func TargetConfig(db config.DatabaseConfig) Config {
	return Config{
		Driver:          db.Driver,
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
		ConnMaxLifetime: db.ConnMaxLifetime,
		PingAttempts:    3,
	}
}

// AuditConfig describes the Postgres pool holding security events and history.
func AuditConfig(audit config.AuditConfig) Config {
	return Config{
		Driver:       DriverPostgres,
		DSN:          audit.DSN,
		MaxOpenConns: audit.MaxOpenConns,
		MaxIdleConns: audit.MaxIdleConns,
		PingAttempts: 3,
	}
}

// Open returns a pinged pool. DuckDB accepts an empty DSN for an in-memory
// database; Postgres requires one.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverDuckDB
	}
	switch {
	case cfg.Driver != DriverDuckDB && cfg.Driver != DriverPostgres:
		return nil, fmt.Errorf("unsupported database driver %q: expected %s or %s", cfg.Driver, DriverDuckDB, DriverPostgres)
	case cfg.Driver == DriverPostgres && cfg.DSN == "":
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", cfg.Driver, err)
	}
	cfg.tune(db)
	if err := ping(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s database unreachable: %w", cfg.Driver, err)
	}
	return db, nil
}

func (c Config) tune(db *sql.DB) {
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// ping tries PingAttempts times, waiting a growing backoff between tries.
func ping(ctx context.Context, db pinger, cfg Config) error {
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	attempts := max(cfg.PingAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * pingBackoff):
		}
	}
	return err
}
