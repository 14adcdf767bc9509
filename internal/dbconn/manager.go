package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sqlguard/sqlguard/internal/faults"
)

const (
	DefaultRowLimit     = 200
	defaultProbeTimeout = 2 * time.Second
)

var ErrClosed = errors.New("connection manager is closed")

type Result struct {
	Success   bool             `json:"success"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Duration  time.Duration    `json:"duration"`
	Error     string           `json:"error,omitempty"`
}

type Stats struct {
	Workers         int      `json:"workers"`
	WorkerIDs       []string `json:"worker_ids"`
	Replaced        int64    `json:"replaced"`
	OpenConnections int      `json:"open_connections"`
	InUse           int      `json:"in_use"`
	Idle            int      `json:"idle"`
}

// Manager hands each worker a dedicated connection. Acquisition and the
// probe-then-replace of a stale connection share one lock.
type Manager struct {
	db           *sql.DB
	probeTimeout time.Duration
	rowLimit     int

	mu       sync.Mutex
	conns    map[string]*sql.Conn
	replaced int64
	closed   bool
}

type ManagerOptions struct {
	ProbeTimeout time.Duration
	RowLimit     int
}

func NewManager(db *sql.DB, opts ManagerOptions) *Manager {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.RowLimit <= 0 {
		opts.RowLimit = DefaultRowLimit
	}
	return &Manager{
		db:           db,
		probeTimeout: opts.ProbeTimeout,
		rowLimit:     opts.RowLimit,
		conns:        map[string]*sql.Conn{},
	}
}

// Acquire returns the worker's connection, replacing it when a liveness
// probe fails.
func (m *Manager) Acquire(ctx context.Context, workerID string) (*sql.Conn, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("worker id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if conn, ok := m.conns[workerID]; ok {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := conn.PingContext(probeCtx)
		cancel()
		if err == nil {
			return conn, nil
		}
		_ = conn.Close()
		delete(m.conns, workerID)
		m.replaced++
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for worker %q: %w", workerID, err)
	}
	m.conns[workerID] = conn
	return conn, nil
}

func (m *Manager) Release(workerID string) error {
	m.mu.Lock()
	conn, ok := m.conns[workerID]
	delete(m.conns, workerID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("release connection for worker %q: %w", workerID, err)
	}
	return nil
}

// Detach forgets the worker's connection without waiting on it. A statement
// still running there keeps the old connection until it returns, and the
// worker's next Acquire opens a fresh one.
func (m *Manager) Detach(workerID string) {
	m.mu.Lock()
	conn, ok := m.conns[workerID]
	delete(m.conns, workerID)
	m.mu.Unlock()
	if ok {
		go func() { _ = conn.Close() }()
	}
}

// Execute runs sqlText on the worker's connection and fetches at most
// rowLimit rows. A non-positive rowLimit uses the manager default.
func (m *Manager) Execute(ctx context.Context, workerID, sqlText string, rowLimit int) (Result, error) {
	start := time.Now()
	if rowLimit <= 0 {
		rowLimit = m.rowLimit
	}
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return Result{Error: "sql is required"}, faults.Inputf("execute", "sql is required")
	}

	fail := func(err error) (Result, error) {
		return Result{Error: err.Error(), Duration: time.Since(start)}, faults.Execution("execute", err)
	}

	conn, err := m.Acquire(ctx, workerID)
	if err != nil {
		return fail(err)
	}

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return fail(fmt.Errorf("execute query: %w", err))
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return fail(fmt.Errorf("query columns: %w", err))
	}

	result := Result{Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if len(result.Rows) == rowLimit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return fail(fmt.Errorf("scan row: %w", err))
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return fail(fmt.Errorf("iterate rows: %w", err))
	}

	result.Success = true
	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	replaced := m.replaced
	m.mu.Unlock()
	sort.Strings(ids)

	dbStats := m.db.Stats()
	return Stats{
		Workers:         len(ids),
		WorkerIDs:       ids,
		Replaced:        replaced,
		OpenConnections: dbStats.OpenConnections,
		InUse:           dbStats.InUse,
		Idle:            dbStats.Idle,
	}
}

// Close releases every worker connection. The underlying *sql.DB stays
// open and belongs to the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = map[string]*sql.Conn{}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for workerID, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, fmt.Errorf("close connection for worker %q: %w", workerID, err))
		}
	}
	return errors.Join(errs...)
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return typed
	}
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
