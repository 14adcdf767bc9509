package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sqlguard/sqlguard/internal/security"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit db: %w", err)
	}
	return nil
}

const eventColumns = `event_id, occurred_at, event_type, caller, address, excerpt, verdict, action, rule, threat_level`

func (r *Repository) Append(ctx context.Context, event security.Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO security_event (occurred_at, event_type, caller, address, excerpt, verdict, action, rule, threat_level)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.Timestamp,
		string(event.Type),
		event.Caller,
		event.Address,
		event.Excerpt,
		string(event.Verdict),
		string(event.Action),
		event.Rule,
		string(event.Threat),
	)
	if err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	return nil
}

func (r *Repository) Since(ctx context.Context, from time.Time) ([]security.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM security_event
WHERE occurred_at >= $1
ORDER BY occurred_at ASC, event_id ASC`, from)
	if err != nil {
		return nil, fmt.Errorf("list security events since: %w", err)
	}
	return scanEvents(rows)
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]security.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM security_event
ORDER BY event_id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent security events: %w", err)
	}
	return scanEvents(rows)
}

func (r *Repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM security_event
WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune security events rows affected: %w", err)
	}
	return removed, nil
}

func scanEvents(rows *sql.Rows) ([]security.Event, error) {
	defer func() { _ = rows.Close() }()

	events := make([]security.Event, 0)
	for rows.Next() {
		var (
			event                              security.Event
			eventType, verdict, action, threat string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&eventType,
			&event.Caller,
			&event.Address,
			&event.Excerpt,
			&verdict,
			&action,
			&event.Rule,
			&threat,
		); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		event.Type = security.EventType(eventType)
		event.Verdict = security.Verdict(verdict)
		event.Action = security.Action(action)
		event.Threat = security.Threat(threat)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

func (r *Repository) UpsertBlock(ctx context.Context, block security.Block) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO blocked_address (address, reason, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (address)
DO UPDATE SET reason = EXCLUDED.reason, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		block.Address, block.Reason, block.CreatedAt, block.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert blocked address: %w", err)
	}
	return nil
}

func (r *Repository) DeleteBlock(ctx context.Context, address string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
DELETE FROM blocked_address
WHERE address = $1`, address)
	if err != nil {
		return false, fmt.Errorf("delete blocked address: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete blocked address rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *Repository) ListActiveBlocks(ctx context.Context, now time.Time) ([]security.Block, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT address, reason, created_at, expires_at
FROM blocked_address
WHERE expires_at IS NULL OR expires_at > $1
ORDER BY address ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list blocked addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	blocks := make([]security.Block, 0)
	for rows.Next() {
		var (
			block     security.Block
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&block.Address, &block.Reason, &block.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan blocked address row: %w", err)
		}
		if expiresAt.Valid {
			expires := expiresAt.Time
			block.ExpiresAt = &expires
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked address rows: %w", err)
	}
	return blocks, nil
}
