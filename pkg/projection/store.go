// Package projection turns the committed, encrypted event stream into
// queryable read-model rows and real-time tenant notifications. Rows are
// disposable caches keyed by natural id — never append-only — and every
// write is an upsert so at-least-once delivery cannot duplicate them.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_projection (
	task_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS balance_projection (
	tenant_id TEXT PRIMARY KEY,
	available BIGINT NOT NULL,
	reserved BIGINT NOT NULL,
	consumed BIGINT NOT NULL,
	refunded BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS task_projection_tenant_idx ON task_projection (tenant_id);
`

// TaskRow is the task read model.
type TaskRow struct {
	TaskID    string
	TenantID  string
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BalanceRow is the balance read model. A missing row reads as all-zero.
type BalanceRow struct {
	TenantID  string
	Available int64
	Reserved  int64
	Consumed  int64
	Refunded  int64
	UpdatedAt time.Time
}

// ReadModelStore upserts projection rows.
type ReadModelStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewReadModelStore(db *sql.DB) *ReadModelStore {
	return &ReadModelStore{db: db, clock: time.Now}
}

// WithClock overrides the timestamp source for tests.
func (s *ReadModelStore) WithClock(clock func() time.Time) *ReadModelStore {
	s.clock = clock
	return s
}

// Init bootstraps the schema.
func (s *ReadModelStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("projection: init schema: %w", err)
	}
	return nil
}

// UpsertTaskState inserts or updates the task row. Re-applying the same
// event lands on the same row state.
func (s *ReadModelStore) UpsertTaskState(ctx context.Context, taskID, tenantID, state string) error {
	now := s.clock().UTC()
	const query = `
		INSERT INTO task_projection (task_id, tenant_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (task_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, taskID, tenantID, state, now); err != nil {
		return fmt.Errorf("projection: upsert task %s: %w", taskID, err)
	}
	return nil
}

// GetTask returns the task row, or sql.ErrNoRows wrapped when absent.
func (s *ReadModelStore) GetTask(ctx context.Context, taskID string) (TaskRow, error) {
	const query = `
		SELECT task_id, tenant_id, state, created_at, updated_at
		FROM task_projection WHERE task_id = $1
	`
	var row TaskRow
	err := s.db.QueryRowContext(ctx, query, taskID).
		Scan(&row.TaskID, &row.TenantID, &row.State, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return TaskRow{}, fmt.Errorf("projection: get task %s: %w", taskID, err)
	}
	return row, nil
}

// GetBalance returns the tenant's balance row, defaulting to all-zero when
// no row exists yet.
func (s *ReadModelStore) GetBalance(ctx context.Context, tenantID string) (BalanceRow, error) {
	const query = `
		SELECT tenant_id, available, reserved, consumed, refunded, updated_at
		FROM balance_projection WHERE tenant_id = $1
	`
	var row BalanceRow
	err := s.db.QueryRowContext(ctx, query, tenantID).
		Scan(&row.TenantID, &row.Available, &row.Reserved, &row.Consumed, &row.Refunded, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BalanceRow{TenantID: tenantID}, nil
	}
	if err != nil {
		return BalanceRow{}, fmt.Errorf("projection: get balance %s: %w", tenantID, err)
	}
	return row, nil
}

// UpsertBalance writes the full recomputed balance row.
func (s *ReadModelStore) UpsertBalance(ctx context.Context, row BalanceRow) error {
	now := s.clock().UTC()
	const query = `
		INSERT INTO balance_projection (tenant_id, available, reserved, consumed, refunded, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			available = EXCLUDED.available,
			reserved = EXCLUDED.reserved,
			consumed = EXCLUDED.consumed,
			refunded = EXCLUDED.refunded,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		row.TenantID, row.Available, row.Reserved, row.Consumed, row.Refunded, now); err != nil {
		return fmt.Errorf("projection: upsert balance %s: %w", row.TenantID, err)
	}
	return nil
}
