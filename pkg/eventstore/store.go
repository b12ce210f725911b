// Package eventstore persists encrypted, versioned events. The events table
// is the only durable source of truth in the system; everything downstream
// (projections, notifications) is a disposable cache rebuilt by replay.
//
// It works against database/sql with either the Postgres or the SQLite
// driver, matching how the rest of this codebase treats relational storage.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kilnworks/tally/pkg/crypto"
	"github.com/kilnworks/tally/pkg/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	aggregate_id TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	CONSTRAINT events_aggregate_version_unique UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS events_tenant_type_created_idx
	ON events (tenant_id, aggregate_type, created_at);
`

// Store appends and replays tenant-encrypted events.
type Store struct {
	db     *sql.DB
	cipher *crypto.TenantCipher
	clock  func() time.Time
}

// New creates a store over an open database handle. The handle's pool is
// shared; every call is self-contained and holds no cross-call transaction.
func New(db *sql.DB, cipher *crypto.TenantCipher) *Store {
	return &Store{db: db, cipher: cipher, clock: time.Now}
}

// WithClock overrides the append timestamp source for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Init bootstraps the schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventstore: init schema: %w", err)
	}
	return nil
}

// AppendInput describes one event to durably commit.
type AppendInput struct {
	AggregateID   string
	AggregateType event.AggregateType
	TenantID      string
	EventType     event.Type
	Version       int64
	Payload       any
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append encrypts and inserts one event. The returned envelope carries both
// the at-rest encrypted payload and the original plaintext, so the caller
// never decrypts what it just wrote. A duplicate (aggregate_id, version)
// fails with event.ErrConcurrentAppend.
func (s *Store) Append(ctx context.Context, in AppendInput) (*event.Envelope, error) {
	return s.append(ctx, s.db, in)
}

// AppendInTx behaves like Append inside a caller-owned transaction, so the
// command layer can commit an event and its outbox entry atomically.
func (s *Store) AppendInTx(ctx context.Context, tx *sql.Tx, in AppendInput) (*event.Envelope, error) {
	return s.append(ctx, tx, in)
}

func (s *Store) append(ctx context.Context, ex execer, in AppendInput) (*event.Envelope, error) {
	if in.Version < 1 {
		return nil, fmt.Errorf("eventstore: version %d below 1", in.Version)
	}
	if in.TenantID == "" {
		return nil, errors.New("eventstore: tenant id required")
	}

	plaintext, err := event.EncodePayload(in.Payload)
	if err != nil {
		return nil, err
	}
	sealed, err := s.cipher.Encrypt(plaintext, in.TenantID)
	if err != nil {
		return nil, err
	}
	blob, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal encrypted payload: %w", err)
	}

	env := &event.Envelope{
		EventID:       uuid.NewString(),
		AggregateID:   in.AggregateID,
		AggregateType: in.AggregateType,
		TenantID:      in.TenantID,
		EventType:     in.EventType,
		Version:       in.Version,
		OccurredAt:    s.clock().UTC(),
		Payload:       sealed,
		Plaintext:     plaintext,
	}

	const insert = `
		INSERT INTO events (id, aggregate_id, aggregate_type, tenant_id, version, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = ex.ExecContext(ctx, insert,
		env.EventID, env.AggregateID, string(env.AggregateType), env.TenantID,
		env.Version, string(env.EventType), string(blob), env.OccurredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("eventstore: aggregate %s version %d: %w",
				in.AggregateID, in.Version, event.ErrConcurrentAppend)
		}
		return nil, fmt.Errorf("eventstore: insert event: %w", err)
	}
	return env, nil
}

// LoadByAggregate replays one aggregate's history ascending by version,
// decrypting every payload. Any decrypt failure aborts the whole replay
// with event.ErrCorruptedEvent; partially decrypted history is never
// returned.
func (s *Store) LoadByAggregate(ctx context.Context, aggregateID, tenantID string) ([]*event.Envelope, error) {
	const query = `
		SELECT id, aggregate_id, aggregate_type, tenant_id, version, event_type, payload, created_at
		FROM events
		WHERE aggregate_id = $1 AND tenant_id = $2
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, query, aggregateID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load aggregate %s: %w", aggregateID, err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanAndDecrypt(rows)
}

// QueryOptions narrows GetByTenant. Zero values mean no filter and no cap.
type QueryOptions struct {
	AggregateType event.AggregateType
	Limit         int
}

// GetByTenant returns a tenant's events ascending by commit time. Audit and
// debug path, plus the command layer's credit-ledger replay; not a hot-path
// consistency mechanism.
func (s *Store) GetByTenant(ctx context.Context, tenantID string, opts QueryOptions) ([]*event.Envelope, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, tenant_id, version, event_type, payload, created_at
		FROM events
		WHERE tenant_id = $1`
	args := []any{tenantID}
	if opts.AggregateType != "" {
		query += ` AND aggregate_type = $2`
		args = append(args, string(opts.AggregateType))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanAndDecrypt(rows)
}

func (s *Store) scanAndDecrypt(rows *sql.Rows) ([]*event.Envelope, error) {
	var envs []*event.Envelope
	for rows.Next() {
		var (
			env           event.Envelope
			aggregateType string
			eventType     string
			blob          string
		)
		if err := rows.Scan(&env.EventID, &env.AggregateID, &aggregateType, &env.TenantID,
			&env.Version, &eventType, &blob, &env.OccurredAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan event row: %w", err)
		}
		env.AggregateType = event.AggregateType(aggregateType)
		env.EventType = event.Type(eventType)

		if err := json.Unmarshal([]byte(blob), &env.Payload); err != nil {
			return nil, fmt.Errorf("eventstore: event %s: parse stored payload: %w", env.EventID, event.ErrCorruptedEvent)
		}
		plaintext, err := s.cipher.Decrypt(env.Payload, env.TenantID)
		if err != nil {
			return nil, fmt.Errorf("eventstore: event %s: %v: %w", env.EventID, err, event.ErrCorruptedEvent)
		}
		env.Plaintext = plaintext
		envs = append(envs, &env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate rows: %w", err)
	}
	return envs, nil
}

// isUniqueViolation classifies the (aggregate_id, version) constraint race
// for both supported drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite reports SQLITE_CONSTRAINT_UNIQUE in the message.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
