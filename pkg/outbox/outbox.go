// Package outbox implements the transactional outbox between the event
// store and the message bus: an event and its pending bus message commit in
// one database transaction, and a relay drains pending messages to the
// broker afterwards. Delivery is therefore at-least-once, never zero-times.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilnworks/tally/pkg/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	message_key TEXT NOT NULL,
	message_value TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	correlation_id TEXT,
	created_at TIMESTAMP NOT NULL,
	published_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (published_at, created_at);
`

// Entry is one pending or published bus message.
type Entry struct {
	ID            string
	Topic         string
	MessageKey    string
	MessageValue  string
	TenantID      string
	EventID       string
	CorrelationID string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// EntryForEnvelope builds the outbox entry for a committed envelope: the
// serialized (encrypted-payload) envelope keyed by tenant.
func EntryForEnvelope(topic string, env *event.Envelope, correlationID string) (Entry, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: marshal envelope %s: %w", env.EventID, err)
	}
	return Entry{
		Topic:         topic,
		MessageKey:    env.TenantID,
		MessageValue:  string(value),
		TenantID:      env.TenantID,
		EventID:       env.EventID,
		CorrelationID: correlationID,
	}, nil
}

// Store persists outbox entries.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the timestamp source for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Init bootstraps the schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("outbox: init schema: %w", err)
	}
	return nil
}

const insertQuery = `
	INSERT INTO outbox (id, topic, message_key, message_value, tenant_id, event_id, correlation_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// InsertTx writes an entry inside the caller's transaction, normally the
// same one that appended the event.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, entry Entry) (Entry, error) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = s.clock().UTC()
	_, err := tx.ExecContext(ctx, insertQuery,
		entry.ID, entry.Topic, entry.MessageKey, entry.MessageValue,
		entry.TenantID, entry.EventID, nullable(entry.CorrelationID), entry.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: insert entry for event %s: %w", entry.EventID, err)
	}
	return entry, nil
}

// Unpublished returns pending entries, oldest first.
func (s *Store) Unpublished(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, topic, message_key, message_value, tenant_id, event_id, correlation_id, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("outbox: query unpublished: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			corr sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.MessageKey, &e.MessageValue,
			&e.TenantID, &e.EventID, &corr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan entry: %w", err)
		}
		e.CorrelationID = corr.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate rows: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps an entry as delivered.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	const query = `UPDATE outbox SET published_at = $1 WHERE id = $2 AND published_at IS NULL`
	if _, err := s.db.ExecContext(ctx, query, s.clock().UTC(), id); err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", id, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
