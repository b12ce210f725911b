// Package command is the write side. Each command folds the current
// aggregate state from the event store, asks the aggregate for candidate
// events, and appends them together with their outbox entries in a single
// transaction. Version conflicts from concurrent writers are retried a
// bounded number of times with freshly folded state.
package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kilnworks/tally/pkg/bus"
	"github.com/kilnworks/tally/pkg/event"
	"github.com/kilnworks/tally/pkg/eventstore"
	"github.com/kilnworks/tally/pkg/outbox"
)

// maxAttempts bounds the optimistic-concurrency retry loop. Conflicts
// mean another writer advanced the same aggregate; refolding usually
// resolves it on the first retry.
const maxAttempts = 3

// idempotencyCacheSize bounds the in-memory key→task map. Oldest keys
// fall out first; a fallen-out key degrades to the aggregate-level
// duplicate check, never to a double write.
const idempotencyCacheSize = 1024

type Service struct {
	db     *sql.DB
	events *eventstore.Store
	outbox *outbox.Store
	topics bus.Topics
	log    *slog.Logger

	mu    sync.Mutex
	seen  map[string]string // idempotency key → task id
	order []string
}

func NewService(db *sql.DB, events *eventstore.Store, ob *outbox.Store, topics bus.Topics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db: db, events: events, outbox: ob, topics: topics, log: log,
		seen: make(map[string]string),
	}
}

func (s *Service) cachedTaskID(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.seen[key]
	return id, ok
}

func (s *Service) rememberTaskID(key, taskID string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return
	}
	if len(s.order) >= idempotencyCacheSize {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.seen[key] = taskID
	s.order = append(s.order, key)
}

func (s *Service) topicFor(aggregateType event.AggregateType) string {
	if aggregateType == event.AggregateCreditLedger {
		return s.topics.BillingEvents
	}
	return s.topics.TaskEvents
}

// appendAll writes the candidates and their outbox entries in one
// transaction. Either every event lands with its outbox row or nothing
// does; the relay can then publish without a prepare/commit dance.
func (s *Service) appendAll(ctx context.Context, correlationID string, candidates ...*event.Candidate) ([]*event.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("command: begin: %w", err)
	}
	defer tx.Rollback()

	envelopes := make([]*event.Envelope, 0, len(candidates))
	for _, cand := range candidates {
		env, err := s.events.AppendInTx(ctx, tx, eventstore.AppendInput{
			AggregateID:   cand.AggregateID,
			AggregateType: cand.AggregateType,
			TenantID:      cand.TenantID,
			EventType:     cand.EventType,
			Version:       cand.Version,
			Payload:       cand.Payload,
		})
		if err != nil {
			return nil, err
		}
		entry, err := outbox.EntryForEnvelope(s.topicFor(cand.AggregateType), env, correlationID)
		if err != nil {
			return nil, err
		}
		if _, err := s.outbox.InsertTx(ctx, tx, entry); err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("command: commit: %w", err)
	}
	return envelopes, nil
}

// retryConflicts runs attempt until it succeeds, fails with a
// non-conflict error, or exhausts the retry budget. attempt must refold
// its aggregates on every call.
func (s *Service) retryConflicts(ctx context.Context, name string, attempt func(ctx context.Context) error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		err = attempt(ctx)
		if err == nil || !errors.Is(err, event.ErrConcurrentAppend) {
			return err
		}
		s.log.Debug("retrying after version conflict", "command", name, "attempt", i+1)
	}
	return fmt.Errorf("command: %s: retries exhausted: %w", name, err)
}
