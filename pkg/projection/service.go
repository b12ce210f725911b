package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kilnworks/tally/pkg/bus"
	"github.com/kilnworks/tally/pkg/event"
)

// Decrypter opens an encrypted payload for its tenant. *crypto.TenantCipher
// satisfies it.
type Decrypter interface {
	Decrypt(payload event.EncryptedPayload, tenantID string) ([]byte, error)
}

// Notifier fans a payload out to a tenant's live subscribers.
type Notifier interface {
	Broadcast(tenantID string, payload any)
}

// DeadLetterer forwards an unprocessable message for later inspection.
// *bus.Producer satisfies it.
type DeadLetterer interface {
	PublishRaw(ctx context.Context, topic, key, value string, headers map[string]string) error
}

// Subscriber binds topic handlers. *bus.Consumer satisfies it.
type Subscriber interface {
	Subscribe(topic string, h bus.Handler) error
}

// TaskNotification is the minimal payload a UI needs to refresh a task.
type TaskNotification struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
	State  string `json:"state"`
}

// BalanceNotification carries the tenant's new balance.
type BalanceNotification struct {
	Type      string `json:"type"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Consumed  int64  `json:"consumed"`
	Refunded  int64  `json:"refunded"`
}

// Service consumes committed events, maintains the read model and notifies
// subscribers. The task and billing handlers share no per-tenant mutable
// state: all state lives in the store, keyed by natural id.
type Service struct {
	store    *ReadModelStore
	cipher   Decrypter
	notifier Notifier
	dlq      DeadLetterer
	topics   bus.Topics
	log      *slog.Logger
}

func NewService(store *ReadModelStore, cipher Decrypter, notifier Notifier, dlq DeadLetterer, topics bus.Topics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		cipher:   cipher,
		notifier: notifier,
		dlq:      dlq,
		topics:   topics,
		log:      log,
	}
}

// Register binds both topic handlers on one consumer.
func (s *Service) Register(consumer Subscriber) error {
	if err := consumer.Subscribe(s.topics.TaskEvents, s.HandleTaskEvent); err != nil {
		return err
	}
	return consumer.Subscribe(s.topics.BillingEvents, s.HandleBillingEvent)
}

// taskStateFor maps an event kind to the projected row state.
func taskStateFor(kind event.Type) (string, bool) {
	switch kind {
	case event.TaskCreated:
		return "CREATED", true
	case event.TaskStarted:
		return "STARTED", true
	case event.TaskCompleted:
		return "COMPLETED", true
	case event.TaskFailed:
		return "FAILED", true
	case event.TaskTimedOut:
		return "TIMED_OUT", true
	}
	return "", false
}

// HandleTaskEvent upserts the task row and notifies the tenant. Errors from
// the store propagate (the broker redelivers); undecryptable or unroutable
// messages are logged, dead-lettered and dropped so one poisoned message
// cannot stall the loop.
func (s *Service) HandleTaskEvent(ctx context.Context, env *event.Envelope) error {
	if _, err := s.cipher.Decrypt(env.Payload, env.TenantID); err != nil {
		return s.reject(ctx, s.topics.TaskEvents, env, err)
	}

	state, ok := taskStateFor(env.EventType)
	if !ok {
		return s.reject(ctx, s.topics.TaskEvents, env, fmt.Errorf("unroutable task event type %q", env.EventType))
	}

	if err := s.store.UpsertTaskState(ctx, env.AggregateID, env.TenantID, state); err != nil {
		return err
	}

	s.notifier.Broadcast(env.TenantID, TaskNotification{
		Type:   string(env.EventType),
		TaskID: env.AggregateID,
		State:  state,
	})
	return nil
}

// HandleBillingEvent recomputes the tenant's balance from the last-known
// row and the incoming event, then upserts it. This repeats the credit
// ledger's conservation arithmetic against the projection instead of
// replaying history — deliberately, so the hot path never scans the event
// log. Both implementations are pinned to the same fixture vectors in
// tests.
func (s *Service) HandleBillingEvent(ctx context.Context, env *event.Envelope) error {
	plaintext, err := s.cipher.Decrypt(env.Payload, env.TenantID)
	if err != nil {
		return s.reject(ctx, s.topics.BillingEvents, env, err)
	}
	var payload event.CreditPayload
	if err := event.DecodePayload(plaintext, &payload); err != nil {
		return s.reject(ctx, s.topics.BillingEvents, env, err)
	}
	if !creditKind(env.EventType) {
		return s.reject(ctx, s.topics.BillingEvents, env, fmt.Errorf("unroutable billing event type %q", env.EventType))
	}

	row, err := s.store.GetBalance(ctx, env.TenantID)
	if err != nil {
		return err
	}
	row = applyCredit(row, env.EventType, payload.Amount)
	if err := s.store.UpsertBalance(ctx, row); err != nil {
		return err
	}

	s.notifier.Broadcast(env.TenantID, BalanceNotification{
		Type:      string(env.EventType),
		Available: row.Available,
		Reserved:  row.Reserved,
		Consumed:  row.Consumed,
		Refunded:  row.Refunded,
	})
	return nil
}

func creditKind(kind event.Type) bool {
	switch kind {
	case event.CreditsAllocated, event.CreditsReserved, event.CreditsConsumed, event.CreditsRefunded:
		return true
	}
	return false
}

// applyCredit advances a balance row by one billing event, mirroring the
// aggregate fold's conservation arithmetic.
func applyCredit(row BalanceRow, kind event.Type, amount int64) BalanceRow {
	switch kind {
	case event.CreditsAllocated:
		row.Available += amount
	case event.CreditsReserved:
		row.Available -= amount
		row.Reserved += amount
	case event.CreditsConsumed:
		row.Reserved -= amount
		row.Consumed += amount
	case event.CreditsRefunded:
		row.Reserved -= amount
		row.Available += amount
		row.Refunded += amount
	}
	return row
}

// reject logs, dead-letters and drops one unprocessable message. The nil
// return acknowledges it; redelivering a message that cannot decrypt or
// route would loop forever.
func (s *Service) reject(ctx context.Context, topic string, env *event.Envelope, cause error) error {
	s.log.Warn("dropping unprocessable projection message",
		"topic", topic, "event", env.EventID, "tenant", env.TenantID, "cause", cause)

	if s.dlq == nil {
		return nil
	}
	headers := map[string]string{
		"error":  cause.Error(),
		"source": topic,
	}
	if err := s.dlq.PublishRaw(ctx, s.topics.DeadLetter, env.TenantID, envelopeValue(env), headers); err != nil {
		// Availability over completeness: the projection keeps consuming
		// even when the dead-letter write fails.
		s.log.Error("dead-letter forward failed", "event", env.EventID, "err", err)
	}
	return nil
}

func envelopeValue(env *event.Envelope) string {
	value, err := json.Marshal(env)
	if err != nil {
		return ""
	}
	return string(value)
}
