package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kilnworks/tally/pkg/event"
)

// Publisher is the bus surface the relay needs. *bus.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *event.Envelope) error
	PublishRaw(ctx context.Context, topic, key, value string, headers map[string]string) error
}

// Relay drains pending outbox entries to the bus. A message whose stored
// envelope no longer parses goes to the dead-letter topic instead of
// wedging the drain.
type Relay struct {
	store           *Store
	producer        Publisher
	deadLetterTopic string
	log             *slog.Logger
	batch           int
}

func NewRelay(store *Store, producer Publisher, deadLetterTopic string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		store:           store,
		producer:        producer,
		deadLetterTopic: deadLetterTopic,
		log:             log,
		batch:           64,
	}
}

// Drain publishes one batch of pending entries. Returns how many were
// delivered. Publish failures stop the batch so ordering within a key is
// preserved on retry.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	entries, err := r.store.Unpublished(ctx, r.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, entry := range entries {
		var env event.Envelope
		if err := json.Unmarshal([]byte(entry.MessageValue), &env); err != nil {
			r.log.Warn("outbox entry unparseable, dead-lettering",
				"entry", entry.ID, "event", entry.EventID, "err", err)
			if err := r.producer.PublishRaw(ctx, r.deadLetterTopic, entry.MessageKey, entry.MessageValue,
				map[string]string{"error": "unparseable outbox entry", "source": entry.Topic}); err != nil {
				return published, err
			}
			if err := r.store.MarkPublished(ctx, entry.ID); err != nil {
				return published, err
			}
			continue
		}

		if err := r.producer.Publish(ctx, entry.Topic, &env); err != nil {
			return published, err
		}
		if err := r.store.MarkPublished(ctx, entry.ID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// Run drains on an interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("outbox drain failed", "err", err)
			}
		}
	}
}
