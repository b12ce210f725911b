// Package bus adapts Redis Streams into the durable topic publish/subscribe
// contract between the event writer and the projection consumers.
//
// Streams with consumer groups give at-least-once delivery and ordering per
// stream entry key; envelopes are keyed by tenant id, so ordering holds per
// tenant (and per aggregate, since a billing aggregate id is its tenant id).
// Cross-tenant ordering is explicitly not provided and consumers must not
// assume it.
//
// Only encrypted envelopes travel here. The plaintext field of an envelope
// never serializes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kilnworks/tally/pkg/event"
)

// ConnState is the explicit lifecycle position of a producer or consumer.
// Operations outside StateConnected fail with event.ErrNotConnected instead
// of chasing nil pointers.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Config carries broker connection settings, supplied by the hosting
// process.
type Config struct {
	Addr     string
	Password string
	DB       int
	ClientID string
	// Group is the consumer group name; consumers in the same group share
	// the streams, each entry delivered to one member.
	Group string
}

// Stream entry field names. "key" and "value" mirror a keyed message;
// eventType and aggregateId ride alongside as headers so a consumer can
// route without deserializing the envelope.
const (
	fieldKey         = "key"
	fieldValue       = "value"
	fieldEventType   = "eventType"
	fieldAggregateID = "aggregateId"
	fieldError       = "error"
	fieldSource      = "source"
)

// encodeMessage flattens an envelope into stream fields.
func encodeMessage(env *event.Envelope) (map[string]any, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal envelope %s: %w", env.EventID, err)
	}
	return map[string]any{
		fieldKey:         env.TenantID,
		fieldValue:       string(value),
		fieldEventType:   string(env.EventType),
		fieldAggregateID: env.AggregateID,
	}, nil
}

// decodeMessage parses stream fields back into an envelope.
func decodeMessage(values map[string]any) (*event.Envelope, error) {
	raw, ok := values[fieldValue].(string)
	if !ok || raw == "" {
		return nil, errors.New("bus: entry has no value field")
	}
	var env event.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("bus: unmarshal envelope: %w", err)
	}
	if env.EventID == "" || env.TenantID == "" {
		return nil, errors.New("bus: envelope missing identity fields")
	}
	return &env, nil
}

// Producer publishes envelopes to streams.
type Producer struct {
	cfg Config

	mu     sync.Mutex
	state  ConnState
	client *redis.Client
}

func NewProducer(cfg Config) *Producer {
	return &Producer{cfg: cfg}
}

// Connect establishes the client. Idempotent: connecting while Connected is
// a no-op.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateConnected {
		return nil
	}
	p.state = StateConnecting
	client := redis.NewClient(&redis.Options{
		Addr:       p.cfg.Addr,
		Password:   p.cfg.Password,
		DB:         p.cfg.DB,
		ClientName: p.cfg.ClientID,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		p.state = StateDisconnected
		return fmt.Errorf("bus: connect producer: %w", err)
	}
	p.client = client
	p.state = StateConnected
	return nil
}

// Close releases the connection. Publishing again requires a fresh Connect.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConnected {
		p.state = StateDisconnected
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.state = StateDisconnected
	return err
}

// State reports the lifecycle position.
func (p *Producer) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Publish appends the envelope to the topic stream, keyed by tenant id.
func (p *Producer) Publish(ctx context.Context, topic string, env *event.Envelope) error {
	p.mu.Lock()
	client, state := p.client, p.state
	p.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("bus: publish to %s: %w", topic, event.ErrNotConnected)
	}

	values, err := encodeMessage(env)
	if err != nil {
		return err
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

// PublishRaw appends an arbitrary keyed message. Used for dead-letter
// forwarding, where the value is whatever the consumer could not process.
func (p *Producer) PublishRaw(ctx context.Context, topic, key, value string, headers map[string]string) error {
	p.mu.Lock()
	client, state := p.client, p.state
	p.mu.Unlock()
	if state != StateConnected {
		return fmt.Errorf("bus: publish raw to %s: %w", topic, event.ErrNotConnected)
	}

	values := map[string]any{fieldKey: key, fieldValue: value}
	for k, v := range headers {
		values[k] = v
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err(); err != nil {
		return fmt.Errorf("bus: publish raw to %s: %w", topic, err)
	}
	return nil
}

// Handler processes one delivered envelope. Returning an error leaves the
// entry pending so the broker redelivers it; the adapter adds no retry or
// backoff of its own.
type Handler func(ctx context.Context, env *event.Envelope) error

// Consumer reads one or more streams through a consumer group and
// dispatches each entry to its topic's handler on a single sequential loop.
type Consumer struct {
	cfg    Config
	topics Topics
	log    *slog.Logger

	// name distinguishes this member within the group.
	name string

	mu       sync.Mutex
	state    ConnState
	client   *redis.Client
	handlers map[string]Handler

	// reclaimIdle is how long an entry may sit pending (a crashed or stuck
	// member) before another member claims it.
	reclaimIdle time.Duration
	// block bounds one XREADGROUP wait so ctx cancellation is observed.
	block time.Duration
}

func NewConsumer(cfg Config, topics Topics, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		cfg:         cfg,
		topics:      topics,
		log:         log,
		name:        cfg.ClientID + "-" + uuid.NewString()[:8],
		handlers:    make(map[string]Handler),
		reclaimIdle: 30 * time.Second,
		block:       5 * time.Second,
	}
}

// Connect establishes the client. Idempotent while Connected.
func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected {
		return nil
	}
	c.state = StateConnecting
	client := redis.NewClient(&redis.Options{
		Addr:       c.cfg.Addr,
		Password:   c.cfg.Password,
		DB:         c.cfg.DB,
		ClientName: c.cfg.ClientID,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		c.state = StateDisconnected
		return fmt.Errorf("bus: connect consumer: %w", err)
	}
	c.client = client
	c.state = StateConnected
	return nil
}

// Close releases the connection and all subscriptions. Subscribing again
// requires a fresh Connect.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[string]Handler)
	if c.state != StateConnected {
		c.state = StateDisconnected
		return nil
	}
	err := c.client.Close()
	c.client = nil
	c.state = StateDisconnected
	return err
}

// State reports the lifecycle position.
func (c *Consumer) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe binds a handler to a topic. Must be called after Connect and
// before Run.
func (c *Consumer) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return fmt.Errorf("bus: subscribe %s: %w", topic, event.ErrNotConnected)
	}
	if _, dup := c.handlers[topic]; dup {
		return fmt.Errorf("bus: topic %s already subscribed", topic)
	}
	c.handlers[topic] = h
	return nil
}

// Run consumes subscribed streams until ctx is cancelled. Entries are
// handled sequentially; a handler error leaves its entry pending for
// redelivery, while malformed or unroutable entries are copied to the
// dead-letter topic, acknowledged, and dropped with a warning.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("bus: run: %w", event.ErrNotConnected)
	}
	client := c.client
	streams := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		streams = append(streams, topic)
	}
	c.mu.Unlock()

	if len(streams) == 0 {
		return errors.New("bus: run with no subscriptions")
	}

	if err := c.ensureGroups(ctx, client, streams); err != nil {
		return err
	}

	// XREADGROUP wants streams then an equal number of cursors.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		c.reclaim(ctx, client, streams)

		res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.name,
			Streams:  args,
			Count:    16,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus: read group: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if err := c.dispatch(ctx, client, stream.Stream, msg); err != nil {
					// Handler failure: leave the entry pending, the group
					// redelivers it. Keep consuming.
					c.log.Error("handler failed, entry left pending",
						"topic", stream.Stream, "entry", msg.ID, "err", err)
				}
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, client *redis.Client, stream string, msg redis.XMessage) error {
	c.mu.Lock()
	h := c.handlers[stream]
	c.mu.Unlock()

	env, err := decodeMessage(msg.Values)
	switch {
	case err != nil:
		c.deadLetter(ctx, client, stream, msg, err.Error())
		return nil
	case h == nil:
		c.deadLetter(ctx, client, stream, msg, "no handler for topic")
		return nil
	}

	if err := h(ctx, env); err != nil {
		return err
	}
	return client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err()
}

// deadLetter copies an unprocessable entry to the dead-letter stream and
// acknowledges the original so it stops blocking the group.
func (c *Consumer) deadLetter(ctx context.Context, client *redis.Client, stream string, msg redis.XMessage, reason string) {
	c.log.Warn("dropping unprocessable entry", "topic", stream, "entry", msg.ID, "reason", reason)

	key, _ := msg.Values[fieldKey].(string)
	value, _ := msg.Values[fieldValue].(string)
	err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.topics.DeadLetter,
		Values: map[string]any{
			fieldKey:    key,
			fieldValue:  value,
			fieldError:  reason,
			fieldSource: stream,
		},
	}).Err()
	if err != nil {
		c.log.Error("dead-letter publish failed", "entry", msg.ID, "err", err)
	}
	if err := client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.log.Error("ack after dead-letter failed", "entry", msg.ID, "err", err)
	}
}

// ensureGroups creates the consumer group on every stream, creating the
// stream itself when absent.
func (c *Consumer) ensureGroups(ctx context.Context, client *redis.Client, streams []string) error {
	for _, stream := range streams {
		err := client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("bus: create group on %s: %w", stream, err)
		}
	}
	return nil
}

// reclaim takes over entries another group member left pending for too
// long, so a crashed consumer's work is eventually redelivered here.
func (c *Consumer) reclaim(ctx context.Context, client *redis.Client, streams []string) {
	for _, stream := range streams {
		msgs, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.name,
			MinIdle:  c.reclaimIdle,
			Start:    "0",
			Count:    16,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() == nil {
				c.log.Warn("autoclaim failed", "topic", stream, "err", err)
			}
			continue
		}
		for _, msg := range msgs {
			if err := c.dispatch(ctx, client, stream, msg); err != nil {
				c.log.Error("handler failed on reclaimed entry, left pending",
					"topic", stream, "entry", msg.ID, "err", err)
			}
		}
	}
}
