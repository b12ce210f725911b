// Command tallyd runs the encrypted ledger daemon: outbox relay,
// projection consumer, and the WebSocket notification hub. Writing
// commands is a library concern; this process owns the async half.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnworks/tally/pkg/bus"
	"github.com/kilnworks/tally/pkg/config"
	"github.com/kilnworks/tally/pkg/crypto"
	"github.com/kilnworks/tally/pkg/event"
	"github.com/kilnworks/tally/pkg/eventstore"
	"github.com/kilnworks/tally/pkg/notify"
	"github.com/kilnworks/tally/pkg/observability"
	"github.com/kilnworks/tally/pkg/outbox"
	"github.com/kilnworks/tally/pkg/projection"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver for local runs
)

const (
	relayInterval   = 500 * time.Millisecond
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Stderr.WriteString("tallyd: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "tallyd",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = obs.Shutdown(shCtx)
	}()

	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	cipher, err := crypto.NewTenantCipher([]byte(cfg.MasterSecret))
	if err != nil {
		return err
	}

	events := eventstore.New(db, cipher)
	outboxStore := outbox.New(db)
	readModels := projection.NewReadModelStore(db)
	for _, init := range []func(context.Context) error{events.Init, outboxStore.Init, readModels.Init} {
		if err := init(ctx); err != nil {
			return err
		}
	}

	topics := bus.DefaultTopics().WithOverrides(cfg.TaskEventsTopic, cfg.BillingEventsTopic, cfg.DeadLetterTopic)
	busCfg := bus.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		ClientID: cfg.ClientID,
		Group:    cfg.ConsumerGroup,
	}

	producer := bus.NewProducer(busCfg)
	if err := producer.Connect(ctx); err != nil {
		return err
	}
	defer producer.Close()

	consumer := bus.NewConsumer(busCfg, topics, log)
	if err := consumer.Connect(ctx); err != nil {
		return err
	}
	defer consumer.Close()

	hub := notify.NewHub(log)
	defer hub.Close()

	proj := projection.NewService(readModels, cipher, hub, producer, topics, log)
	if err := proj.Register(&tracedSubscriber{consumer: consumer, obs: obs}); err != nil {
		return err
	}

	relay := outbox.NewRelay(outboxStore, producer, topics.DeadLetter, log)
	go relay.Run(ctx, relayInterval)

	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("consumer stopped", "err", err)
			stop()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shCtx)
}

// tracedSubscriber opens a span around every projection handler call.
type tracedSubscriber struct {
	consumer *bus.Consumer
	obs      *observability.Provider
}

func (t *tracedSubscriber) Subscribe(topic string, h bus.Handler) error {
	return t.consumer.Subscribe(topic, func(ctx context.Context, env *event.Envelope) error {
		ctx, done := t.obs.TrackOperation(ctx, "projection.handle "+topic)
		err := h(ctx, env)
		done(err)
		return err
	})
}
