// Package config loads service configuration from the environment. The
// master secret has no default and must be provided; everything else
// defaults to a workable local setup.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// MasterSecret seeds per-tenant key derivation. Rotating it makes
	// every previously written payload unreadable, so treat it like the
	// database itself.
	MasterSecret string `env:"TALLY_MASTER_SECRET"`

	DatabaseDriver string `env:"TALLY_DB_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"TALLY_DATABASE_URL" envDefault:"postgres://localhost:5432/tally?sslmode=disable"`

	RedisAddr     string `env:"TALLY_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"TALLY_REDIS_PASSWORD"`
	RedisDB       int    `env:"TALLY_REDIS_DB" envDefault:"0"`

	ClientID      string `env:"TALLY_CLIENT_ID" envDefault:"tallyd"`
	ConsumerGroup string `env:"TALLY_CONSUMER_GROUP" envDefault:"tally-projection"`

	TaskEventsTopic    string `env:"TALLY_TOPIC_TASK_EVENTS"`
	BillingEventsTopic string `env:"TALLY_TOPIC_BILLING_EVENTS"`
	DeadLetterTopic    string `env:"TALLY_TOPIC_DLQ"`

	ListenAddr string `env:"TALLY_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"TALLY_LOG_LEVEL" envDefault:"info"`

	OTLPEndpoint string `env:"TALLY_OTLP_ENDPOINT"`
}

// Load parses the environment and validates the parts that have no sane
// default.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("config: TALLY_MASTER_SECRET is required")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("config: unsupported db driver %q", cfg.DatabaseDriver)
	}
	return cfg, nil
}
