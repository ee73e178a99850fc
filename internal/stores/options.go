package stores

import (
	"log/slog"

	"github.com/roach88/flowsync/internal/clock"
)

type config struct {
	clock  clock.Clock
	ids    IDGenerator
	logger *slog.Logger
	schema *Schema
}

// Option configures a store.
type Option func(*config)

// WithClock sets the clock used for LastUpdated stamps.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithIDGenerator sets the id source for new workflow records.
func WithIDGenerator(g IDGenerator) Option {
	return func(cfg *config) {
		cfg.ids = g
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = l
	}
}

// WithSchema replaces the embedded record schema.
func WithSchema(s *Schema) Option {
	return func(cfg *config) {
		cfg.schema = s
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		clock: clock.Real(),
		ids:   UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.schema == nil {
		cfg.schema = builtinSchema()
	}
	return cfg
}
