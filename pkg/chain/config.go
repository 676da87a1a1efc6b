package chain

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/blockchain-for/blockstream-electrs/pkg/index"
	"github.com/blockchain-for/blockstream-electrs/pkg/logging"
	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/node"
	"github.com/blockchain-for/blockstream-electrs/pkg/pubsub"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeEmbedded = "embedded"
)

// Config holds chain tracking and indexing configuration.
type Config struct {
	Mode          string        `mapstructure:"mode"`            // disabled, embedded
	MaxReorgDepth uint32        `mapstructure:"max_reorg_depth"` // rollback bound
	Concurrency   int           `mapstructure:"concurrency"`     // per-tx derivation parallelism
	PollDelay     time.Duration `mapstructure:"poll_delay"`      // new-block poll interval
	LogLevel      string        `mapstructure:"log_level"`
}

// SetDefaults sets viper defaults for chain configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}
	v.SetDefault(p+"mode", ModeEmbedded)
	v.SetDefault(p+"max_reorg_depth", 100)
	v.SetDefault(p+"concurrency", 8)
	v.SetDefault(p+"poll_delay", "5s")
	v.SetDefault(p+"log_level", "")
}

// Services holds initialized chain services.
type Services struct {
	Builder *index.Builder
	Tracker *Tracker
	Syncer  *Syncer
}

// InitializeDeps holds dependencies for chain initialization.
type InitializeDeps struct {
	Store   store.Store
	Source  node.BlockSource
	Mempool *mempool.Tracker
	Events  pubsub.PubSub
}

// Initialize creates chain services from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger, deps *InitializeDeps) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}
	chainLogger := logging.NewComponentLogger(logger, "chain", c.LogLevel)

	builder := index.NewBuilder(deps.Store, chainLogger).WithConcurrency(c.Concurrency)

	tracker := NewTracker(deps.Store, deps.Source, builder, chainLogger).
		WithMaxReorgDepth(c.MaxReorgDepth)
	if deps.Mempool != nil {
		tracker = tracker.WithMempool(deps.Mempool)
	}
	if deps.Events != nil {
		tracker = tracker.WithEvents(deps.Events)
	}

	return &Services{
		Builder: builder,
		Tracker: tracker,
		Syncer:  NewSyncer(tracker, c.PollDelay, chainLogger),
	}, nil
}

// Start starts background services.
func (s *Services) Start(ctx context.Context) error {
	if s.Syncer != nil {
		return s.Syncer.Start(ctx)
	}
	return nil
}

// Close stops background services.
func (s *Services) Close() error {
	if s != nil && s.Syncer != nil {
		s.Syncer.Stop()
	}
	return nil
}
