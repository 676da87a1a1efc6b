package mempool

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/blockchain-for/blockstream-electrs/pkg/logging"
	"github.com/blockchain-for/blockstream-electrs/pkg/node"
	"github.com/blockchain-for/blockstream-electrs/pkg/pubsub"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeEmbedded = "embedded"
)

// Config holds mempool tracker configuration.
type Config struct {
	Mode      string        `mapstructure:"mode"`       // disabled, embedded
	MaxCount  int           `mapstructure:"max_count"`  // entry bound, 0 = unbounded
	MaxAge    time.Duration `mapstructure:"max_age"`    // age bound, 0 = unbounded
	PollDelay time.Duration `mapstructure:"poll_delay"` // node poll interval
	LogLevel  string        `mapstructure:"log_level"`
}

// SetDefaults sets viper defaults for mempool configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}
	v.SetDefault(p+"mode", ModeEmbedded)
	v.SetDefault(p+"max_count", 100000)
	v.SetDefault(p+"max_age", "336h") // two weeks, matching bitcoind's default expiry
	v.SetDefault(p+"poll_delay", "1s")
	v.SetDefault(p+"log_level", "")
}

// Services holds initialized mempool services.
type Services struct {
	Tracker   *Tracker
	Refresher *Refresher
}

// InitializeDeps holds dependencies for mempool initialization.
type InitializeDeps struct {
	Resolver PrevOutResolver
	Source   node.MempoolSource
	Events   pubsub.PubSub
}

// Initialize creates mempool services from the configuration. Source may be
// nil, in which case no refresher is created and the overlay is fed by the
// caller.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger, deps *InitializeDeps) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}
	mempoolLogger := logging.NewComponentLogger(logger, "mempool", c.LogLevel)

	tracker := NewTracker(deps.Resolver, deps.Events, mempoolLogger).
		WithLimits(c.MaxCount, c.MaxAge)

	svc := &Services{Tracker: tracker}
	if deps.Source != nil {
		svc.Refresher = NewRefresher(tracker, deps.Source, c.PollDelay, mempoolLogger)
	}
	return svc, nil
}

// Start starts background services.
func (s *Services) Start(ctx context.Context) error {
	if s.Refresher != nil {
		return s.Refresher.Start(ctx)
	}
	return nil
}

// Close stops background services.
func (s *Services) Close() error {
	if s != nil && s.Refresher != nil {
		s.Refresher.Stop()
	}
	return nil
}
