package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeChannels = "channels"
)

// Config holds pubsub configuration.
type Config struct {
	Mode string `mapstructure:"mode"` // disabled, channels
}

// SetDefaults sets viper defaults for pubsub configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}
	v.SetDefault(p+"mode", ModeChannels)
}

// Services holds the initialized pubsub.
type Services struct {
	PubSub PubSub
	SSE    *SSEManager
	Routes *Routes
}

// Initialize creates the pubsub from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	switch c.Mode {
	case ModeChannels:
		ps := NewChannelPubSub(logger)
		sse := NewSSEManager(ctx, ps, logger)
		return &Services{
			PubSub: ps,
			SSE:    sse,
			Routes: NewRoutes(sse),
		}, nil
	default:
		return nil, fmt.Errorf("unknown pubsub mode: %s", c.Mode)
	}
}

// Close closes the pubsub.
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	if s.SSE != nil {
		s.SSE.Stop()
	}
	if s.PubSub != nil {
		return s.PubSub.Close()
	}
	return nil
}
