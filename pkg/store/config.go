package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeEmbedded = "embedded"
)

// Provider constants
const (
	ProviderBadger = "badger"
)

// Config holds store configuration.
type Config struct {
	Mode     string       `mapstructure:"mode"`     // disabled, embedded
	Provider string       `mapstructure:"provider"` // badger
	Badger   BadgerConfig `mapstructure:"badger"`   // Badger-specific config
}

// BadgerConfig holds Badger-specific configuration
type BadgerConfig struct {
	Path     string `mapstructure:"path"`      // Path to database directory
	InMemory bool   `mapstructure:"in_memory"` // Use in-memory storage
}

// SetDefaults sets viper defaults for store configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}
	v.SetDefault(p+"mode", ModeEmbedded)
	v.SetDefault(p+"provider", ProviderBadger)
	v.SetDefault(p+"badger.path", "~/.electrs/index")
	v.SetDefault(p+"badger.in_memory", false)
}

// Services holds initialized store services.
type Services struct {
	Store Store
}

// Initialize creates a Store from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	switch c.Provider {
	case ProviderBadger, "":
		store, err := NewBadgerStore(&c.Badger, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize badger store: %w", err)
		}
		return &Services{Store: store}, nil

	default:
		return nil, fmt.Errorf("unknown store provider: %s", c.Provider)
	}
}

// Close closes the store.
func (s *Services) Close() error {
	if s != nil && s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
