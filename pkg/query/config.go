package query

import (
	"context"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/blockchain-for/blockstream-electrs/pkg/logging"
	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeEmbedded = "embedded"
)

// Config holds query service configuration.
type Config struct {
	Mode     string `mapstructure:"mode"` // disabled, embedded
	LogLevel string `mapstructure:"log_level"`
}

// SetDefaults sets viper defaults for query configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}
	v.SetDefault(p+"mode", ModeEmbedded)
	v.SetDefault(p+"log_level", "")
}

// Services holds initialized query services.
type Services struct {
	Service *Service
	Routes  *Routes
}

// InitializeDeps holds dependencies for query initialization.
type InitializeDeps struct {
	Store   store.Store
	Mempool *mempool.Tracker
	Synced  func() bool
}

// Initialize creates the query service from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger, deps *InitializeDeps) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}
	queryLogger := logging.NewComponentLogger(logger, "query", c.LogLevel)

	service := NewService(deps.Store, deps.Mempool, queryLogger)
	if deps.Synced != nil {
		service = service.WithSyncedFn(deps.Synced)
	}

	return &Services{
		Service: service,
		Routes:  NewRoutes(service),
	}, nil
}
