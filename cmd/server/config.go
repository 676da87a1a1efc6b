package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	"github.com/blockchain-for/blockstream-electrs/pkg/chain"
	"github.com/blockchain-for/blockstream-electrs/pkg/index"
	"github.com/blockchain-for/blockstream-electrs/pkg/mempool"
	"github.com/blockchain-for/blockstream-electrs/pkg/node"
	"github.com/blockchain-for/blockstream-electrs/pkg/pubsub"
	"github.com/blockchain-for/blockstream-electrs/pkg/query"
	"github.com/blockchain-for/blockstream-electrs/pkg/store"
)

// Config holds the complete server configuration
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Core services - these are the shared dependencies
	Store  store.Config  `mapstructure:"store"`
	PubSub pubsub.Config `mapstructure:"pubsub"`
	Node   node.Config   `mapstructure:"node"`

	// Ingestion
	Mempool mempool.Config `mapstructure:"mempool"`
	Chain   chain.Config   `mapstructure:"chain"`

	// Read side
	Query query.Config `mapstructure:"query"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	BasePath string `mapstructure:"base_path"`
}

// Services holds all initialized services
type Services struct {
	Store   *store.Services
	PubSub  *pubsub.Services
	Node    *node.Services
	Mempool *mempool.Services
	Chain   *chain.Services
	Query   *query.Services
}

// SetDefaults configures viper defaults for all settings
func (c *Config) SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.base_path", "/api")

	// Cascade to package configs
	c.Store.SetDefaults(v, "store")
	c.PubSub.SetDefaults(v, "pubsub")
	c.Node.SetDefaults(v, "node")
	c.Mempool.SetDefaults(v, "mempool")
	c.Chain.SetDefaults(v, "chain")
	c.Query.SetDefaults(v, "query")
}

// Initialize creates all services from the configuration
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Services{}

	// Store is foundational - everything else reads or writes it
	storeSvc, err := c.Store.Initialize(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	svc.Store = storeSvc

	pubsubSvc, err := c.PubSub.Initialize(ctx, logger)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	svc.PubSub = pubsubSvc

	nodeSvc, err := c.Node.Initialize(ctx, logger)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to initialize node: %w", err)
	}
	svc.Node = nodeSvc

	var events pubsub.PubSub
	if svc.PubSub != nil {
		events = svc.PubSub.PubSub
	}

	// Mempool resolves confirmed prevouts against the store
	if c.Mempool.Mode != mempool.ModeDisabled && svc.Store != nil {
		deps := &mempool.InitializeDeps{
			Resolver: index.NewOutputResolver(storeSvc.Store),
			Events:   events,
		}
		if svc.Node != nil {
			deps.Source = svc.Node.Client
		}
		mempoolSvc, err := c.Mempool.Initialize(ctx, logger, deps)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to initialize mempool: %w", err)
		}
		svc.Mempool = mempoolSvc
	}

	// Chain ingestion needs a block source
	if c.Chain.Mode != chain.ModeDisabled && svc.Store != nil && svc.Node != nil {
		deps := &chain.InitializeDeps{
			Store:  storeSvc.Store,
			Source: svc.Node.Client,
			Events: events,
		}
		if svc.Mempool != nil {
			deps.Mempool = svc.Mempool.Tracker
		}
		chainSvc, err := c.Chain.Initialize(ctx, logger, deps)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to initialize chain: %w", err)
		}
		svc.Chain = chainSvc
	}

	if c.Query.Mode != query.ModeDisabled && svc.Store != nil {
		deps := &query.InitializeDeps{Store: storeSvc.Store}
		if svc.Mempool != nil {
			deps.Mempool = svc.Mempool.Tracker
		}
		if svc.Chain != nil {
			deps.Synced = svc.Chain.Tracker.Synced
		}
		querySvc, err := c.Query.Initialize(ctx, logger, deps)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("failed to initialize query: %w", err)
		}
		svc.Query = querySvc
	}

	return svc, nil
}

// Start starts background ingestion services
func (svc *Services) Start(ctx context.Context) error {
	if svc.Chain != nil {
		if err := svc.Chain.Start(ctx); err != nil {
			return fmt.Errorf("failed to start chain sync: %w", err)
		}
	}
	if svc.Mempool != nil {
		if err := svc.Mempool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mempool refresh: %w", err)
		}
	}
	return nil
}

// RegisterRoutes registers all HTTP routes on the Fiber app
func (c *Config) RegisterRoutes(app *fiber.App, svc *Services) {
	api := app.Group(c.Server.BasePath)

	if svc.Query != nil && svc.Query.Routes != nil {
		svc.Query.Routes.Register(api)
	}

	if svc.PubSub != nil && svc.PubSub.Routes != nil {
		sseGroup := api.Group("/subscribe")
		svc.PubSub.Routes.Register(sseGroup)
	}

	// Health check endpoint
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
}

// Close closes all services
func (svc *Services) Close() error {
	var errs []error

	// Close in reverse order of initialization
	if svc.Chain != nil {
		if err := svc.Chain.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chain close: %w", err))
		}
	}

	if svc.Mempool != nil {
		if err := svc.Mempool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mempool close: %w", err))
		}
	}

	if svc.PubSub != nil {
		if err := svc.PubSub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close: %w", err))
		}
	}

	if svc.Store != nil {
		if err := svc.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// LoadConfig loads configuration from file and environment.
// Configuration is loaded from YAML files in order of precedence:
// 1. Explicit configPath argument (if provided)
// 2. ./config.yaml
// 3. ~/.electrs/config.yaml
// 4. /etc/electrs/config.yaml
// Environment variables with prefix ELECTRS_ override config file values.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	cfg := &Config{}
	cfg.SetDefaults(v)

	// Configure viper
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.SetEnvPrefix("ELECTRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		// Explicit path provided
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Search in standard locations (order of precedence)
		v.AddConfigPath(".")              // Current directory
		v.AddConfigPath("$HOME/.electrs") // User home directory
		v.AddConfigPath("/etc/electrs")   // System directory

		// Attempt to read config, ignore if not found
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// Config file not found - use defaults
		}
	}

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
