package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/blockchain-for/blockstream-electrs/pkg/logging"
)

// Mode constants
const (
	ModeDisabled = "disabled"
	ModeRPC      = "rpc"
)

// Config holds node connection configuration.
type Config struct {
	Mode     string    `mapstructure:"mode"` // disabled, rpc
	RPC      RPCConfig `mapstructure:"rpc"`
	LogLevel string    `mapstructure:"log_level"`
}

// RPCConfig holds bitcoind JSON-RPC settings. If CookiePath is set it takes
// precedence over user/pass.
type RPCConfig struct {
	URL        string        `mapstructure:"url"`
	User       string        `mapstructure:"user"`
	Pass       string        `mapstructure:"pass"`
	CookiePath string        `mapstructure:"cookie_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SetDefaults sets viper defaults for node configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}
	v.SetDefault(p+"mode", ModeRPC)
	v.SetDefault(p+"rpc.url", "http://127.0.0.1:8332")
	v.SetDefault(p+"rpc.user", "")
	v.SetDefault(p+"rpc.pass", "")
	v.SetDefault(p+"rpc.cookie_path", "~/.bitcoin/.cookie")
	v.SetDefault(p+"rpc.timeout", "30s")
	v.SetDefault(p+"log_level", "")
}

// Services holds the initialized node client.
type Services struct {
	Client *RPCClient
}

// Initialize creates the node client from the configuration.
func (c *Config) Initialize(ctx context.Context, logger *slog.Logger) (*Services, error) {
	if c.Mode == ModeDisabled {
		return nil, nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	switch c.Mode {
	case ModeRPC:
		nodeLogger := logging.NewComponentLogger(logger, "node", c.LogLevel)
		return &Services{Client: NewRPCClient(&c.RPC, nodeLogger)}, nil
	default:
		return nil, fmt.Errorf("unknown node mode: %s", c.Mode)
	}
}
