// Package config holds the node configuration surface from spec §6,
// loaded through viper (flags > env > config file > defaults) the way
// gochain wires cobra+viper for its node command.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Network selects the address prefix, bootstrap seeds and genesis block.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Devnet  Network = "devnet"
)

// Config is the full set of enumerated options from spec §6.
type Config struct {
	Network Network `mapstructure:"network"`
	DataDir string  `mapstructure:"data_dir"`

	TargetBlockTimeSeconds     int64 `mapstructure:"target_block_time_seconds"`
	DifficultyAdjustmentWindow int64 `mapstructure:"difficulty_adjustment_window"`
	MaxBlockBytes              int64 `mapstructure:"max_block_bytes"`

	MaxPeers             int `mapstructure:"max_peers"`
	MaxPeersPerPrefix    int `mapstructure:"max_peers_per_prefix"`
	MaxPeersPerASN       int `mapstructure:"max_peers_per_asn"`

	CheckpointInterval int64 `mapstructure:"checkpoint_interval"`
	MaxCheckpoints     int   `mapstructure:"max_checkpoints"`

	MempoolTTLSeconds     int64 `mapstructure:"mempool_ttl_seconds"`
	P2PRateLimitPerMinute int   `mapstructure:"p2p_rate_limit_per_minute"`

	PeerAPIKey string `mapstructure:"peer_api_key"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration defaults named in spec §6.
func Default() *Config {
	return &Config{
		Network:                    Mainnet,
		DataDir:                    "./data",
		TargetBlockTimeSeconds:     60,
		DifficultyAdjustmentWindow: 2016,
		MaxBlockBytes:              1 << 20,
		MaxPeers:                   50,
		MaxPeersPerPrefix:          8,
		MaxPeersPerASN:             16,
		CheckpointInterval:         1000,
		MaxCheckpoints:             10,
		MempoolTTLSeconds:          259200,
		P2PRateLimitPerMinute:      30,
		LogLevel:                   "info",
	}
}

// Load builds a viper instance seeded with defaults, then layers an
// optional config file and XAI_-prefixed environment variables over it.
// Flags are expected to already be bound into v by the caller (cobra
// command setup) before Load is called.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	def := Default()
	v.SetDefault("network", string(def.Network))
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("target_block_time_seconds", def.TargetBlockTimeSeconds)
	v.SetDefault("difficulty_adjustment_window", def.DifficultyAdjustmentWindow)
	v.SetDefault("max_block_bytes", def.MaxBlockBytes)
	v.SetDefault("max_peers", def.MaxPeers)
	v.SetDefault("max_peers_per_prefix", def.MaxPeersPerPrefix)
	v.SetDefault("max_peers_per_asn", def.MaxPeersPerASN)
	v.SetDefault("checkpoint_interval", def.CheckpointInterval)
	v.SetDefault("max_checkpoints", def.MaxCheckpoints)
	v.SetDefault("mempool_ttl_seconds", def.MempoolTTLSeconds)
	v.SetDefault("p2p_rate_limit_per_minute", def.P2PRateLimitPerMinute)
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("XAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate a spec invariant.
func (c *Config) Validate() error {
	switch c.Network {
	case Mainnet, Testnet, Devnet:
	default:
		return fmt.Errorf("config: invalid network %q", c.Network)
	}
	if c.TargetBlockTimeSeconds <= 0 {
		return fmt.Errorf("config: target_block_time_seconds must be positive")
	}
	if c.DifficultyAdjustmentWindow <= 0 {
		return fmt.Errorf("config: difficulty_adjustment_window must be positive")
	}
	if c.MaxBlockBytes <= 0 {
		return fmt.Errorf("config: max_block_bytes must be positive")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("config: max_peers must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir cannot be empty")
	}
	return nil
}

// AddressPrefix returns the display-string prefix for addresses on this
// network, per spec §3 ("mainnet XAI, testnet TXAI").
func (n Network) AddressPrefix() string {
	switch n {
	case Testnet:
		return "TXAI"
	case Devnet:
		return "DXAI"
	default:
		return "XAI"
	}
}
