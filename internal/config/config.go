// Package config provides centralized configuration for the quasard daemon.
// All chain parameters (maturity, dust, network magic) are defined here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Network Types
// =============================================================================

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// =============================================================================
// Chain Constants
// =============================================================================

const (
	// CoinbaseMaturity is the number of confirmations before a coinbase
	// output becomes spendable.
	CoinbaseMaturity = 100

	// DustThreshold is the minimum output value considered relayable, in
	// satoshi.
	DustThreshold = 546
)

// ChainParams returns the btcd chain parameters for a network.
func ChainParams(network Network) *chaincfg.Params {
	if network == Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// =============================================================================
// Daemon Configuration
// =============================================================================

// ElectrumConfig configures the Electrum server connection.
type ElectrumConfig struct {
	// Servers in "host:port" form, tried in order.
	Servers []string `yaml:"servers"`
	UseTLS  bool     `yaml:"use_tls"`

	// Timeout in seconds for a single RPC round-trip.
	Timeout int `yaml:"timeout,omitempty"`
}

// OverlayConfig configures the optional token-overlay daemon.
type OverlayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host,omitempty"` // JSON-RPC URL
	User    string `yaml:"user,omitempty"`
	Pass    string `yaml:"pass,omitempty"`

	// PropertyID selects which overlay token balances are reported for.
	PropertyID int64 `yaml:"property_id,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Network  Network        `yaml:"network"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
	Electrum ElectrumConfig `yaml:"electrum"`
	Overlay  OverlayConfig  `yaml:"overlay"`

	// Watch lists wallet addresses to track.
	Watch []string `yaml:"watch,omitempty"`

	// SyncInterval between address history polls, in seconds.
	SyncInterval int `yaml:"sync_interval,omitempty"`
}

// Default returns a configuration with sane defaults.
func Default() *Config {
	return &Config{
		Network:  Mainnet,
		DataDir:  "~/.quasard",
		LogLevel: "info",
		Electrum: ElectrumConfig{
			Servers: []string{"electrum.blockstream.info:50002"},
			UseTLS:  true,
			Timeout: 30,
		},
		SyncInterval: 30,
	}
}

// Load reads configuration from a YAML file, applying defaults for
// missing fields. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Network != Mainnet && c.Network != Testnet {
		return fmt.Errorf("unknown network: %q", c.Network)
	}
	if len(c.Electrum.Servers) == 0 {
		return fmt.Errorf("no electrum servers configured")
	}
	if c.Overlay.Enabled && c.Overlay.Host == "" {
		return fmt.Errorf("overlay enabled but no host configured")
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30
	}
	return nil
}

// SyncIntervalDuration returns the poll interval as a duration.
func (c *Config) SyncIntervalDuration() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// ExpandDataDir expands ~ in the data directory path.
func (c *Config) ExpandDataDir() string {
	path := c.DataDir
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
