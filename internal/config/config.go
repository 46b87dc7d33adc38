// Package config holds the daemon configuration: one yaml file in the data
// directory covering the network, both chains, the swap timings, the room
// transport and the RPC listener.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/evm"
	"github.com/klingon-exchange/swapd/internal/flow"
	"github.com/klingon-exchange/swapd/internal/node"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// Defaults
const (
	ConfigFileName = "config.yaml"
	DefaultDataDir = "~/.swapd"
	SeedFileName   = "seed.json"
)

// Config is the daemon configuration.
type Config struct {
	// Network selects mainnet, testnet or regtest for both chains.
	Network chain.Network `yaml:"network"`

	// DataDir holds the config file, database, node key and seed. It comes
	// from the command line, not the file.
	DataDir string `yaml:"-"`

	Logging  LoggingConfig  `yaml:"logging"`
	Node     *node.Config   `yaml:"node"`
	Bitcoin  BitcoinConfig  `yaml:"bitcoin"`
	Ethereum EthereumConfig `yaml:"ethereum"`
	Swap     flow.Settings  `yaml:"swap"`
	RPC      RPCConfig      `yaml:"rpc"`
	Wallet   WalletConfig   `yaml:"wallet"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// BitcoinConfig holds the UTXO leg settings.
type BitcoinConfig struct {
	Backend backend.Config `yaml:"backend"`

	// FixedFee is reserved by every fund, redeem and refund, in satoshis.
	FixedFee int64 `yaml:"fixed_fee"`

	// Account and Index select the wallet key used for swaps.
	Account uint32 `yaml:"account"`
	Index   uint32 `yaml:"index"`
}

// EthereumConfig holds the account leg settings.
type EthereumConfig struct {
	evm.Config `yaml:",inline"`

	// Account and Index select the wallet key used for swaps, independent
	// of the Bitcoin key.
	Account uint32 `yaml:"account"`
	Index   uint32 `yaml:"index"`
}

// RPCConfig holds the JSON-RPC listener settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// WalletConfig holds key custody settings.
type WalletConfig struct {
	// SeedFile is the encrypted mnemonic, relative to the data dir unless
	// absolute.
	SeedFile string `yaml:"seed_file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Mainnet,
		DataDir: DefaultDataDir,
		Logging: LoggingConfig{
			Level: "info",
		},
		Node: node.DefaultConfig(),
		Bitcoin: BitcoinConfig{
			Backend:  backend.DefaultConfig(),
			FixedFee: swap.DefaultFixedFee,
		},
		Ethereum: EthereumConfig{Config: evm.DefaultConfig()},
		Swap:     flow.DefaultSettings(),
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:4180",
		},
		Wallet: WalletConfig{
			SeedFile: SeedFileName,
		},
	}
}

// Validate checks values the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if _, err := chain.Get(c.Network); err != nil {
		errs = append(errs, err)
	}
	if c.Bitcoin.FixedFee <= 0 {
		errs = append(errs, fmt.Errorf("bitcoin.fixed_fee must be positive, got %d", c.Bitcoin.FixedFee))
	}
	if c.Bitcoin.Backend.URL(c.Network) == "" {
		errs = append(errs, fmt.Errorf("bitcoin.backend has no url for %s", c.Network))
	}
	if c.Swap.LockWindow > 0 && c.Swap.MinLockMargin >= c.Swap.LockWindow {
		errs = append(errs, fmt.Errorf("swap.min_lock_margin (%s) must be shorter than swap.lock_window (%s)",
			c.Swap.MinLockMargin, c.Swap.LockWindow))
	}
	if c.RPC.Enabled && c.RPC.Listen == "" {
		errs = append(errs, errors.New("rpc.listen is required when rpc is enabled"))
	}
	if c.Node == nil {
		errs = append(errs, errors.New("node section is missing"))
	}
	return errors.Join(errs...)
}

// ChainParams returns the parameters of the configured network.
func (c *Config) ChainParams() (*chain.Params, error) {
	return chain.Get(c.Network)
}

// NodeConfig returns the transport config bound to this data dir and network.
func (c *Config) NodeConfig() *node.Config {
	cfg := *c.Node
	cfg.DataDir = c.DataDir
	cfg.Chain = c.Network
	return &cfg
}

// StorageConfig returns the database config.
func (c *Config) StorageConfig() *storage.Config {
	return &storage.Config{DataDir: c.DataDir}
}

// SeedPath returns the absolute path of the encrypted seed.
func (c *Config) SeedPath() string {
	p := expandPath(c.Wallet.SeedFile)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(expandPath(c.DataDir), p)
}

// LoadConfig loads dataDir/config.yaml. If the file doesn't exist, it
// creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.DataDir = dataDir
	if cfg.Node == nil {
		cfg.Node = node.DefaultConfig()
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# swapd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
