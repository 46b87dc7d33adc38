// Package node provides the libp2p transport behind the swap room.
package node

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
)

// Network-specific prefixes keep mainnet, testnet and regtest peers apart.
const (
	dhtPrefix   = "/swapd"
	discoveryNS = "swapd"
	roomTopic   = "/swapd/room/1.0.0"
)

// Config holds all configuration for the P2P node.
type Config struct {
	// Identity
	Identity IdentityConfig `yaml:"identity"`

	// Network settings
	Network NetworkConfig `yaml:"network"`

	// DataDir is where a relative identity key file is resolved. Set by the
	// daemon config, not read from yaml.
	DataDir string `yaml:"-"`

	// Chain network, also set by the daemon config.
	Chain chain.Network `yaml:"-"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.Chain == chain.Mainnet || c.Chain == "" {
		return dhtPrefix
	}
	return dhtPrefix + "-" + string(c.Chain)
}

// DiscoveryNamespace returns the discovery namespace for the configured network.
func (c *Config) DiscoveryNamespace() string {
	if c.Chain == "" {
		return discoveryNS + "-" + string(chain.Mainnet)
	}
	return discoveryNS + "-" + string(c.Chain)
}

// RoomTopic returns the gossipsub topic every swap peer joins.
func (c *Config) RoomTopic() string {
	if c.Chain == chain.Mainnet || c.Chain == "" {
		return roomTopic
	}
	return roomTopic + "/" + string(c.Chain)
}

// KeyPath returns the absolute identity key path.
func (c *Config) KeyPath() string {
	keyPath := expandPath(c.Identity.KeyFile)
	if filepath.IsAbs(keyPath) {
		return keyPath
	}
	return filepath.Join(expandPath(c.DataDir), keyPath)
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// KeyFile is the path to the node's private key file.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are the initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local peer discovery via mDNS.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for peer discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// EnableRelay enables circuit relay for NAT traversal.
	EnableRelay bool `yaml:"enable_relay"`

	// EnableNAT enables NAT port mapping (UPnP/NAT-PMP).
	EnableNAT bool `yaml:"enable_nat"`

	// EnableHolePunching enables direct connection establishment through NAT.
	EnableHolePunching bool `yaml:"enable_hole_punching"`

	// ConnectionManager settings
	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	// LowWater is the minimum number of connections to maintain.
	LowWater int `yaml:"low_water"`

	// HighWater is the maximum number of connections before pruning.
	HighWater int `yaml:"high_water"`

	// GracePeriod is how long to wait before closing new connections.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/udp/4101/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Chain: chain.Mainnet,
	}
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
