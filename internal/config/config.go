// Package config holds the daemon configuration for opendexd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Network represents the network the daemon runs on.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkSimnet  Network = "simnet"
)

// Config holds all configuration for the opendex daemon.
type Config struct {
	// Network is the network to run on (mainnet, testnet, simnet).
	Network Network `yaml:"network"`

	P2P     P2PConfig     `yaml:"p2p"`
	RPC     RPCConfig     `yaml:"rpc"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Swaps   SwapsConfig   `yaml:"swaps"`

	// Lnd holds per-currency lnd client settings, keyed by currency symbol.
	Lnd map[string]*LndConfig `yaml:"lnd,omitempty"`

	// Connext holds the connext client settings shared by all
	// hashlock-transfer currencies.
	Connext *ConnextConfig `yaml:"connext,omitempty"`
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// AdvertisedAddrs are host:port addresses announced to peers in the
	// handshake. Defaults to the listen addresses when empty.
	AdvertisedAddrs []string `yaml:"advertised_addrs"`

	// NoListen disables inbound connections entirely.
	NoListen bool `yaml:"no_listen"`

	// Tor allows connecting to onion addresses. When disabled, outbound
	// connections to onion addresses are rejected.
	Tor bool `yaml:"tor"`

	// EnableDHT enables Kademlia DHT assisted peer address discovery.
	EnableDHT bool `yaml:"enable_dht"`

	// HandshakeTimeout bounds the Hello exchange on a new connection.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// PingInterval is how often idle peers are pinged.
	PingInterval time.Duration `yaml:"ping_interval"`

	// RetryInitialDelay and RetryMaxDelay bound the outbound reconnect
	// backoff.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
}

// RPCConfig holds the JSON-RPC server settings.
type RPCConfig struct {
	// Addr is the host:port the JSON-RPC and websocket server binds to.
	Addr string `yaml:"addr"`

	// Disable turns the RPC server off.
	Disable bool `yaml:"disable"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// SwapsConfig holds swap engine settings.
type SwapsConfig struct {
	// CompletionTimeout bounds how long a deal may sit in a single phase
	// before it is handed to recovery.
	CompletionTimeout time.Duration `yaml:"completion_timeout"`

	// RecoveryInterval is how often pending deals are re-checked.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// LndConfig holds the settings for one lnd REST endpoint.
type LndConfig struct {
	// Disable turns this swap client off without removing the currency.
	Disable bool `yaml:"disable"`

	// Host is the lnd REST base URL, e.g. https://127.0.0.1:8080.
	Host string `yaml:"host"`

	// MacaroonPath is the path to the admin macaroon file. Empty when the
	// endpoint does not require one (nomacaroons).
	MacaroonPath string `yaml:"macaroon_path"`

	// CltvDelta is the timelock budget offered on incoming HTLCs for this
	// currency, in blocks.
	CltvDelta uint32 `yaml:"cltv_delta"`
}

// ConnextConfig holds the settings for the connext REST endpoint.
type ConnextConfig struct {
	Disable bool `yaml:"disable"`

	// Host is the connext node base URL.
	Host string `yaml:"host"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkMainnet,
		P2P: P2PConfig{
			ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/8885"},
			Tor:               false,
			EnableDHT:         false,
			HandshakeTimeout:  15 * time.Second,
			PingInterval:      30 * time.Second,
			RetryInitialDelay: time.Second,
			RetryMaxDelay:     5 * time.Minute,
		},
		RPC: RPCConfig{
			Addr: "127.0.0.1:8886",
		},
		Storage: StorageConfig{
			DataDir: "~/.opendex",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Swaps: SwapsConfig{
			CompletionTimeout: time.Minute,
			RecoveryInterval:  5 * time.Minute,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "opendex.yaml"

// Load loads configuration from the YAML file in dataDir, creating a
// default file on first run.
func Load(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	switch c.Network {
	case NetworkMainnet, NetworkTestnet, NetworkSimnet:
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}

	if len(c.P2P.ListenAddrs) == 0 && !c.P2P.NoListen {
		return fmt.Errorf("p2p.listen_addrs must not be empty unless no_listen is set")
	}

	if c.P2P.RetryInitialDelay <= 0 || c.P2P.RetryMaxDelay < c.P2P.RetryInitialDelay {
		return fmt.Errorf("invalid p2p retry delays")
	}

	for symbol, lnd := range c.Lnd {
		if lnd.Host == "" && !lnd.Disable {
			return fmt.Errorf("lnd.%s.host must be set", symbol)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# opendexd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
