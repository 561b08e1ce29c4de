package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Network != NetworkMainnet {
		t.Errorf("Network = %v, want %v", cfg.Network, NetworkMainnet)
	}
	if cfg.P2P.HandshakeTimeout != 15*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 15s", cfg.P2P.HandshakeTimeout)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestLoadExistingConfig(t *testing.T) {
	dir := t.TempDir()

	content := `network: simnet
p2p:
  listen_addrs:
    - /ip4/127.0.0.1/tcp/18885
  retry_initial_delay: 1s
  retry_max_delay: 5m
rpc:
  addr: 127.0.0.1:18886
lnd:
  BTC:
    host: https://127.0.0.1:8080
    cltv_delta: 40
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Network != NetworkSimnet {
		t.Errorf("Network = %v, want simnet", cfg.Network)
	}
	if cfg.RPC.Addr != "127.0.0.1:18886" {
		t.Errorf("RPC.Addr = %v", cfg.RPC.Addr)
	}
	if cfg.Lnd["BTC"] == nil || cfg.Lnd["BTC"].CltvDelta != 40 {
		t.Errorf("Lnd BTC config not parsed: %+v", cfg.Lnd["BTC"])
	}
	// Unset fields keep their defaults.
	if cfg.P2P.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.P2P.PingInterval)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.Network = "regtest"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown network")
	}

	cfg = DefaultConfig()
	cfg.Lnd = map[string]*LndConfig{"BTC": {}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for lnd config without host")
	}
	cfg.Lnd["BTC"].Disable = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled lnd without host should validate: %v", err)
	}

	cfg = DefaultConfig()
	cfg.P2P.ListenAddrs = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty listen addrs")
	}
	cfg.P2P.NoListen = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("no_listen with empty addrs should validate: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("p2p: ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/.opendex"); got != filepath.Join(home, ".opendex") {
		t.Errorf("ExpandPath = %v", got)
	}
	if got := ExpandPath("/var/opendex"); got != "/var/opendex" {
		t.Errorf("ExpandPath = %v", got)
	}
}
