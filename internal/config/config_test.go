package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Pool: PoolConfig{
			Name:           "Test Pool",
			Password:       "secret",
			RewardsAddress: "bcrt1qpool",
			Fee:            1.0,
			Ports:          []PortConfig{DefaultPort()},
		},
		Node: NodeConfig{
			Upstreams: []UpstreamConfig{{Name: "main", URL: "http://127.0.0.1:18443"}},
		},
		Wallet: WalletConfig{URL: "http://127.0.0.1:18443/wallet/pool"},
		Payment: PaymentConfig{
			Enabled:    true,
			Threshold:  1,
			MaxAddress: 50,
		},
		Stats: StatsConfig{Average: 10},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing password", func(c *Config) { c.Pool.Password = "" }, "pool.password is required"},
		{"missing rewards address", func(c *Config) { c.Pool.RewardsAddress = "" }, "pool.rewards_address is required"},
		{"negative fee", func(c *Config) { c.Pool.Fee = -1 }, "pool.fee must be between 0 and 100"},
		{"fee over 100", func(c *Config) { c.Pool.Fee = 101 }, "pool.fee must be between 0 and 100"},
		{"founder over remainder", func(c *Config) { c.Pool.FounderReward = 100 }, "pool.founder_reward must be"},
		{"duplicate port", func(c *Config) {
			c.Pool.Ports = append(c.Pool.Ports, DefaultPort())
		}, "duplicate port"},
		{"zero difficulty", func(c *Config) { c.Pool.Ports[0].Difficulty = 0 }, "must be >= 1"},
		{"no upstreams", func(c *Config) { c.Node.Upstreams = nil }, "node.upstreams requires"},
		{"payments without wallet", func(c *Config) { c.Wallet.URL = "" }, "wallet.url is required"},
		{"payments disabled without wallet", func(c *Config) {
			c.Payment.Enabled = false
			c.Wallet.URL = ""
		}, ""},
		{"zero max address", func(c *Config) { c.Payment.MaxAddress = 0 }, "payment.max_address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want %q", err, tt.errMsg)
			}
		})
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
pool:
  name: "Test Pool"
  password: "secret"
  rewards_address: "bcrt1qpool"
  fee: 2.5
  ports:
    - port: 3008
      difficulty: 16
      dynamic: true
      max_inbound: 10
    - port: 3009
      difficulty: 1024
      dynamic: false

node:
  upstreams:
    - name: main
      url: "http://127.0.0.1:18443"
      weight: 10

wallet:
  url: "http://127.0.0.1:18443/wallet/pool"

payment:
  threshold: 0.5
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.Fee != 2.5 {
		t.Errorf("Pool.Fee = %f, want 2.5", cfg.Pool.Fee)
	}
	if len(cfg.Pool.Ports) != 2 {
		t.Fatalf("len(Pool.Ports) = %d, want 2", len(cfg.Pool.Ports))
	}
	if cfg.Pool.Ports[1].Dynamic {
		t.Error("Ports[1].Dynamic should be false")
	}
	if cfg.Payment.Threshold != 0.5 {
		t.Errorf("Payment.Threshold = %v, want 0.5", cfg.Payment.Threshold)
	}
	if cfg.Payment.MaxAddress != 50 {
		t.Errorf("Payment.MaxAddress = %d, want default 50", cfg.Payment.MaxAddress)
	}
	if cfg.Payment.Confirmation != 100 {
		t.Errorf("Payment.Confirmation = %d, want default 100", cfg.Payment.Confirmation)
	}
	if cfg.Stats.BackupExpired != 24*time.Hour {
		t.Errorf("Stats.BackupExpired = %v, want 24h", cfg.Stats.BackupExpired)
	}
	if cfg.Node.Upstreams[0].Weight != 10 {
		t.Errorf("Upstreams[0].Weight = %d, want 10", cfg.Node.Upstreams[0].Weight)
	}
}

func TestLoadDefaultPort(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
pool:
  password: "secret"
  rewards_address: "bcrt1qpool"
node:
  upstreams:
    - url: "http://127.0.0.1:18443"
payment:
  enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Pool.Ports) != 1 || cfg.Pool.Ports[0].Port != 3008 {
		t.Errorf("Pool.Ports = %+v, want default port", cfg.Pool.Ports)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
pool:
  name: "Test Pool"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should return error for invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() should return error for non-existent config")
	}
}
