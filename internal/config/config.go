// Package config handles configuration loading and validation for the
// stratum pool.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Node      NodeConfig      `mapstructure:"node"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig defines pool identity and stratum settings
type PoolConfig struct {
	Name           string       `mapstructure:"name"`
	Host           string       `mapstructure:"host"`
	PublicHost     string       `mapstructure:"public_host"`
	Password       string       `mapstructure:"password"`
	RewardsAddress string       `mapstructure:"rewards_address"`
	Fee            float64      `mapstructure:"fee"`
	FounderReward  float64      `mapstructure:"founder_reward"`
	AutoAddUser    bool         `mapstructure:"auto_add_user"`
	Explorer       string       `mapstructure:"explorer"`
	Network        string       `mapstructure:"network"`
	CoinbaseTag    string       `mapstructure:"coinbase_tag"`
	ProxyProtocol  bool         `mapstructure:"proxy_protocol"`
	Ports          []PortConfig `mapstructure:"ports"`
}

// PortConfig defines one stratum listener
type PortConfig struct {
	Port        int     `mapstructure:"port"`
	Difficulty  float64 `mapstructure:"difficulty"`
	Dynamic     bool    `mapstructure:"dynamic"`
	MaxInbound  int     `mapstructure:"max_inbound"`
	Title       string  `mapstructure:"title"`
	Desc        string  `mapstructure:"desc"`
	Recommended bool    `mapstructure:"recommended"`
}

// LedgerConfig defines the share/payout database
type LedgerConfig struct {
	Path             string        `mapstructure:"path"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	SummaryCacheSize int           `mapstructure:"summary_cache_size"`
}

// StatsConfig defines stats rollup and backup intervals
type StatsConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Average          int           `mapstructure:"average"`
	MaxActivityHours int           `mapstructure:"max_activity_hours"`
	BackupInterval   time.Duration `mapstructure:"backup_interval"`
	BackupExpired    time.Duration `mapstructure:"backup_expired"`
}

// PaymentConfig defines settlement and payout settings. Threshold and
// FeeRate are in whole coins.
type PaymentConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Threshold    float64       `mapstructure:"threshold"`
	MaxAddress   int           `mapstructure:"max_address"`
	FeeRate      float64       `mapstructure:"fee_rate"`
	Confirmation uint32        `mapstructure:"confirmation"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// UpstreamConfig defines one node endpoint
type UpstreamConfig struct {
	Name     string        `mapstructure:"name"`
	URL      string        `mapstructure:"url"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Weight   int           `mapstructure:"weight"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NodeConfig defines full node connection settings
type NodeConfig struct {
	Upstreams           []UpstreamConfig `mapstructure:"upstreams"`
	Timeout             time.Duration    `mapstructure:"timeout"`
	ZMQ                 string           `mapstructure:"zmq"`
	PollInterval        time.Duration    `mapstructure:"poll_interval"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
}

// WalletConfig defines the signing wallet connection
type WalletConfig struct {
	URL        string        `mapstructure:"url"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	Passphrase string        `mapstructure:"passphrase"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Bind          string   `mapstructure:"bind"`
	AdminPassword string   `mapstructure:"admin_password"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NewRelicConfig defines APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig defines Discord/Telegram notifications
type NotifyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DiscordToken   string `mapstructure:"discord_token"`
	DiscordChannel string `mapstructure:"discord_channel"`
	TelegramBot    string `mapstructure:"telegram_bot"`
	TelegramChat   string `mapstructure:"telegram_chat"`
	TelegramAPI    string `mapstructure:"telegram_api"`
	PoolURL        string `mapstructure:"pool_url"`
}

// ProfilingConfig defines the pprof server
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith reads configuration into v, which may already carry flag
// bindings.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stratum-pool")
	}

	v.SetEnvPrefix("STRATUM_POOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(cfg.Pool.Ports) == 0 {
		cfg.Pool.Ports = []PortConfig{DefaultPort()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// DefaultPort is the listener used when pool.ports is empty.
func DefaultPort() PortConfig {
	return PortConfig{
		Port:        3008,
		Difficulty:  1,
		Dynamic:     true,
		MaxInbound:  50,
		Title:       "Default",
		Desc:        "Variable difficulty",
		Recommended: true,
	}
}

func setDefaults(v *viper.Viper) {
	// Pool defaults
	v.SetDefault("pool.name", "Stratum Pool")
	v.SetDefault("pool.host", "0.0.0.0")
	v.SetDefault("pool.public_host", "127.0.0.1")
	v.SetDefault("pool.fee", 1.0)
	v.SetDefault("pool.founder_reward", 0.0)
	v.SetDefault("pool.auto_add_user", true)
	v.SetDefault("pool.network", "mainnet")
	v.SetDefault("pool.coinbase_tag", "/stratum-pool/")

	// Ledger defaults
	v.SetDefault("ledger.path", "./data/ledger.db")
	v.SetDefault("ledger.open_timeout", "5s")
	v.SetDefault("ledger.summary_cache_size", 4096)

	// Stats defaults
	v.SetDefault("stats.interval", "60s")
	v.SetDefault("stats.average", 10)
	v.SetDefault("stats.max_activity_hours", 48)
	v.SetDefault("stats.backup_interval", "60s")
	v.SetDefault("stats.backup_expired", "24h")

	// Payment defaults
	v.SetDefault("payment.enabled", true)
	v.SetDefault("payment.threshold", 1.0)
	v.SetDefault("payment.max_address", 50)
	v.SetDefault("payment.fee_rate", 0.001)
	v.SetDefault("payment.confirmation", 100)
	v.SetDefault("payment.lock_ttl", "10m")

	// Node defaults
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.poll_interval", "2s")
	v.SetDefault("node.health_check_interval", "5s")

	// Wallet defaults
	v.SetDefault("wallet.timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("newrelic.app_name", "Stratum Pool")
	v.SetDefault("notify.telegram_api", "https://api.telegram.org")
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Pool.Password == "" {
		return fmt.Errorf("pool.password is required")
	}

	if c.Pool.RewardsAddress == "" {
		return fmt.Errorf("pool.rewards_address is required")
	}

	if c.Pool.Fee < 0 || c.Pool.Fee > 100 {
		return fmt.Errorf("pool.fee must be between 0 and 100")
	}

	if c.Pool.FounderReward < 0 || c.Pool.Fee+c.Pool.FounderReward > 100 {
		return fmt.Errorf("pool.founder_reward must be between 0 and 100-fee")
	}

	seen := make(map[int]bool)
	for _, p := range c.Pool.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("pool.ports: invalid port %d", p.Port)
		}
		if seen[p.Port] {
			return fmt.Errorf("pool.ports: duplicate port %d", p.Port)
		}
		seen[p.Port] = true
		if p.Difficulty < 1 {
			return fmt.Errorf("pool.ports: difficulty for port %d must be >= 1", p.Port)
		}
	}

	if len(c.Node.Upstreams) == 0 {
		return fmt.Errorf("node.upstreams requires at least one node")
	}

	for _, u := range c.Node.Upstreams {
		if u.URL == "" {
			return fmt.Errorf("node.upstreams: %q has no url", u.Name)
		}
	}

	if c.Payment.Enabled {
		if c.Wallet.URL == "" {
			return fmt.Errorf("wallet.url is required when payments are enabled")
		}
		if c.Payment.Threshold <= 0 {
			return fmt.Errorf("payment.threshold must be > 0")
		}
		if c.Payment.MaxAddress <= 0 {
			return fmt.Errorf("payment.max_address must be > 0")
		}
	}

	if c.Stats.Average <= 0 {
		return fmt.Errorf("stats.average must be > 0")
	}

	return nil
}
