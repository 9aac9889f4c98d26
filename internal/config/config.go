package config

import (
	"log"
	"strings"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Security  SecurityConfig   `mapstructure:"security"`
	Gate      GateConfig       `mapstructure:"gate"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Probes    []ProbeConfig    `mapstructure:"probes"`
	Users     []UserConfig     `mapstructure:"users"`
	Accounts  []AccountConfig  `mapstructure:"accounts"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	AuditDir string `mapstructure:"audit_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuthConfig struct {
	RequireAPIKey  bool    `mapstructure:"require_api_key"`
	AdminKey       string  `mapstructure:"admin_key"`
	AdminSecretKey string  `mapstructure:"admin_secret_key"`
	DefaultQPS     float64 `mapstructure:"default_qps"`
	DefaultBurst   int     `mapstructure:"default_burst"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	AuditRetentionDays     int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	PoolSize              int    `mapstructure:"pool_size"`
	DialTimeoutMs         int    `mapstructure:"dial_timeout_ms"`
	AuditListKey          string `mapstructure:"audit_list_key"`
	AuditListMax          int    `mapstructure:"audit_list_max"`
	RateLimitPrefix       string `mapstructure:"rate_limit_prefix"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
}

type SecurityConfig struct {
	// EncryptionKey seals credential bundles at rest. Required when database.dsn is set.
	EncryptionKey  string `mapstructure:"encryption_key"`
	EncryptionSalt string `mapstructure:"encryption_salt"`
}

type GateConfig struct {
	ValidationIntervalMinutes int      `mapstructure:"validation_interval_minutes"`
	ProbeTimeoutMs            int      `mapstructure:"probe_timeout_ms"`
	AutoBlock                 bool     `mapstructure:"auto_block"`
	AuditEnabled              bool     `mapstructure:"audit_enabled"`
	BatchConcurrency          int      `mapstructure:"batch_concurrency"`
	WithdrawalExchanges       []string `mapstructure:"withdrawal_exchanges"`
	FlagWithdrawalScope       bool     `mapstructure:"flag_withdrawal_scope"`
}

type RateLimitConfig struct {
	FailOpen             bool                             `mapstructure:"fail_open"`
	SweepIntervalMinutes int                              `mapstructure:"sweep_interval_minutes"`
	IdleTTLHours         int                              `mapstructure:"idle_ttl_hours"`
	Exchanges            map[string]model.RateLimitConfig `mapstructure:"exchanges"`
}

type ProbeConfig struct {
	Exchange      string  `mapstructure:"exchange"`
	Type          string  `mapstructure:"type"` // http | wallet | polymarket
	URL           string  `mapstructure:"url"`
	RPCURL        string  `mapstructure:"rpc_url"`
	ChainID       int64   `mapstructure:"chain_id"`
	KeyHeader     string  `mapstructure:"key_header"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type UserConfig struct {
	ID     string  `mapstructure:"id"`
	Name   string  `mapstructure:"name"`
	APIKey string  `mapstructure:"api_key"`
	QPS    float64 `mapstructure:"qps"`
	Burst  int     `mapstructure:"burst"`
}

// AccountConfig seeds the in-memory account store when no database is configured.
type AccountConfig struct {
	ID          string            `mapstructure:"id"`
	Name        string            `mapstructure:"name"`
	UserID      string            `mapstructure:"user_id"`
	Exchange    string            `mapstructure:"exchange"`
	Active      bool              `mapstructure:"active"`
	Credentials map[string]string `mapstructure:"credentials"`
}

type ExchangeConfig struct {
	Slug   string `mapstructure:"slug"`
	Name   string `mapstructure:"name"`
	Active bool   `mapstructure:"active"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. ACCOUNTGATE_DATABASE_DSN
	v.SetEnvPrefix("accountgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.audit_dir", "./logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("auth.require_api_key", true)
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("auth.admin_secret_key", "")
	v.SetDefault("auth.default_qps", 20.0)
	v.SetDefault("auth.default_burst", 40)
	v.SetDefault("database.audit_retention_days", 90)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout_ms", 3000)
	v.SetDefault("redis.audit_list_key", "accountgate:audit")
	v.SetDefault("redis.audit_list_max", 10000)
	v.SetDefault("redis.rate_limit_prefix", "accountgate:rl")
	v.SetDefault("redis.idempotency_ttl_seconds", 600)
	v.SetDefault("security.encryption_salt", "accountgate")
	v.SetDefault("gate.validation_interval_minutes", 30)
	v.SetDefault("gate.probe_timeout_ms", 5000)
	v.SetDefault("gate.auto_block", true)
	v.SetDefault("gate.audit_enabled", true)
	v.SetDefault("gate.batch_concurrency", 8)
	v.SetDefault("gate.withdrawal_exchanges", []string{"lnmarkets", "binance"})
	v.SetDefault("gate.flag_withdrawal_scope", false)
	v.SetDefault("rate_limit.fail_open", true)
	v.SetDefault("rate_limit.sweep_interval_minutes", 5)
	v.SetDefault("rate_limit.idle_ttl_hours", 24)
}
