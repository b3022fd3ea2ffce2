package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Debug     bool            `mapstructure:"debug"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Issuers   IssuersConfig   `mapstructure:"issuers"`
	Bounty    BountyConfig    `mapstructure:"bounty"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	R2        R2Config        `mapstructure:"r2"`
}

type ServerConfig struct {
	Port           int    `mapstructure:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	ServiceToken   string `mapstructure:"service_token"`
	BodyLimit      int    `mapstructure:"body_limit"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// LedgerConfig holds the EVM ledger connection settings
type LedgerConfig struct {
	RPCURL           string           `mapstructure:"rpc_url"`
	ChainID          int64            `mapstructure:"chain_id"`
	PlatformToken    string           `mapstructure:"platform_token"`
	PlatformDecimals int32            `mapstructure:"platform_decimals"`
	NativeDecimals   int32            `mapstructure:"native_decimals"`
	StableDecimals   map[string]int32 `mapstructure:"stable_decimals"`
	CallTimeout      time.Duration    `mapstructure:"call_timeout"`
	ConfirmTimeout   time.Duration    `mapstructure:"confirm_timeout"`
	PollInterval     time.Duration    `mapstructure:"poll_interval"`
}

// FeeConfig is the fee schedule of one asset kind. Amounts are decimal strings.
type FeeConfig struct {
	BaseFee     string `mapstructure:"base_fee"`
	PlatformFee string `mapstructure:"platform_fee"`
}

// PricingConfig holds the static exchange rates from the reference unit to each asset
type PricingConfig struct {
	PlatformRate string               `mapstructure:"platform_rate"`
	NativeRate   string               `mapstructure:"native_rate"`
	StableRates  map[string]string    `mapstructure:"stable_rates"`
	Fees         map[string]FeeConfig `mapstructure:"fees"`
}

// IssuersConfig holds the destination account of each payable resource kind
type IssuersConfig struct {
	Item      string `mapstructure:"item"`
	Bounty    string `mapstructure:"bounty"`
	SellOrder string `mapstructure:"sell_order"`
}

type BountyConfig struct {
	MaxWinners int `mapstructure:"max_winners"`
	CodeLength int `mapstructure:"code_length"`
}

// SyncConfig holds the account sync service used to mirror trustlines
type SyncConfig struct {
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Interval time.Duration `mapstructure:"interval"`
}

type SchedulerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// R2Config holds the Cloudflare R2 media bucket settings
type R2Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	CDNBaseURL      string `mapstructure:"cdn_base_url"`
}

// Load reads configuration from config.yaml (optional), .env files and the environment
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings the service cannot start without
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Server.ServiceToken == "" {
		return errors.New("SERVICE_TOKEN is required")
	}
	if c.Bounty.MaxWinners <= 0 {
		return fmt.Errorf("bounty.max_winners must be positive, got %d", c.Bounty.MaxWinners)
	}
	if c.Bounty.CodeLength < 6 {
		return fmt.Errorf("bounty.code_length must be at least 6, got %d", c.Bounty.CodeLength)
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		return errors.New("ledger.confirm_timeout must be positive")
	}
	return nil
}

// Origins returns the trimmed list of allowed CORS origins
func (c ServerConfig) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	for i, origin := range parts {
		parts[i] = strings.TrimSpace(origin)
	}
	return strings.Join(parts, ",")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.port", 5200)
	v.SetDefault("server.allowed_origins", "http://localhost:3000")
	v.SetDefault("server.body_limit", 8*1024*1024)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("ledger.chain_id", 1)
	v.SetDefault("ledger.platform_decimals", 18)
	v.SetDefault("ledger.native_decimals", 18)
	v.SetDefault("ledger.stable_decimals", map[string]int32{"USDC": 6, "USDT": 6})
	v.SetDefault("ledger.call_timeout", 10*time.Second)
	v.SetDefault("ledger.confirm_timeout", 45*time.Second)
	v.SetDefault("ledger.poll_interval", 2*time.Second)

	v.SetDefault("pricing.platform_rate", "20")
	v.SetDefault("pricing.native_rate", "0.0004")
	v.SetDefault("pricing.stable_rates", map[string]string{"USDC": "1", "USDT": "1"})
	v.SetDefault("pricing.fees", map[string]any{
		"platform": map[string]any{"base_fee": "2", "platform_fee": "3"},
		"native":   map[string]any{"base_fee": "0", "platform_fee": "0"},
		"stable":   map[string]any{"base_fee": "0", "platform_fee": "0.1"},
	})

	v.SetDefault("bounty.max_winners", 100)
	v.SetDefault("bounty.code_length", 10)

	v.SetDefault("sync.interval", 10*time.Second)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 50)
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)
	return v
}

// bindEnvVars maps config keys to the environment variable names used by the deployment
func bindEnvVars(v *viper.Viper) {
	named := map[string]string{
		"database.url":             "DATABASE_URL",
		"server.service_token":     "SERVICE_TOKEN",
		"server.allowed_origins":   "ALLOWED_ORIGINS",
		"server.port":              "PORT",
		"sync.url":                 "SYNC_SERVICE_URL",
		"sync.token":               "SERVICE_TOKEN",
		"r2.account_id":            "CLOUDFLARE_ACCOUNT_ID",
		"r2.access_key_id":         "R2_ACCESS_KEY_ID",
		"r2.access_key_secret":     "R2_ACCESS_KEY_SECRET",
		"r2.bucket":                "R2_BUCKET_NAME",
		"r2.cdn_base_url":          "CDN_BASE_URL",
		"ledger.rpc_url":           "LEDGER_RPC_URL",
		"ledger.platform_token":    "PLATFORM_TOKEN_ADDRESS",
		"issuers.item":             "ITEM_ISSUER_ACCOUNT",
		"issuers.bounty":           "BOUNTY_ISSUER_ACCOUNT",
		"issuers.sell_order":       "SELL_ORDER_ISSUER_ACCOUNT",
		"scheduler.interval":       "RECONCILE_INTERVAL",
		"ledger.confirm_timeout":   "CONFIRM_TIMEOUT",
		"bounty.max_winners":       "BOUNTY_MAX_WINNERS",
		"pricing.platform_rate":    "PLATFORM_RATE",
		"pricing.native_rate":      "NATIVE_RATE",
		"ledger.chain_id":          "LEDGER_CHAIN_ID",
		"ledger.platform_decimals": "PLATFORM_DECIMALS",
	}
	for key, env := range named {
		_ = v.BindEnv(key, env)
	}

	_ = v.BindEnv("debug")
}

func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "."
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
