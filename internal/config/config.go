// Package config defines the top-level configuration for the swap bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SWAPBOT_* environment variables.
type Config struct {
	Jupiter   JupiterConfig   `toml:"jupiter"`
	Solana    SolanaConfig    `toml:"solana"`
	Trading   TradingConfig   `toml:"trading"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Keys      KeysConfig      `toml:"keys"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// JupiterConfig holds the aggregator endpoint and gateway resilience knobs.
type JupiterConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	QuotePath         string   `toml:"quote_path"`
	SwapPath          string   `toml:"swap_path"`
	PricePath         string   `toml:"price_path"`
	MinSpacing        duration `toml:"min_spacing"`
	MaxAttempts       int      `toml:"max_attempts"`
	BaseBackoff       duration `toml:"base_backoff"`
	MaxBackoff        duration `toml:"max_backoff"`
	RateLimitFallback duration `toml:"rate_limit_fallback"`
	MaxRateLimitWaits int      `toml:"max_rate_limit_waits"`
	FailureThreshold  int      `toml:"failure_threshold"`
	OpenDuration      duration `toml:"open_duration"`
	RequestTimeout    duration `toml:"request_timeout"`
}

// SolanaConfig holds the ledger RPC endpoint and confirmation bounds.
type SolanaConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	ConfirmTimeout duration `toml:"confirm_timeout"`
	PollInterval   duration `toml:"poll_interval"`
	ReadAttempts   int      `toml:"read_attempts"`
	ReadBackoff    duration `toml:"read_backoff"`
}

// TradingConfig holds buy/sell composition and fee parameters.
type TradingConfig struct {
	SlippageBps            int      `toml:"slippage_bps"`
	BotFeeFraction         float64  `toml:"bot_fee_fraction"`
	FeeWallet              string   `toml:"fee_wallet"`
	MinFeeLamports         uint64   `toml:"min_fee_lamports"`
	BaseFeeLamports        uint64   `toml:"base_fee_lamports"`
	MaxPriorityFeeLamports uint64   `toml:"max_priority_fee_lamports"`
	ExecAttempts           int      `toml:"exec_attempts"`
	ExecBackoff            duration `toml:"exec_backoff"`
	LockTTL                duration `toml:"lock_ttl"`
	StopLoss               float64  `toml:"stop_loss"`
	TakeProfit             float64  `toml:"take_profit"`
	// TrailingStop of zero disables the trailing rule.
	TrailingStop float64 `toml:"trailing_stop"`
}

// RateLimitConfig bounds trading actions per user per window.
type RateLimitConfig struct {
	Limit  int      `toml:"limit"`
	Window duration `toml:"window"`
}

// MonitorConfig holds position monitoring parameters.
type MonitorConfig struct {
	Interval      duration `toml:"interval"`
	Timeout       duration `toml:"timeout"`
	PriceMaxAge   duration `toml:"price_max_age"`
	PriceCacheTTL duration `toml:"price_cache_ttl"`
}

// KeysConfig locates the encrypted per-user key files.
type KeysConfig struct {
	Dir      string `toml:"dir"`
	Password string `toml:"password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Jupiter: JupiterConfig{
			BaseURL:           "https://lite-api.jup.ag",
			MinSpacing:        duration{500 * time.Millisecond},
			MaxAttempts:       3,
			BaseBackoff:       duration{time.Second},
			MaxBackoff:        duration{10 * time.Second},
			RateLimitFallback: duration{5 * time.Second},
			MaxRateLimitWaits: 3,
			FailureThreshold:  5,
			OpenDuration:      duration{30 * time.Second},
			RequestTimeout:    duration{10 * time.Second},
		},
		Solana: SolanaConfig{
			RPCURL:         "https://api.mainnet-beta.solana.com",
			ConfirmTimeout: duration{90 * time.Second},
			PollInterval:   duration{2 * time.Second},
			ReadAttempts:   3,
			ReadBackoff:    duration{250 * time.Millisecond},
		},
		Trading: TradingConfig{
			SlippageBps:            100,
			BotFeeFraction:         0.01,
			MinFeeLamports:         5000,
			BaseFeeLamports:        5000,
			MaxPriorityFeeLamports: 10_000_000,
			ExecAttempts:           3,
			ExecBackoff:            duration{2 * time.Second},
			LockTTL:                duration{3 * time.Minute},
			StopLoss:               0.2,
			TakeProfit:             0.5,
		},
		RateLimit: RateLimitConfig{
			Limit:  5,
			Window: duration{time.Minute},
		},
		Monitor: MonitorConfig{
			Interval:      duration{15 * time.Second},
			Timeout:       duration{3 * time.Minute},
			PriceMaxAge:   duration{10 * time.Second},
			PriceCacheTTL: duration{30 * time.Second},
		},
		Keys: KeysConfig{
			Dir: "keys",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "swapbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "swapbot",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_buy", "trade_sell", "auto_close", "auto_close_failed"},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor":    true,
	"serve":      true,
	"buy":        true,
	"sell":       true,
	"import-key": true,
	"watch":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsLedger reports whether the mode talks to the aggregator and ledger.
func (c *Config) NeedsLedger() bool {
	switch strings.ToLower(c.Mode) {
	case "monitor", "buy", "sell":
		return true
	}
	return false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, serve, buy, sell, import-key, watch)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Keys are needed to sign anything, including auto-closes.
	if c.NeedsLedger() || c.Mode == "import-key" {
		if c.Keys.Dir == "" {
			errs = append(errs, "keys: dir must not be empty")
		}
		if c.Keys.Password == "" {
			errs = append(errs, "keys: password is required for mode "+c.Mode)
		}
	}

	if c.NeedsLedger() {
		if c.Jupiter.BaseURL == "" {
			errs = append(errs, "jupiter: base_url must not be empty")
		}
		if c.Jupiter.MaxAttempts < 1 {
			errs = append(errs, "jupiter: max_attempts must be >= 1")
		}
		if c.Jupiter.FailureThreshold < 1 {
			errs = append(errs, "jupiter: failure_threshold must be >= 1")
		}
		if c.Solana.RPCURL == "" {
			errs = append(errs, "solana: rpc_url must not be empty")
		}
		if c.Solana.ConfirmTimeout.Duration <= 0 {
			errs = append(errs, "solana: confirm_timeout must be > 0")
		}
	}

	if c.Trading.SlippageBps < 0 || c.Trading.SlippageBps > 10_000 {
		errs = append(errs, fmt.Sprintf("trading: slippage_bps must be 0-10000, got %d", c.Trading.SlippageBps))
	}
	if c.Trading.BotFeeFraction < 0 || c.Trading.BotFeeFraction >= 1 {
		errs = append(errs, "trading: bot_fee_fraction must be in [0, 1)")
	}
	if c.Trading.BotFeeFraction > 0 && c.Trading.FeeWallet == "" {
		errs = append(errs, "trading: fee_wallet is required when bot_fee_fraction > 0")
	}
	if c.Trading.ExecAttempts < 1 {
		errs = append(errs, "trading: exec_attempts must be >= 1")
	}
	if c.Trading.LockTTL.Duration < 3*time.Second {
		errs = append(errs, "trading: lock_ttl must be >= 3s")
	}
	if c.Trading.StopLoss < 0 || c.Trading.StopLoss >= 1 {
		errs = append(errs, "trading: stop_loss must be in [0, 1)")
	}
	if c.Trading.TakeProfit < 0 {
		errs = append(errs, "trading: take_profit must be >= 0")
	}
	if c.Trading.TrailingStop < 0 || c.Trading.TrailingStop >= 1 {
		errs = append(errs, "trading: trailing_stop must be in [0, 1)")
	}

	if c.RateLimit.Limit < 1 {
		errs = append(errs, "rate_limit: limit must be >= 1")
	}
	if c.RateLimit.Window.Duration <= 0 {
		errs = append(errs, "rate_limit: window must be > 0")
	}

	if c.Monitor.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
