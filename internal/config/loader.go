package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// envPrefix prefixes every environment override.
const envPrefix = "SWAPBOT_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SWAPBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SWAPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Jupiter ──
	setStr(&cfg.Jupiter.BaseURL, "JUPITER_BASE_URL")
	setStr(&cfg.Jupiter.APIKey, "JUPITER_API_KEY")
	setDuration(&cfg.Jupiter.MinSpacing, "JUPITER_MIN_SPACING")
	setInt(&cfg.Jupiter.MaxAttempts, "JUPITER_MAX_ATTEMPTS")
	setInt(&cfg.Jupiter.FailureThreshold, "JUPITER_FAILURE_THRESHOLD")
	setDuration(&cfg.Jupiter.OpenDuration, "JUPITER_OPEN_DURATION")

	// ── Solana ──
	setStr(&cfg.Solana.RPCURL, "SOLANA_RPC_URL")
	setDuration(&cfg.Solana.ConfirmTimeout, "SOLANA_CONFIRM_TIMEOUT")

	// ── Trading ──
	setInt(&cfg.Trading.SlippageBps, "TRADING_SLIPPAGE_BPS")
	setFloat64(&cfg.Trading.BotFeeFraction, "TRADING_BOT_FEE_FRACTION")
	setStr(&cfg.Trading.FeeWallet, "TRADING_FEE_WALLET")
	setUint64(&cfg.Trading.MaxPriorityFeeLamports, "TRADING_MAX_PRIORITY_FEE_LAMPORTS")
	setFloat64(&cfg.Trading.StopLoss, "TRADING_STOP_LOSS")
	setFloat64(&cfg.Trading.TakeProfit, "TRADING_TAKE_PROFIT")
	setFloat64(&cfg.Trading.TrailingStop, "TRADING_TRAILING_STOP")

	// ── Rate limit ──
	setInt(&cfg.RateLimit.Limit, "RATE_LIMIT_LIMIT")
	setDuration(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "MONITOR_INTERVAL")

	// ── Keys ──
	setStr(&cfg.Keys.Dir, "KEYS_DIR")
	setStr(&cfg.Keys.Password, "KEYS_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the prefixed
// environment variable is present, non-empty and parses.
// ---------------------------------------------------------------------------

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v, ok := lookup(key); ok {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
