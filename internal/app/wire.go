package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/swapbot/internal/cache/redis"
	"github.com/alanyoungcy/swapbot/internal/config"
	"github.com/alanyoungcy/swapbot/internal/crypto"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/gateway"
	"github.com/alanyoungcy/swapbot/internal/notify"
	"github.com/alanyoungcy/swapbot/internal/platform/jupiter"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
	"github.com/alanyoungcy/swapbot/internal/retry"
	"github.com/alanyoungcy/swapbot/internal/server/handler"
	"github.com/alanyoungcy/swapbot/internal/service"
	"github.com/alanyoungcy/swapbot/internal/store/postgres"
)

// Dependencies bundles the infrastructure every mode builds on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	TradeStore    domain.TradeStore
	AuditStore    domain.AuditStore

	// Caches
	PriceCache     domain.PriceCache
	RateLimitStore domain.RateLimitStore
	LockManager    domain.LockManager
	EventBus       *redis.EventBus

	// Health checks keyed by dependency name.
	Checks map[string]handler.Pinger

	KeyStore *crypto.KeyStore
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Checks:   make(map[string]handler.Pinger),
		KeyStore: crypto.NewKeyStore(cfg.Keys.Dir, cfg.Keys.Password),
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Monitor.PriceCacheTTL.Duration)
	deps.RateLimitStore = redis.NewRateLimitStore(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient, logger)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.Checks["redis"] = redisClient

	// --- Notifications ---
	senders, err := buildSenders(cfg.Notify)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: notify: %w", err)
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func buildSenders(cfg config.NotifyConfig) ([]notify.Sender, error) {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram chat id %q: %w", cfg.TelegramChatID, err)
		}
		tg, err := notify.NewTelegramSender(cfg.TelegramToken, chatID)
		if err != nil {
			return nil, err
		}
		senders = append(senders, tg)
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders, nil
}

// services is the trading pipeline assembled on top of Dependencies.
type services struct {
	gateway      *gateway.Client
	ledger       *solana.RPC
	limiter      *service.RateLimiter
	tracker      *service.PositionTracker
	orchestrator *service.TradeOrchestrator
	monitor      *service.Monitor
}

// newGateway builds the aggregator gateway. It opens no connection.
func newGateway(cfg config.JupiterConfig, logger *slog.Logger) *gateway.Client {
	return gateway.New(gateway.Options{
		Name:              "jupiter",
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		MinSpacing:        cfg.MinSpacing.Duration,
		MaxAttempts:       cfg.MaxAttempts,
		BaseBackoff:       cfg.BaseBackoff.Duration,
		MaxBackoff:        cfg.MaxBackoff.Duration,
		RateLimitFallback: cfg.RateLimitFallback.Duration,
		MaxRateLimitWaits: cfg.MaxRateLimitWaits,
		FailureThreshold:  cfg.FailureThreshold,
		OpenDuration:      cfg.OpenDuration.Duration,
		RequestTimeout:    cfg.RequestTimeout.Duration,
	}, logger)
}

func newRateLimiter(cfg config.RateLimitConfig, store domain.RateLimitStore, logger *slog.Logger) *service.RateLimiter {
	return service.NewRateLimiter(cfg.Limit, cfg.Window.Duration, logger).WithStore(store)
}

// buildServices dials the ledger and assembles the full trading pipeline.
// The tracker is restored from the position store before returning.
func (a *App) buildServices(ctx context.Context, deps *Dependencies) (*services, error) {
	cfg := a.cfg

	ledger, err := solana.Dial(ctx, cfg.Solana.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, ledger.Close)
	ledger.WithRetry(retry.Policy{
		Attempts: cfg.Solana.ReadAttempts,
		Base:     cfg.Solana.ReadBackoff.Duration,
		Max:      2 * time.Second,
	})

	gw := newGateway(cfg.Jupiter, a.logger)
	agg := jupiter.NewClient(gw)
	if cfg.Jupiter.QuotePath != "" || cfg.Jupiter.SwapPath != "" || cfg.Jupiter.PricePath != "" {
		agg.WithPaths(cfg.Jupiter.QuotePath, cfg.Jupiter.SwapPath, cfg.Jupiter.PricePath)
	}

	limiter := newRateLimiter(cfg.RateLimit, deps.RateLimitStore, a.logger)
	tracker := service.NewPositionTracker(deps.PositionStore, a.logger)
	if err := tracker.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore positions: %w", err)
	}

	builder := service.NewSwapBuilder(agg, a.logger).
		WithMaxPriorityFee(cfg.Trading.MaxPriorityFeeLamports)
	exec := service.NewTxExecutor(ledger, service.ExecutorOptions{
		ConfirmTimeout: cfg.Solana.ConfirmTimeout.Duration,
		PollInterval:   cfg.Solana.PollInterval.Duration,
	}, a.logger)
	verifier := service.NewVerifier(ledger, a.logger)

	orch := service.NewTradeOrchestrator(
		limiter, builder, exec, verifier, tracker, ledger, deps.LockManager,
		tradeConfig(cfg.Trading), a.logger,
	).
		WithCredentials(keyStoreCredentials(deps.KeyStore)).
		WithTradeStore(deps.TradeStore).
		WithAudit(deps.AuditStore).
		WithEventBus(deps.EventBus).
		WithNotifier(deps.Notifier)

	if cfg.Trading.BotFeeFraction > 0 {
		wallet, err := solana.ParsePublicKey(cfg.Trading.FeeWallet)
		if err != nil {
			return nil, fmt.Errorf("app: fee wallet: %w", err)
		}
		orch.WithFeeSink(service.NewFeeCollector(exec, wallet, cfg.Trading.MinFeeLamports, a.logger))
	}

	prices := service.NewPriceService(agg, deps.PriceCache, cfg.Monitor.PriceMaxAge.Duration, a.logger)
	monitor := service.NewMonitor(tracker, orch, prices,
		cfg.Monitor.Interval.Duration, cfg.Monitor.Timeout.Duration, a.logger)

	return &services{
		gateway:      gw,
		ledger:       ledger,
		limiter:      limiter,
		tracker:      tracker,
		orchestrator: orch,
		monitor:      monitor,
	}, nil
}

func tradeConfig(cfg config.TradingConfig) service.TradeConfig {
	tc := service.DefaultTradeConfig()
	tc.SlippageBps = cfg.SlippageBps
	tc.BotFeeFraction = cfg.BotFeeFraction
	tc.BaseFeeLamports = cfg.BaseFeeLamports
	tc.ExecAttempts = cfg.ExecAttempts
	tc.ExecBackoff = cfg.ExecBackoff.Duration
	tc.LockTTL = cfg.LockTTL.Duration
	tc.DefaultRules = domain.ExitRules{StopLoss: cfg.StopLoss, TakeProfit: cfg.TakeProfit}
	if cfg.TrailingStop > 0 {
		trailing := cfg.TrailingStop
		tc.DefaultRules.TrailingStop = &trailing
	}
	return tc
}

// keyStoreCredentials loads a fresh credential from the key directory per
// request.
func keyStoreCredentials(ks *crypto.KeyStore) service.CredentialSource {
	return service.CredentialFunc(func(ctx context.Context, userID string) (service.Credential, error) {
		cred, err := ks.Credential(ctx, userID)
		if err != nil {
			return nil, err
		}
		return cred, nil
	})
}
