// Command swapbot is the entry point for the swap bot. It loads
// configuration, validates it, sets up signal handling, and runs the
// configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/swapbot/internal/app"
	"github.com/alanyoungcy/swapbot/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty for env only)")
	mode := flag.String("mode", "", "override the configured mode: monitor, serve, buy, sell, import-key, watch")
	user := flag.String("user", "", "user id for buy, sell and import-key")
	token := flag.String("token", "", "token mint for buy and sell")
	amount := flag.String("amount", "", "SOL to spend for buy")
	percent := flag.Float64("percent", 100, "share of holdings to sell")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("swapbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger).WithCommand(app.Command{
		UserID:  *user,
		Token:   *token,
		Amount:  *amount,
		Percent: *percent,
		// keypair for import-key; env only, never a flag
		Secret: os.Getenv("SWAPBOT_IMPORT_SECRET"),
	})
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("swapbot stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
