// Package app provides the top-level application lifecycle for the swap bot.
// It wires stores, caches, the aggregator gateway, the ledger client and the
// trading services, then runs the configured mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/swapbot/internal/config"
)

// Command carries the arguments of the one-shot modes.
type Command struct {
	UserID  string
	Token   string
	Amount  string  // buy: SOL to spend, decimal
	Percent float64 // sell: share of holdings, (0, 100]
	Secret  string  // import-key: base58 or JSON byte-array keypair
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	cmd     Command
	out     io.Writer
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		out:    os.Stdout,
		logger: logger.With(slog.String("component", "app")),
	}
}

// WithCommand sets the one-shot mode arguments.
func (a *App) WithCommand(cmd Command) *App {
	a.cmd = cmd
	return a
}

// WithOutput redirects command results, which default to stdout.
func (a *App) WithOutput(w io.Writer) *App {
	a.out = w
	return a
}

// Run wires dependencies, runs the configured mode, and blocks until it
// finishes or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "app: starting",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	// import-key touches only the key directory.
	if mode == "import-key" {
		return a.ImportKeyMode(ctx)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "monitor":
		return a.MonitorMode(ctx, deps)
	case "serve":
		return a.ServeMode(ctx, deps)
	case "buy":
		return a.BuyMode(ctx, deps)
	case "sell":
		return a.SellMode(ctx, deps)
	case "watch":
		return a.WatchMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("app: shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
