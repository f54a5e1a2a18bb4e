package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// PositionEvaluator applies a price to one position and closes it when an
// exit rule fires.
type PositionEvaluator interface {
	EvaluatePosition(ctx context.Context, userID, token string, price float64) (bool, error)
}

// Monitor periodically prices every open position and hands the price to the
// orchestrator for exit-rule evaluation. It never holds credentials.
type Monitor struct {
	tracker  *PositionTracker
	eval     PositionEvaluator
	prices   PriceSource
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a Monitor that evaluates every interval. Each position's
// evaluation, including any resulting sell, is bounded by timeout.
func NewMonitor(tracker *PositionTracker, eval PositionEvaluator, prices PriceSource, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Monitor{
		tracker:  tracker,
		eval:     eval,
		prices:   prices,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "monitor")),
	}
}

// Run evaluates positions until ctx is cancelled. Call in a goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass and returns how many closes were attempted.
// The tracker is first synced with the position store, so positions bought
// or sold by other processes are picked up. Prices are fetched once per token
// per pass.
func (m *Monitor) Tick(ctx context.Context) int {
	if err := m.tracker.Sync(ctx); err != nil {
		m.logger.WarnContext(ctx, "monitor: position sync failed", slog.String("error", err.Error()))
	}
	positions := m.tracker.List("")
	prices := make(map[string]float64)
	closes := 0

	for _, pos := range positions {
		if ctx.Err() != nil {
			return closes
		}
		if pos.State != domain.PositionOpen {
			continue
		}

		price, ok := prices[pos.Token]
		if !ok {
			p, err := m.prices.CurrentPrice(ctx, pos.Token)
			if err != nil {
				m.logger.WarnContext(ctx, "monitor: price unavailable",
					slog.String("token", pos.Token),
					slog.String("error", err.Error()),
				)
				continue
			}
			price = p
			prices[pos.Token] = p
		}

		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		closed, err := m.eval.EvaluatePosition(pctx, pos.UserID, pos.Token, price)
		cancel()
		if closed {
			closes++
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "monitor: evaluation failed",
				slog.String("position", pos.Key()),
				slog.Float64("price", price),
				slog.String("error", err.Error()),
			)
		}
	}
	return closes
}
