package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swapbot/internal/crypto"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/server"
	"github.com/alanyoungcy/swapbot/internal/server/handler"
	"github.com/alanyoungcy/swapbot/internal/service"
)

// MonitorMode restores open positions and evaluates their exit rules on a
// fixed interval, alongside the operator API when enabled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "app: monitor mode",
		slog.Int("positions", len(svcs.tracker.List(""))),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svcs.monitor.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svcs.tracker, svcs.gateway, svcs.limiter)
	}
	return g.Wait()
}

// ServeMode runs the operator API only. Positions are read from the store on
// each request since another process owns the live tracker.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps,
		storePositions{store: deps.PositionStore, logger: a.logger},
		newGateway(a.cfg.Jupiter, a.logger),
		newRateLimiter(a.cfg.RateLimit, deps.RateLimitStore, a.logger),
	)
	return g.Wait()
}

// BuyMode spends Command.Amount SOL on Command.Token for Command.UserID and
// prints the trade result.
func (a *App) BuyMode(ctx context.Context, deps *Dependencies) error {
	amount, err := decimal.NewFromString(strings.TrimSpace(a.cmd.Amount))
	if err != nil {
		return fmt.Errorf("app: buy amount %q: %w", a.cmd.Amount, err)
	}
	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}
	cred, err := deps.KeyStore.Credential(ctx, a.cmd.UserID)
	if err != nil {
		return fmt.Errorf("app: buy: %w", err)
	}

	res, err := svcs.orchestrator.Buy(ctx, service.BuyRequest{
		UserID:         a.cmd.UserID,
		Credential:     cred,
		Token:          a.cmd.Token,
		AmountLamports: domain.SOLToLamports(amount),
	})
	return a.report(res, err)
}

// SellMode sells Command.Percent of Command.UserID's Command.Token holdings
// and prints the trade result.
func (a *App) SellMode(ctx context.Context, deps *Dependencies) error {
	svcs, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}
	cred, err := deps.KeyStore.Credential(ctx, a.cmd.UserID)
	if err != nil {
		return fmt.Errorf("app: sell: %w", err)
	}

	res, err := svcs.orchestrator.Sell(ctx, service.SellRequest{
		UserID:     a.cmd.UserID,
		Credential: cred,
		Token:      a.cmd.Token,
		Percentage: a.cmd.Percent,
	})
	return a.report(res, err)
}

// WatchMode prints live trade events until ctx is cancelled.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	events, err := deps.EventBus.Subscribe(ctx, service.TradesChannel)
	if err != nil {
		return fmt.Errorf("app: watch: %w", err)
	}
	for payload := range events {
		if _, err := fmt.Fprintln(a.out, string(payload)); err != nil {
			return fmt.Errorf("app: watch: %w", err)
		}
	}
	return ctx.Err()
}

// ImportKeyMode encrypts Command.Secret into Command.UserID's key file.
func (a *App) ImportKeyMode(ctx context.Context) error {
	key, err := crypto.ParseKeypair(a.cmd.Secret)
	if err != nil {
		return fmt.Errorf("app: import key: %w", err)
	}
	cred := crypto.NewCredential(key)
	defer cred.Zero()

	ks := crypto.NewKeyStore(a.cfg.Keys.Dir, a.cfg.Keys.Password)
	if err := ks.Import(a.cmd.UserID, key); err != nil {
		return fmt.Errorf("app: import key: %w", err)
	}
	a.logger.InfoContext(ctx, "app: key imported",
		slog.String("user_id", a.cmd.UserID),
		slog.String("public_key", cred.PublicKey().String()),
	)
	_, err = fmt.Fprintln(a.out, cred.PublicKey().String())
	return err
}

// report prints res as JSON. The trade error, if any, is returned after the
// result so the caller still sees the structured outcome.
func (a *App) report(res domain.TradeResult, tradeErr error) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return errors.Join(tradeErr, fmt.Errorf("app: print result: %w", err))
	}
	return tradeErr
}

// startHTTPServer adds the operator API server to g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	positions handler.PositionLister,
	breakers handler.BreakerSource,
	limiter handler.RemainingSource,
) {
	history := func(ctx context.Context, limit int) ([]json.RawMessage, error) {
		msgs, err := deps.EventBus.Recent(ctx, service.TradesChannel, int64(limit))
		if err != nil {
			return nil, err
		}
		out := make([]json.RawMessage, len(msgs))
		for i, m := range msgs {
			out[i] = m.Payload
		}
		return out, nil
	}

	srv := server.NewServer(server.Config{
		Addr:   fmt.Sprintf(":%d", a.cfg.Server.Port),
		APIKey: a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Positions: handler.NewPositionHandler(positions, a.logger),
		Trades:    handler.NewTradeHandler(deps.TradeStore, a.logger),
		Gateway:   handler.NewGatewayHandler(breakers),
		RateLimit: handler.NewRateLimitHandler(limiter, a.cfg.RateLimit.Limit),
		Events:    handler.NewEventHandler(history, deps.AuditStore, a.logger),
	}, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// storePositions lists positions straight from the position store.
type storePositions struct {
	store  domain.PositionStore
	logger *slog.Logger
}

func (s storePositions) List(userID string) []domain.Position {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	all, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("app: load positions failed", slog.String("error", err.Error()))
		return nil
	}
	if userID == "" {
		return all
	}
	out := all[:0]
	for _, p := range all {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}
