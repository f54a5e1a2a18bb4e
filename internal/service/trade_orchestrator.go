package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
	"github.com/alanyoungcy/swapbot/internal/retry"
)

// Event types published on the event bus and passed to the notifier.
const (
	EventBuy        = "trade_buy"
	EventSell       = "trade_sell"
	EventAutoClose  = "auto_close"
	EventCloseError = "auto_close_failed"

	// TradesChannel is the event bus channel trade events go out on.
	TradesChannel = "trades"
)

// TradeConfig tunes buy and sell composition.
type TradeConfig struct {
	SlippageBps     int
	BotFeeFraction  float64
	BaseFeeLamports uint64
	ExecAttempts    int
	ExecBackoff     time.Duration
	LockTTL         time.Duration
	DefaultRules    domain.ExitRules
}

// DefaultTradeConfig returns the production defaults.
func DefaultTradeConfig() TradeConfig {
	return TradeConfig{
		SlippageBps:     100,
		BotFeeFraction:  0.01,
		BaseFeeLamports: 5000,
		ExecAttempts:    3,
		ExecBackoff:     2 * time.Second,
		LockTTL:         3 * time.Minute,
		DefaultRules:    domain.ExitRules{StopLoss: 0.2, TakeProfit: 0.5},
	}
}

// BuyRequest spends AmountLamports of SOL on Token.
type BuyRequest struct {
	UserID         string
	Credential     Credential
	Token          string
	AmountLamports uint64
	// Rules overrides the configured default exit rules.
	Rules *domain.ExitRules
}

// SellRequest sells Percentage (0, 100] of the on-chain token balance.
type SellRequest struct {
	UserID     string
	Credential Credential
	Token      string
	Percentage float64
}

// TradeOrchestrator composes rate limiting, swap building, balance checks,
// execution, verification and position tracking into buy and sell
// operations. Work on one (user, token) is serialized by the lock manager.
type TradeOrchestrator struct {
	limiter  *RateLimiter
	builder  Builder
	exec     Executor
	verifier BalanceVerifier
	tracker  *PositionTracker
	ledger   Ledger
	locks    domain.LockManager
	cfg      TradeConfig

	fees     FeeSink
	creds    CredentialSource
	trades   domain.TradeStore
	audit    domain.AuditStore
	bus      domain.EventBus
	notifier Notifier

	clock  clock.Clock
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewTradeOrchestrator creates a TradeOrchestrator with its required
// collaborators. Optional ones are attached with the With methods.
func NewTradeOrchestrator(
	limiter *RateLimiter,
	builder Builder,
	exec Executor,
	verifier BalanceVerifier,
	tracker *PositionTracker,
	ledger Ledger,
	locks domain.LockManager,
	cfg TradeConfig,
	logger *slog.Logger,
) *TradeOrchestrator {
	if cfg.ExecAttempts < 1 {
		cfg.ExecAttempts = 1
	}
	return &TradeOrchestrator{
		limiter:  limiter,
		builder:  builder,
		exec:     exec,
		verifier: verifier,
		tracker:  tracker,
		ledger:   ledger,
		locks:    locks,
		cfg:      cfg,
		clock:    clock.Real{},
		sleep:    clock.Sleep,
		logger:   logger.With(slog.String("component", "trade_orchestrator")),
	}
}

func (o *TradeOrchestrator) WithFeeSink(f FeeSink) *TradeOrchestrator { o.fees = f; return o }

func (o *TradeOrchestrator) WithCredentials(c CredentialSource) *TradeOrchestrator {
	o.creds = c
	return o
}

func (o *TradeOrchestrator) WithTradeStore(s domain.TradeStore) *TradeOrchestrator {
	o.trades = s
	return o
}

func (o *TradeOrchestrator) WithAudit(a domain.AuditStore) *TradeOrchestrator { o.audit = a; return o }

func (o *TradeOrchestrator) WithEventBus(b domain.EventBus) *TradeOrchestrator { o.bus = b; return o }

func (o *TradeOrchestrator) WithNotifier(n Notifier) *TradeOrchestrator { o.notifier = n; return o }

// WithClock sets the clock used for timestamps.
func (o *TradeOrchestrator) WithClock(c clock.Clock) *TradeOrchestrator { o.clock = c; return o }

// WithSleeper sets the wait used between execution attempts.
func (o *TradeOrchestrator) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *TradeOrchestrator {
	o.sleep = fn
	return o
}

// Buy opens a position in req.Token. The credential is zeroed before Buy
// returns, whatever the outcome.
func (o *TradeOrchestrator) Buy(ctx context.Context, req BuyRequest) (domain.TradeResult, error) {
	if req.Credential != nil {
		defer req.Credential.Zero()
	}
	res := domain.TradeResult{Side: domain.SideBuy, UserID: req.UserID, Token: req.Token, InputAmount: req.AmountLamports}

	if err := validateTrade(req.UserID, req.Credential, req.Token); err != nil {
		return o.fail(ctx, res, err)
	}
	if req.AmountLamports == 0 {
		return o.fail(ctx, res, &domain.ValidationError{Field: "amount", Reason: "must be positive"})
	}
	if _, err := solana.ParsePublicKey(req.Token); err != nil {
		return o.fail(ctx, res, &domain.ValidationError{Field: "token", Reason: "not a valid mint address"})
	}
	rules := o.cfg.DefaultRules
	if req.Rules != nil {
		rules = *req.Rules
	}

	unlock, err := o.locks.Acquire(ctx, domain.PositionKey(req.UserID, req.Token), o.cfg.LockTTL)
	if err != nil {
		return o.fail(ctx, res, fmt.Errorf("trade_orchestrator: lock: %w", err))
	}
	defer unlock()

	if o.tracker.Refresh(ctx, req.UserID, req.Token) == nil {
		return o.fail(ctx, res, domain.ErrPositionExists)
	}

	remaining, err := o.limiter.TryAcquire(ctx, req.UserID)
	if err != nil {
		return o.fail(ctx, res, err)
	}
	res.RemainingActions = remaining

	owner := req.Credential.PublicKey()
	built, err := o.builder.BuildSwap(ctx, SwapRequest{
		InputMint:   domain.NativeMint,
		OutputMint:  req.Token,
		Amount:      req.AmountLamports,
		Owner:       owner,
		SlippageBps: o.cfg.SlippageBps,
	})
	if err != nil {
		return o.fail(ctx, res, err)
	}

	botFee := o.botFee(req.AmountLamports)
	required := req.AmountLamports + built.PrioritizationFeeLamports + o.cfg.BaseFeeLamports + botFee
	checkBalance := func(ctx context.Context) error { return o.requireLamports(ctx, owner, required) }
	if err := checkBalance(ctx); err != nil {
		return o.fail(ctx, res, err)
	}

	exec, err := o.execute(ctx, req.Credential, built.Transaction, checkBalance)
	res.Signature = exec.Signature
	if err != nil {
		return o.fail(ctx, res, err)
	}

	change, err := o.verifier.Verify(ctx, exec.Signature, owner, req.Token)
	if err != nil {
		return o.fail(ctx, res, err)
	}
	res.OutputAmount = change.Delta()

	pos := domain.Position{
		UserID:     req.UserID,
		Token:      req.Token,
		EntryPrice: entryPrice(built.Quote, change.Decimals),
		Quantity:   change.Delta(),
		Decimals:   change.Decimals,
		Rules:      rules,
		OpenedAt:   o.clock.Now().UTC(),
	}
	if err := o.tracker.Open(ctx, pos); err != nil {
		return o.fail(ctx, res, err)
	}
	pos, _ = o.tracker.Get(req.UserID, req.Token)
	res.Position = &pos

	res.FeeLamports = botFee
	res.FeeCollected = o.collectFee(ctx, req.Credential, botFee, exec.Signature)

	res.Success = true
	res.Message = fmt.Sprintf("bought %s units of %s for %s SOL", decimal.NewFromBigInt(decimalUnits(change.Delta()), -int32(change.Decimals)), req.Token, domain.FormatLamports(req.AmountLamports))
	o.record(ctx, res, built.Quote, "")
	return res, nil
}

// Sell sells part or all of req.Token. The credential is zeroed before Sell
// returns.
func (o *TradeOrchestrator) Sell(ctx context.Context, req SellRequest) (domain.TradeResult, error) {
	if req.Credential != nil {
		defer req.Credential.Zero()
	}
	res := domain.TradeResult{Side: domain.SideSell, UserID: req.UserID, Token: req.Token}
	if err := validateTrade(req.UserID, req.Credential, req.Token); err != nil {
		return o.fail(ctx, res, err)
	}
	if req.Percentage <= 0 || req.Percentage > 100 {
		return o.fail(ctx, res, &domain.ValidationError{Field: "percentage", Reason: "must be in (0, 100]"})
	}

	unlock, err := o.locks.Acquire(ctx, domain.PositionKey(req.UserID, req.Token), o.cfg.LockTTL)
	if err != nil {
		return o.fail(ctx, res, fmt.Errorf("trade_orchestrator: lock: %w", err))
	}
	defer unlock()

	// Untracked holdings can still be sold.
	_ = o.tracker.Refresh(ctx, req.UserID, req.Token)
	return o.sellLocked(ctx, req.UserID, req.Credential, req.Token, req.Percentage, math.MaxUint64, "")
}

// sellLocked runs a sell with the (user, token) lock already held. It sells
// pct of the on-chain balance, capped at limit base units.
func (o *TradeOrchestrator) sellLocked(ctx context.Context, userID string, cred Credential, token string, pct float64, limit uint64, trigger string) (domain.TradeResult, error) {
	res := domain.TradeResult{Side: domain.SideSell, UserID: userID, Token: token}
	owner := cred.PublicKey()
	mint, err := solana.ParsePublicKey(token)
	if err != nil {
		return o.fail(ctx, res, &domain.ValidationError{Field: "token", Reason: "not a valid mint address"})
	}

	bal, err := o.ledger.GetTokenBalance(ctx, owner, mint)
	if err != nil {
		return o.fail(ctx, res, fmt.Errorf("trade_orchestrator: token balance: %w", err))
	}
	if bal.Amount == 0 {
		return o.fail(ctx, res, &domain.ValidationError{Field: "token", Reason: "no balance to sell"})
	}

	amount := decimal.NewFromBigInt(decimalUnits(bal.Amount), 0).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Truncate(0).BigInt().Uint64()
	if pct >= 100 {
		amount = bal.Amount
	}
	if amount > limit {
		amount = limit
	}
	if amount == 0 {
		return o.fail(ctx, res, &domain.ValidationError{Field: "percentage", Reason: "sell amount rounds to zero"})
	}
	res.InputAmount = amount

	built, err := o.builder.BuildSwap(ctx, SwapRequest{
		InputMint:   token,
		OutputMint:  domain.NativeMint,
		Amount:      amount,
		Owner:       owner,
		SlippageBps: o.cfg.SlippageBps,
	})
	if err != nil {
		return o.fail(ctx, res, err)
	}

	required := built.PrioritizationFeeLamports + o.cfg.BaseFeeLamports
	checkBalance := func(ctx context.Context) error { return o.requireLamports(ctx, owner, required) }
	if err := checkBalance(ctx); err != nil {
		return o.fail(ctx, res, err)
	}

	exec, err := o.execute(ctx, cred, built.Transaction, checkBalance)
	res.Signature = exec.Signature
	if err != nil {
		return o.fail(ctx, res, err)
	}

	change, err := o.verifier.Verify(ctx, exec.Signature, owner, domain.NativeMint)
	if err != nil {
		return o.fail(ctx, res, err)
	}
	res.OutputAmount = change.Delta()

	if pos, ok := o.tracker.Get(userID, token); ok {
		if amount >= bal.Amount || amount >= pos.Quantity {
			_ = o.tracker.Close(ctx, userID, token)
		} else if err := o.tracker.Reduce(ctx, userID, token, amount); err != nil {
			o.logger.WarnContext(ctx, "trade_orchestrator: reduce position failed",
				slog.String("user_id", userID),
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
		}
	}

	botFee := o.botFee(res.OutputAmount)
	res.FeeLamports = botFee
	res.FeeCollected = o.collectFee(ctx, cred, botFee, exec.Signature)

	res.Success = true
	res.Message = fmt.Sprintf("sold %s units of %s for %s SOL", decimal.NewFromBigInt(decimalUnits(amount), -int32(bal.Decimals)), token, domain.FormatLamports(res.OutputAmount))
	o.record(ctx, res, built.Quote, trigger)
	return res, nil
}

// EvaluatePosition feeds price to the tracker under the position's lock and
// closes the position when an exit rule fires. It reports whether a close
// was attempted.
func (o *TradeOrchestrator) EvaluatePosition(ctx context.Context, userID, token string, price float64) (bool, error) {
	unlock, err := o.locks.Acquire(ctx, domain.PositionKey(userID, token), o.cfg.LockTTL)
	if err != nil {
		return false, fmt.Errorf("trade_orchestrator: lock: %w", err)
	}
	defer unlock()

	if err := o.tracker.Refresh(ctx, userID, token); err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			return false, nil
		}
		return false, err
	}
	trig, hit, err := o.tracker.Evaluate(ctx, userID, token, price)
	if err != nil || !hit {
		return false, err
	}
	return true, o.closeLocked(ctx, userID, token, trig)
}

// ClosePosition sells the position's tracked quantity with a credential
// fetched for this close only. A failed sell leaves the position OPEN.
func (o *TradeOrchestrator) ClosePosition(ctx context.Context, userID, token string, trig domain.Trigger) error {
	unlock, err := o.locks.Acquire(ctx, domain.PositionKey(userID, token), o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("trade_orchestrator: lock: %w", err)
	}
	defer unlock()

	if err := o.tracker.Refresh(ctx, userID, token); err != nil {
		return fmt.Errorf("trade_orchestrator: close %s: %w", domain.PositionKey(userID, token), err)
	}
	return o.closeLocked(ctx, userID, token, trig)
}

func (o *TradeOrchestrator) closeLocked(ctx context.Context, userID, token string, trig domain.Trigger) error {
	pos, err := o.tracker.BeginClose(ctx, userID, token)
	if err != nil {
		return fmt.Errorf("trade_orchestrator: close %s: %w", domain.PositionKey(userID, token), err)
	}
	o.logger.InfoContext(ctx, "trade_orchestrator: exit rule fired",
		slog.String("user_id", userID),
		slog.String("token", token),
		slog.String("rule", trig.Kind.String()),
		slog.Float64("price", trig.Price),
		slog.Float64("threshold", trig.Threshold),
		slog.Float64("entry_price", pos.EntryPrice),
	)

	if o.creds == nil {
		_ = o.tracker.Revert(ctx, userID, token)
		return fmt.Errorf("trade_orchestrator: close %s: %w", pos.Key(), domain.ErrMissingCredential)
	}
	cred, err := o.creds.Credential(ctx, userID)
	if err != nil {
		_ = o.tracker.Revert(ctx, userID, token)
		return fmt.Errorf("trade_orchestrator: close %s: %w", pos.Key(), err)
	}
	defer cred.Zero()

	res, err := o.sellLocked(ctx, userID, cred, token, 100, pos.Quantity, trig.Kind.String())
	if err != nil {
		if o.tracker.Has(userID, token) {
			_ = o.tracker.Revert(ctx, userID, token)
		}
		o.notify(ctx, EventCloseError, "Auto-sell failed",
			fmt.Sprintf("%s %s for %s: %v (will retry)", trig.Kind, token, userID, err))
		return err
	}
	o.notify(ctx, EventAutoClose, "Position closed",
		fmt.Sprintf("%s hit for %s at %.8g SOL (threshold %.8g): %s",
			trig.Kind, token, trig.Price, trig.Threshold, res.Message))
	return nil
}

type executionFailure struct {
	res domain.ExecutionResult
}

func (e *executionFailure) Error() string { return e.res.Err().Error() }

// execute runs the executor under the caller-level retry budget. Retryable
// failures wait a linearly growing delay and re-check the balance first. An
// expired block reference is retried once.
func (o *TradeOrchestrator) execute(ctx context.Context, cred Credential, tx any, recheck func(context.Context) error) (domain.ExecutionResult, error) {
	policy := retry.Policy{
		Attempts: o.cfg.ExecAttempts,
		Base:     o.cfg.ExecBackoff,
		Linear:   true,
		Sleep:    o.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			o.logger.WarnContext(ctx, "trade_orchestrator: execution failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		},
	}

	var last domain.ExecutionResult
	expired := 0
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if err := recheck(ctx); err != nil {
				return err
			}
		}
		res, err := o.exec.Execute(ctx, cred, tx)
		if err != nil {
			return err
		}
		last = res
		if !res.Success {
			return &executionFailure{res: res}
		}
		return nil
	}, func(err error) bool {
		var ef *executionFailure
		if !errors.As(err, &ef) || !ef.res.Retryable() {
			return false
		}
		if ef.res.Kind == domain.FailureExpiredReference {
			expired++
			return expired <= 1
		}
		return true
	})
	if err == nil {
		return last, nil
	}
	var ef *executionFailure
	if errors.As(err, &ef) {
		return last, ef.res.Err()
	}
	return last, err
}

func (o *TradeOrchestrator) requireLamports(ctx context.Context, owner solana.PublicKey, required uint64) error {
	bal, err := o.ledger.GetBalance(ctx, owner)
	if err != nil {
		return fmt.Errorf("trade_orchestrator: balance: %w", err)
	}
	if bal < required {
		return &domain.InsufficientBalanceError{Required: required, Available: bal}
	}
	return nil
}

func (o *TradeOrchestrator) botFee(lamports uint64) uint64 {
	if o.cfg.BotFeeFraction <= 0 {
		return 0
	}
	return decimal.NewFromBigInt(decimalUnits(lamports), 0).
		Mul(decimal.NewFromFloat(o.cfg.BotFeeFraction)).
		Truncate(0).BigInt().Uint64()
}

// collectFee is best-effort: the swap already landed, so a failed fee
// transfer is logged and audited, never returned.
func (o *TradeOrchestrator) collectFee(ctx context.Context, cred Credential, lamports uint64, sig string) bool {
	if o.fees == nil || lamports == 0 {
		return false
	}
	if err := o.fees.CollectFee(ctx, cred, lamports); err != nil {
		o.logger.WarnContext(ctx, "trade_orchestrator: fee collection failed",
			slog.String("signature", sig),
			slog.Uint64("lamports", lamports),
			slog.String("error", err.Error()),
		)
		o.auditLog(ctx, "fee_collection_failed", map[string]any{
			"signature": sig,
			"lamports":  lamports,
			"error":     err.Error(),
		})
		return false
	}
	return true
}

// fail logs a failed trade and returns it with err.
func (o *TradeOrchestrator) fail(ctx context.Context, res domain.TradeResult, err error) (domain.TradeResult, error) {
	res.Success = false
	res.Message = userMessage(err)
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		res.RemainingActions = rl.Remaining
	}
	o.logger.WarnContext(ctx, "trade_orchestrator: trade failed",
		slog.String("side", string(res.Side)),
		slog.String("user_id", res.UserID),
		slog.String("token", res.Token),
		slog.String("signature", res.Signature),
		slog.String("error", err.Error()),
	)
	return res, err
}

// record writes the trade row, audit entry and bus event. All best-effort.
func (o *TradeOrchestrator) record(ctx context.Context, res domain.TradeResult, q domain.SwapQuote, trigger string) {
	o.logger.InfoContext(ctx, "trade_orchestrator: trade confirmed",
		slog.String("side", string(res.Side)),
		slog.String("user_id", res.UserID),
		slog.String("token", res.Token),
		slog.String("signature", res.Signature),
		slog.Uint64("input_amount", res.InputAmount),
		slog.Uint64("output_amount", res.OutputAmount),
	)

	rec := domain.TradeRecord{
		ID:           uuid.NewString(),
		UserID:       res.UserID,
		Side:         res.Side,
		Token:        res.Token,
		InputMint:    q.InputMint,
		OutputMint:   q.OutputMint,
		InputAmount:  res.InputAmount,
		OutputAmount: res.OutputAmount,
		Signature:    res.Signature,
		FeeLamports:  res.FeeLamports,
		Trigger:      trigger,
		CreatedAt:    o.clock.Now().UTC(),
	}
	if o.trades != nil {
		if err := o.trades.Insert(ctx, rec); err != nil {
			o.logger.WarnContext(ctx, "trade_orchestrator: record trade failed",
				slog.String("signature", res.Signature),
				slog.String("error", err.Error()),
			)
		}
	}

	event := EventBuy
	if res.Side == domain.SideSell {
		event = EventSell
	}
	o.auditLog(ctx, event, map[string]any{
		"trade_id":      rec.ID,
		"user_id":       rec.UserID,
		"token":         rec.Token,
		"signature":     rec.Signature,
		"input_amount":  rec.InputAmount,
		"output_amount": rec.OutputAmount,
		"fee_lamports":  rec.FeeLamports,
		"fee_collected": res.FeeCollected,
		"trigger":       trigger,
	})

	if o.bus != nil {
		payload, _ := json.Marshal(map[string]any{
			"event":         event,
			"trade_id":      rec.ID,
			"user_id":       rec.UserID,
			"token":         rec.Token,
			"signature":     rec.Signature,
			"input_amount":  rec.InputAmount,
			"output_amount": rec.OutputAmount,
			"timestamp":     rec.CreatedAt.Format(time.RFC3339Nano),
		})
		if err := o.bus.Publish(ctx, TradesChannel, payload); err != nil {
			o.logger.WarnContext(ctx, "trade_orchestrator: publish event failed",
				slog.String("signature", res.Signature),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *TradeOrchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "trade_orchestrator: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (o *TradeOrchestrator) notify(ctx context.Context, event, title, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, event, title, message); err != nil {
		o.logger.WarnContext(ctx, "trade_orchestrator: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func validateTrade(userID string, cred Credential, token string) error {
	switch {
	case userID == "":
		return &domain.ValidationError{Field: "user_id", Reason: "must not be empty"}
	case token == "":
		return &domain.ValidationError{Field: "token", Reason: "must not be empty"}
	case cred == nil:
		return domain.ErrMissingCredential
	}
	return nil
}

// entryPrice is the quoted SOL paid per whole token.
func entryPrice(q domain.SwapQuote, decimals uint8) float64 {
	if q.OutAmount == 0 {
		return 0
	}
	in := decimal.NewFromBigInt(decimalUnits(q.InAmount), -9)
	out := decimal.NewFromBigInt(decimalUnits(q.OutAmount), -int32(decimals))
	return in.Div(out).InexactFloat64()
}

// userMessage renders err for the end user, with guidance for ledger failures.
func userMessage(err error) string {
	var sf *domain.SimulationFailureError
	if errors.As(err, &sf) {
		return sf.Kind.Guidance()
	}
	var ex *domain.ExpiredReferenceError
	if errors.As(err, &ex) {
		return domain.FailureExpiredReference.Guidance()
	}
	return err.Error()
}

func decimalUnits(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
