package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

// ExecutorOptions bounds confirmation waits.
type ExecutorOptions struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultExecutorOptions returns the production defaults.
func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		ConfirmTimeout: 90 * time.Second,
		PollInterval:   2 * time.Second,
	}
}

// TxExecutor stamps, signs, submits and confirms transactions. Ledger
// failures come back as ExecutionResult values; only contract violations
// (wrong transaction type, unusable credential) are returned as errors.
type TxExecutor struct {
	ledger Ledger
	opts   ExecutorOptions
	clock  clock.Clock
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewTxExecutor creates a TxExecutor.
func NewTxExecutor(ledger Ledger, opts ExecutorOptions, logger *slog.Logger) *TxExecutor {
	def := DefaultExecutorOptions()
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = def.ConfirmTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &TxExecutor{
		ledger: ledger,
		opts:   opts,
		clock:  clock.Real{},
		sleep:  clock.Sleep,
		logger: logger.With(slog.String("component", "tx_executor")),
	}
}

// WithClock sets the clock used for the confirmation deadline.
func (e *TxExecutor) WithClock(c clock.Clock) *TxExecutor {
	e.clock = c
	return e
}

// WithSleeper sets the wait used between confirmation polls.
func (e *TxExecutor) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *TxExecutor {
	e.sleep = fn
	return e
}

// Execute signs tx with signer against a fresh blockhash, submits it and waits
// for finalization.
func (e *TxExecutor) Execute(ctx context.Context, signer solana.Signer, tx any) (domain.ExecutionResult, error) {
	stx, ok := tx.(*solana.Transaction)
	if !ok || stx == nil {
		return domain.ExecutionResult{}, &domain.InvalidTransactionTypeError{Got: fmt.Sprintf("%T", tx)}
	}

	hash, lastValid, err := e.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		kind, cause := classifyError(err)
		return domain.ExecutionResult{Kind: kind, Cause: "fetch blockhash: " + cause}, nil
	}
	stx.SetBlockhash(hash)
	if err := stx.Sign(signer); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("tx_executor: %w", err)
	}
	sig := stx.ID().String()

	if _, err := e.ledger.SendTransaction(ctx, stx); err != nil {
		var re *solana.RPCError
		if errors.As(err, &re) {
			kind, cause := classifyError(err)
			e.logger.WarnContext(ctx, "tx_executor: submit rejected",
				slog.String("signature", sig),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			return domain.ExecutionResult{Signature: sig, Kind: kind, Cause: cause}, nil
		}
		// The node may have accepted the transaction before the response was
		// lost, so its fate is decided by the signature status.
		e.logger.WarnContext(ctx, "tx_executor: submit response lost, confirming by signature",
			slog.String("signature", sig),
			slog.String("error", err.Error()),
		)
	}

	return e.confirm(ctx, sig, lastValid)
}

// confirm polls until sig is finalized, fails, or can no longer land.
func (e *TxExecutor) confirm(ctx context.Context, sig string, lastValid uint64) (domain.ExecutionResult, error) {
	pending := domain.ExecutionResult{Signature: sig, Submitted: true}
	deadline := e.clock.Now().Add(e.opts.ConfirmTimeout)

	for {
		status, err := e.ledger.GetSignatureStatus(ctx, sig)
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "tx_executor: status poll failed",
				slog.String("signature", sig),
				slog.String("error", err.Error()),
			)
		case status != nil && status.Failed():
			kind, cause := classifyStatusErr(status.Err)
			pending.Kind, pending.Cause = kind, cause
			return pending, nil
		case status != nil && status.ConfirmationStatus == solana.CommitmentFinalized:
			e.logger.InfoContext(ctx, "tx_executor: transaction finalized",
				slog.String("signature", sig),
				slog.Uint64("slot", status.Slot),
			)
			return domain.ExecutionResult{Success: true, Signature: sig, Submitted: true}, nil
		case status == nil:
			// Unseen transactions expire once the chain passes lastValid.
			height, err := e.ledger.GetBlockHeight(ctx)
			if err == nil && height > lastValid {
				pending.Kind = domain.FailureExpiredReference
				pending.Cause = fmt.Sprintf("block height exceeded: %d > %d", height, lastValid)
				return pending, nil
			}
		}

		if !e.clock.Now().Before(deadline) {
			pending.Kind = domain.FailureUnknown
			pending.Cause = fmt.Sprintf("not finalized within %s", e.opts.ConfirmTimeout)
			return pending, nil
		}
		if err := e.sleep(ctx, e.opts.PollInterval); err != nil {
			pending.Kind = domain.FailureUnknown
			pending.Cause = "confirmation wait cancelled"
			return pending, err
		}
	}
}
