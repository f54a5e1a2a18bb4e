package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

// FeeCollector transfers the bot fee from the trader to the fee wallet with a
// plain system transfer signed by the trader's credential.
type FeeCollector struct {
	exec    Executor
	wallet  solana.PublicKey
	minimum uint64
	logger  *slog.Logger
}

// NewFeeCollector creates a FeeCollector paying into wallet. Amounts below
// minimum lamports are skipped. A zero wallet disables collection.
func NewFeeCollector(exec Executor, wallet solana.PublicKey, minimum uint64, logger *slog.Logger) *FeeCollector {
	return &FeeCollector{
		exec:    exec,
		wallet:  wallet,
		minimum: minimum,
		logger:  logger.With(slog.String("component", "fee_collector")),
	}
}

// CollectFee sends lamports from signer to the fee wallet.
func (f *FeeCollector) CollectFee(ctx context.Context, signer solana.Signer, lamports uint64) error {
	if f.wallet.IsZero() || lamports == 0 || lamports < f.minimum {
		f.logger.DebugContext(ctx, "fee_collector: skipped", slog.Uint64("lamports", lamports))
		return nil
	}
	if signer.PublicKey() == f.wallet {
		return nil
	}

	tx := solana.NewTransfer(signer.PublicKey(), f.wallet, lamports, solana.Hash{})
	res, err := f.exec.Execute(ctx, signer, tx)
	if err != nil {
		return fmt.Errorf("fee_collector: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("fee_collector: transfer %s SOL: %w", domain.FormatLamports(lamports), res.Err())
	}
	f.logger.InfoContext(ctx, "fee_collector: fee collected",
		slog.String("signature", res.Signature),
		slog.Uint64("lamports", lamports),
	)
	return nil
}
