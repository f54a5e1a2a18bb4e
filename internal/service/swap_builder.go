package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/jupiter"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

// SwapRequest describes one swap to build.
type SwapRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	Owner       solana.PublicKey
	SlippageBps int
}

// SwapBuilder turns a swap request into a quote plus a decoded, unsigned
// transaction. It makes exactly two aggregator calls and has no other side
// effects.
type SwapBuilder struct {
	agg            Aggregator
	maxPriorityFee uint64
	logger         *slog.Logger
}

// NewSwapBuilder creates a SwapBuilder.
func NewSwapBuilder(agg Aggregator, logger *slog.Logger) *SwapBuilder {
	return &SwapBuilder{
		agg:    agg,
		logger: logger.With(slog.String("component", "swap_builder")),
	}
}

// WithMaxPriorityFee caps the priority fee the aggregator may add.
func (b *SwapBuilder) WithMaxPriorityFee(lamports uint64) *SwapBuilder {
	b.maxPriorityFee = lamports
	return b
}

// BuildSwap quotes and builds req.
func (b *SwapBuilder) BuildSwap(ctx context.Context, req SwapRequest) (domain.BuiltSwap, error) {
	switch {
	case req.InputMint == "" || req.OutputMint == "":
		return domain.BuiltSwap{}, &domain.ValidationError{Field: "mint", Reason: "must not be empty"}
	case req.InputMint == req.OutputMint:
		return domain.BuiltSwap{}, &domain.ValidationError{Field: "mint", Reason: "input and output are the same"}
	case req.Amount == 0:
		return domain.BuiltSwap{}, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	case req.Owner.IsZero():
		return domain.BuiltSwap{}, &domain.ValidationError{Field: "owner", Reason: "must be set"}
	}

	q, err := b.agg.Quote(ctx, jupiter.QuoteParams{
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		Amount:      req.Amount,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		return domain.BuiltSwap{}, &domain.QuoteError{Reason: "aggregator request failed", Err: err}
	}
	if q.Error != "" {
		return domain.BuiltSwap{}, &domain.QuoteError{Reason: q.Error}
	}
	if len(q.RoutePlan) == 0 {
		return domain.BuiltSwap{}, &domain.QuoteError{Reason: "no route"}
	}
	in, out, err := q.Amounts()
	if err != nil {
		return domain.BuiltSwap{}, &domain.QuoteError{Reason: "bad amounts", Err: err}
	}
	if out == 0 {
		return domain.BuiltSwap{}, &domain.QuoteError{Reason: "zero output amount"}
	}

	sr, err := b.agg.Swap(ctx, jupiter.SwapParams{
		Quote:                  q.Raw,
		UserPublicKey:          req.Owner.String(),
		MaxPriorityFeeLamports: b.maxPriorityFee,
	})
	if err != nil {
		return domain.BuiltSwap{}, &domain.BuildError{Reason: "aggregator request failed", Err: err}
	}
	if sr.Error != "" {
		return domain.BuiltSwap{}, &domain.BuildError{Reason: sr.Error}
	}
	if sr.SwapTransaction == "" {
		return domain.BuiltSwap{}, &domain.BuildError{Reason: "empty transaction payload"}
	}

	tx, err := solana.DecodeTransactionBase64(sr.SwapTransaction)
	if err != nil {
		return domain.BuiltSwap{}, &domain.BuildError{Reason: "decode transaction", Err: err}
	}
	if tx.Message.FeePayer() != req.Owner {
		return domain.BuiltSwap{}, &domain.BuildError{
			Reason: fmt.Sprintf("fee payer %s is not owner %s", tx.Message.FeePayer(), req.Owner),
		}
	}

	built := domain.BuiltSwap{
		Quote: domain.SwapQuote{
			InputMint:      req.InputMint,
			OutputMint:     req.OutputMint,
			InAmount:       in,
			OutAmount:      out,
			PriceImpactPct: q.PriceImpact(),
			SlippageBps:    q.SlippageBps,
			Raw:            q.Raw,
		},
		Transaction:               tx,
		PrioritizationFeeLamports: sr.PrioritizationFeeLamports,
		LastValidBlockHeight:      sr.LastValidBlockHeight,
	}
	b.logger.DebugContext(ctx, "swap_builder: swap built",
		slog.String("input_mint", req.InputMint),
		slog.String("output_mint", req.OutputMint),
		slog.Uint64("in_amount", in),
		slog.Uint64("out_amount", out),
		slog.Uint64("priority_fee", sr.PrioritizationFeeLamports),
	)
	return built, nil
}
