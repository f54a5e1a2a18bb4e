package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
	"github.com/alanyoungcy/swapbot/internal/retry"
)

var errNotIndexed = errors.New("transaction not indexed yet")

// Verifier checks that a finalized transaction had the intended effect on the
// signer's balance.
type Verifier struct {
	ledger Ledger
	policy retry.Policy
	logger *slog.Logger
}

// NewVerifier creates a Verifier that waits for indexing with a short linear
// backoff.
func NewVerifier(ledger Ledger, logger *slog.Logger) *Verifier {
	return &Verifier{
		ledger: ledger,
		policy: retry.Policy{Attempts: 5, Base: time.Second, Linear: true},
		logger: logger.With(slog.String("component", "verifier")),
	}
}

// WithRetry replaces the indexing wait policy.
func (v *Verifier) WithRetry(p retry.Policy) *Verifier {
	v.policy = p
	return v
}

// Verify fetches sig and returns owner's balance change in mint. It fails with
// *domain.VerificationError when the record is missing, reports an error, or
// shows no increase.
func (v *Verifier) Verify(ctx context.Context, sig string, owner solana.PublicKey, mint string) (domain.BalanceChange, error) {
	var rec *solana.TransactionRecord
	err := retry.Do(ctx, v.policy, func(ctx context.Context, _ int) error {
		r, err := v.ledger.GetTransaction(ctx, sig)
		if err != nil {
			return err
		}
		if r == nil {
			return errNotIndexed
		}
		rec = r
		return nil
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return domain.BalanceChange{}, err
		}
		return domain.BalanceChange{}, &domain.VerificationError{Signature: sig, Reason: "transaction record not found: " + err.Error()}
	}

	if rec.Meta == nil {
		return domain.BalanceChange{}, &domain.VerificationError{Signature: sig, Reason: "transaction has no metadata"}
	}
	if rec.Meta.Failed() {
		return domain.BalanceChange{}, &domain.VerificationError{Signature: sig, Reason: "ledger reports error " + string(rec.Meta.Err)}
	}

	var change domain.BalanceChange
	if mint == domain.NativeMint {
		change, err = nativeChange(rec, owner)
	} else {
		change, err = tokenChange(rec, owner, mint)
	}
	if err != nil {
		return domain.BalanceChange{}, &domain.VerificationError{Signature: sig, Reason: err.Error()}
	}
	if change.Delta() == 0 {
		return change, &domain.VerificationError{Signature: sig, Reason: "no balance increase in " + mint}
	}

	v.logger.InfoContext(ctx, "verifier: balance change confirmed",
		slog.String("signature", sig),
		slog.String("mint", mint),
		slog.Uint64("delta", change.Delta()),
	)
	return change, nil
}

// nativeChange reads the owner's lamports. The fee is added back so the change
// reflects the swap output alone.
func nativeChange(rec *solana.TransactionRecord, owner solana.PublicKey) (domain.BalanceChange, error) {
	keys := rec.Transaction.Message.AccountKeys
	idx := -1
	for i, k := range keys {
		if k == owner.String() {
			idx = i
			break
		}
	}
	m := rec.Meta
	if idx < 0 || idx >= len(m.PreBalances) || idx >= len(m.PostBalances) {
		return domain.BalanceChange{}, errors.New("owner account missing from balances")
	}
	post := m.PostBalances[idx]
	if idx == 0 {
		post += m.Fee
	}
	return domain.BalanceChange{
		Mint:     domain.NativeMint,
		Pre:      m.PreBalances[idx],
		Post:     post,
		Decimals: 9,
	}, nil
}

func tokenChange(rec *solana.TransactionRecord, owner solana.PublicKey, mint string) (domain.BalanceChange, error) {
	sum := func(entries []solana.TokenBalanceEntry) (uint64, uint8, error) {
		var total uint64
		var dec uint8
		for _, e := range entries {
			if e.Mint != mint || e.Owner != owner.String() {
				continue
			}
			amt, err := strconv.ParseUint(e.UITokenAmount.Amount, 10, 64)
			if err != nil {
				return 0, 0, err
			}
			total += amt
			dec = e.UITokenAmount.Decimals
		}
		return total, dec, nil
	}
	pre, _, err := sum(rec.Meta.PreTokenBalances)
	if err != nil {
		return domain.BalanceChange{}, err
	}
	post, dec, err := sum(rec.Meta.PostTokenBalances)
	if err != nil {
		return domain.BalanceChange{}, err
	}
	return domain.BalanceChange{Mint: mint, Pre: pre, Post: post, Decimals: dec}, nil
}
