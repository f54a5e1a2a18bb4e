package service

import (
	"context"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/jupiter"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

// Aggregator is the swap aggregator surface used by SwapBuilder.
type Aggregator interface {
	Quote(ctx context.Context, p jupiter.QuoteParams) (*jupiter.QuoteResponse, error)
	Swap(ctx context.Context, p jupiter.SwapParams) (*jupiter.SwapResponse, error)
}

// Ledger is the JSON-RPC surface used for balances, submission and
// confirmation.
type Ledger interface {
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (solana.TokenBalance, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (string, error)
	GetSignatureStatus(ctx context.Context, sig string) (*solana.SignatureStatus, error)
	GetTransaction(ctx context.Context, sig string) (*solana.TransactionRecord, error)
}

// Credential is a signer held for one operation. Zero discards the key.
type Credential interface {
	solana.Signer
	Zero()
}

// CredentialSource hands out a fresh credential per operation for background
// closes, where no caller-supplied credential exists.
type CredentialSource interface {
	Credential(ctx context.Context, userID string) (Credential, error)
}

// PriceSource reports the current price of a token in SOL per whole token.
type PriceSource interface {
	CurrentPrice(ctx context.Context, mint string) (float64, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context, userID string) (Credential, error)

func (f CredentialFunc) Credential(ctx context.Context, userID string) (Credential, error) {
	return f(ctx, userID)
}

// PriceQuoter fetches fresh prices from the aggregator.
type PriceQuoter interface {
	Prices(ctx context.Context, vsToken string, mints ...string) (map[string]float64, error)
}

// Builder builds swaps; SwapBuilder is the production implementation.
type Builder interface {
	BuildSwap(ctx context.Context, req SwapRequest) (domain.BuiltSwap, error)
}

// Executor submits and confirms a transaction; TxExecutor is the production
// implementation.
type Executor interface {
	Execute(ctx context.Context, signer solana.Signer, tx any) (domain.ExecutionResult, error)
}

// BalanceVerifier confirms a landed transaction's balance effect.
type BalanceVerifier interface {
	Verify(ctx context.Context, sig string, owner solana.PublicKey, mint string) (domain.BalanceChange, error)
}

// FeeSink collects the bot fee for a trade.
type FeeSink interface {
	CollectFee(ctx context.Context, signer solana.Signer, lamports uint64) error
}

// Notifier delivers operator and user alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
