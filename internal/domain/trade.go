package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// NativeMint is the wrapped SOL mint the aggregator uses for the native asset.
const NativeMint = "So11111111111111111111111111111111111111112"

// LamportsPerSOL is the number of base units in one SOL.
const LamportsPerSOL = 1_000_000_000

// TradeSide is the direction of a trade from the user's point of view.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// FailureKind classifies a ledger-reported execution failure.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureInsufficientFunds FailureKind = "insufficient_funds"
	FailureExpiredReference  FailureKind = "expired_reference"
	FailureSimulation        FailureKind = "simulation_failure"
	FailureCustomProgram     FailureKind = "custom_program_error"
	FailureUnknown           FailureKind = "unknown"
)

// Guidance is the user-facing explanation for a failure kind.
func (k FailureKind) Guidance() string {
	switch k {
	case FailureInsufficientFunds:
		return "wallet cannot cover the swap and network fees"
	case FailureExpiredReference:
		return "the network was congested and the transaction expired, try again"
	case FailureSimulation:
		return "the swap failed simulation, usually insufficient funds or a dust balance"
	case FailureCustomProgram:
		return "the swap program rejected the trade, the balance is likely too small or dust"
	case FailureUnknown:
		return "the transaction failed for an unknown reason"
	default:
		return ""
	}
}

// ExecutionResult is what the transaction executor returns for a submitted
// transaction. Failures are values, not errors.
type ExecutionResult struct {
	Success   bool
	Signature string
	Kind      FailureKind
	Cause     string
	// Submitted is true once the transaction was handed to the ledger. An
	// unknown failure after submission may still land, so it is not retried.
	Submitted bool
}

// Err maps a failed result onto the error taxonomy. It returns nil on success.
func (r ExecutionResult) Err() error {
	if r.Success {
		return nil
	}
	switch r.Kind {
	case FailureExpiredReference:
		return &ExpiredReferenceError{Cause: r.Cause}
	case FailureInsufficientFunds, FailureSimulation, FailureCustomProgram:
		return &SimulationFailureError{Kind: r.Kind, Cause: r.Cause}
	default:
		return &SimulationFailureError{Kind: FailureUnknown, Cause: r.Cause}
	}
}

// Retryable reports whether a fresh block reference could fix the failure.
func (r ExecutionResult) Retryable() bool {
	if r.Success {
		return false
	}
	switch r.Kind {
	case FailureExpiredReference:
		return true
	case FailureUnknown:
		return !r.Submitted
	default:
		return false
	}
}

// BalanceChange is the verified effect of a transaction on one asset of the
// signer. Amounts are base units.
type BalanceChange struct {
	Mint     string
	Pre      uint64
	Post     uint64
	Decimals uint8
}

// Delta returns the increase in base units, zero if the balance fell.
func (c BalanceChange) Delta() uint64 {
	if c.Post <= c.Pre {
		return 0
	}
	return c.Post - c.Pre
}

// TradeResult is the structured outcome of a buy or sell.
type TradeResult struct {
	Success          bool      `json:"success"`
	Side             TradeSide `json:"side"`
	UserID           string    `json:"user_id"`
	Token            string    `json:"token"`
	Signature        string    `json:"signature,omitempty"`
	InputAmount      uint64    `json:"input_amount"`
	OutputAmount     uint64    `json:"output_amount"`
	FeeLamports      uint64    `json:"fee_lamports"`
	FeeCollected     bool      `json:"fee_collected"`
	Position         *Position `json:"position,omitempty"`
	RemainingActions int       `json:"remaining_actions"`
	Message          string    `json:"message,omitempty"`
}

// TradeRecord is the persisted row for a confirmed trade.
type TradeRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Side         TradeSide `json:"side"`
	Token        string    `json:"token"`
	InputMint    string    `json:"input_mint"`
	OutputMint   string    `json:"output_mint"`
	InputAmount  uint64    `json:"input_amount"`
	OutputAmount uint64    `json:"output_amount"`
	Signature    string    `json:"signature"`
	FeeLamports  uint64    `json:"fee_lamports"`
	Trigger      string    `json:"trigger,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SOLToLamports converts a SOL amount to lamports, truncating dust below one
// lamport.
func SOLToLamports(sol decimal.Decimal) uint64 {
	l := sol.Mul(decimal.NewFromInt(LamportsPerSOL)).Truncate(0)
	if l.Sign() <= 0 {
		return 0
	}
	return l.BigInt().Uint64()
}

// FormatLamports renders lamports as a SOL string.
func FormatLamports(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9).String()
}

// UnitsToFloat converts base units to whole-token units.
func UnitsToFloat(amount uint64, decimals uint8) float64 {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).InexactFloat64()
}
