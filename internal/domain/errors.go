package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLockHeld          = errors.New("lock already held")
	ErrPositionExists    = errors.New("position already open for token")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionClosing   = errors.New("position is closing")
	ErrMissingCredential = errors.New("signer credential missing or cleared")
)

// ValidationError reports a malformed trade request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError is returned when a user has used up the actions allowed in
// the current window.
type RateLimitError struct {
	UserID    string
	Limit     int
	Remaining int
	RetryAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d actions reached for user %s, retry at %s",
		e.Limit, e.UserID, e.RetryAt.UTC().Format(time.RFC3339))
}

// CircuitOpenError is returned without any network call while the gateway
// circuit is open.
type CircuitOpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open until %s", e.Name, e.RetryAt.UTC().Format(time.RFC3339))
}

// GatewayExhaustedError wraps the last failure after the attempt budget of
// one logical gateway call is spent.
type GatewayExhaustedError struct {
	Attempts int
	Err      error
}

func (e *GatewayExhaustedError) Error() string {
	return fmt.Sprintf("gateway gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GatewayExhaustedError) Unwrap() error { return e.Err }

// QuoteError is returned when the aggregator has no usable quote.
type QuoteError struct {
	Reason string
	Err    error
}

func (e *QuoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quote failed: %s: %v", e.Reason, e.Err)
	}
	return "quote failed: " + e.Reason
}

func (e *QuoteError) Unwrap() error { return e.Err }

// BuildError is returned when the aggregator does not produce a usable swap
// transaction.
type BuildError struct {
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("swap build failed: %s: %v", e.Reason, e.Err)
	}
	return "swap build failed: " + e.Reason
}

func (e *BuildError) Unwrap() error { return e.Err }

// InsufficientBalanceError is returned before anything touches the ledger
// when the signer cannot cover the trade plus fees. Amounts are lamports.
type InsufficientBalanceError struct {
	Required  uint64
	Available uint64
}

// Shortfall returns the missing amount in lamports.
func (e *InsufficientBalanceError) Shortfall() uint64 {
	if e.Available >= e.Required {
		return 0
	}
	return e.Required - e.Available
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %s SOL, have %s SOL (short %s SOL)",
		FormatLamports(e.Required), FormatLamports(e.Available), FormatLamports(e.Shortfall()))
}

// InvalidTransactionTypeError means the build pipeline handed the executor
// something other than a decoded ledger transaction.
type InvalidTransactionTypeError struct {
	Got string
}

func (e *InvalidTransactionTypeError) Error() string {
	return fmt.Sprintf("invalid transaction type %s", e.Got)
}

// ExpiredReferenceError means the block reference expired before the
// transaction was finalized.
type ExpiredReferenceError struct {
	Cause string
}

func (e *ExpiredReferenceError) Error() string {
	return "block reference expired: " + e.Cause
}

// SimulationFailureError covers ledger rejections that retrying will not
// fix: simulation failures, program errors and insufficient funds.
type SimulationFailureError struct {
	Kind  FailureKind
	Cause string
}

func (e *SimulationFailureError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Cause, e.Kind.Guidance())
}

// VerificationError reports a transaction that landed but did not produce the
// expected balance change. The trade is not rolled back.
type VerificationError struct {
	Signature string
	Reason    string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification of %s failed: %s", e.Signature, e.Reason)
}
