package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/swapbot/internal/retry"
)

// Commitment levels.
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// RPCError is a JSON-RPC error returned by the node. Data holds the error's
// data member re-encoded as JSON, which carries simulation logs and the
// instruction error for rejected transactions.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("solana rpc %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("solana rpc %d: %s", e.Code, e.Message)
}

// RPC is a ledger JSON-RPC client. Read calls retry transport failures;
// node-reported errors are returned at once.
type RPC struct {
	c     *rpc.Client
	retry retry.Policy
}

// Dial connects to a node's HTTP endpoint.
func Dial(ctx context.Context, url string) (*RPC, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("solana: dial %s: %w", url, err)
	}
	return NewRPC(c), nil
}

// NewRPC wraps an existing JSON-RPC client.
func NewRPC(c *rpc.Client) *RPC {
	return &RPC{
		c:     c,
		retry: retry.Policy{Attempts: 3, Base: 250 * time.Millisecond, Max: 2 * time.Second},
	}
}

// WithRetry replaces the read retry policy.
func (r *RPC) WithRetry(p retry.Policy) *RPC {
	r.retry = p
	return r
}

// Close releases the underlying connection.
func (r *RPC) Close() { r.c.Close() }

// call performs one request with no retry and maps node errors to *RPCError.
func (r *RPC) call(ctx context.Context, out any, method string, args ...any) error {
	err := r.c.CallContext(ctx, out, method, args...)
	if err == nil {
		return nil
	}
	var re rpc.Error
	if errors.As(err, &re) {
		rpcErr := &RPCError{Code: re.ErrorCode(), Message: re.Error()}
		var de rpc.DataError
		if errors.As(err, &de) && de.ErrorData() != nil {
			if b, jerr := json.Marshal(de.ErrorData()); jerr == nil {
				rpcErr.Data = string(b)
			}
		}
		return rpcErr
	}
	return fmt.Errorf("solana: %s: %w", method, err)
}

// read is call with transport retries.
func (r *RPC) read(ctx context.Context, out any, method string, args ...any) error {
	return retry.Do(ctx, r.retry, func(ctx context.Context, _ int) error {
		return r.call(ctx, out, method, args...)
	}, func(err error) bool {
		var re *RPCError
		return ctx.Err() == nil && !errors.As(err, &re)
	})
}

type valueResult[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

type commitmentOpts struct {
	Commitment string `json:"commitment,omitempty"`
}

// GetBalance returns the lamport balance of an account.
func (r *RPC) GetBalance(ctx context.Context, account PublicKey) (uint64, error) {
	var res valueResult[uint64]
	if err := r.read(ctx, &res, "getBalance", account.String(), commitmentOpts{CommitmentConfirmed}); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// TokenBalance is the summed balance of an owner's token accounts for a mint.
type TokenBalance struct {
	Amount   uint64
	Decimals uint8
}

type tokenAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data struct {
			Parsed struct {
				Info struct {
					Mint        string `json:"mint"`
					TokenAmount struct {
						Amount   string `json:"amount"`
						Decimals uint8  `json:"decimals"`
					} `json:"tokenAmount"`
				} `json:"info"`
			} `json:"parsed"`
		} `json:"data"`
	} `json:"account"`
}

// GetTokenBalance sums every token account owner holds for mint. An owner
// with no accounts has a zero balance.
func (r *RPC) GetTokenBalance(ctx context.Context, owner, mint PublicKey) (TokenBalance, error) {
	var res valueResult[[]tokenAccount]
	err := r.read(ctx, &res, "getTokenAccountsByOwner",
		owner.String(),
		map[string]string{"mint": mint.String()},
		map[string]string{"encoding": "jsonParsed", "commitment": CommitmentConfirmed},
	)
	if err != nil {
		return TokenBalance{}, err
	}

	var tb TokenBalance
	for _, acc := range res.Value {
		ta := acc.Account.Data.Parsed.Info.TokenAmount
		amt, err := strconv.ParseUint(ta.Amount, 10, 64)
		if err != nil {
			return TokenBalance{}, fmt.Errorf("solana: token account %s amount %q: %w", acc.Pubkey, ta.Amount, err)
		}
		tb.Amount += amt
		tb.Decimals = ta.Decimals
	}
	return tb, nil
}

// GetLatestBlockhash returns the newest finalized blockhash and the last block
// height at which a transaction referencing it is valid.
func (r *RPC) GetLatestBlockhash(ctx context.Context) (Hash, uint64, error) {
	var res valueResult[struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}]
	if err := r.read(ctx, &res, "getLatestBlockhash", commitmentOpts{CommitmentFinalized}); err != nil {
		return Hash{}, 0, err
	}
	h, err := ParseHash(res.Value.Blockhash)
	if err != nil {
		return Hash{}, 0, err
	}
	return h, res.Value.LastValidBlockHeight, nil
}

// GetBlockHeight returns the current block height.
func (r *RPC) GetBlockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	if err := r.read(ctx, &h, "getBlockHeight", commitmentOpts{CommitmentConfirmed}); err != nil {
		return 0, err
	}
	return h, nil
}

// SendTransaction submits a signed transaction with preflight simulation
// enabled. It is never retried here: a resend is a new attempt.
func (r *RPC) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	var sig string
	err := r.call(ctx, &sig, "sendTransaction", tx.Base64(), map[string]any{
		"encoding":            "base64",
		"skipPreflight":       false,
		"preflightCommitment": CommitmentConfirmed,
		"maxRetries":          0,
	})
	if err != nil {
		return "", err
	}
	return sig, nil
}

// SignatureStatus is a transaction's processing status. Err is the raw
// transaction error, null when the transaction succeeded.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the status carries a transaction error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// GetSignatureStatus returns the status of sig, or nil when the node has not
// seen it.
func (r *RPC) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	var res valueResult[[]*SignatureStatus]
	err := r.read(ctx, &res, "getSignatureStatuses", []string{sig},
		map[string]bool{"searchTransactionHistory": true})
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// UITokenAmount is a token balance as reported in transaction metadata.
type UITokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// TokenBalanceEntry is one pre or post token balance of a transaction.
type TokenBalanceEntry struct {
	AccountIndex  int           `json:"accountIndex"`
	Mint          string        `json:"mint"`
	Owner         string        `json:"owner"`
	UITokenAmount UITokenAmount `json:"uiTokenAmount"`
}

// TransactionMeta is the execution metadata of a landed transaction.
type TransactionMeta struct {
	Err               json.RawMessage     `json:"err"`
	Fee               uint64              `json:"fee"`
	PreBalances       []uint64            `json:"preBalances"`
	PostBalances      []uint64            `json:"postBalances"`
	PreTokenBalances  []TokenBalanceEntry `json:"preTokenBalances"`
	PostTokenBalances []TokenBalanceEntry `json:"postTokenBalances"`
	LogMessages       []string            `json:"logMessages"`
}

// Failed reports whether the transaction executed with an error.
func (m *TransactionMeta) Failed() bool {
	return len(m.Err) > 0 && string(m.Err) != "null"
}

// TransactionRecord is a finalized transaction as returned by getTransaction.
type TransactionRecord struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
}

// GetTransaction fetches a finalized transaction. It returns nil, nil when the
// node has not indexed sig yet.
func (r *RPC) GetTransaction(ctx context.Context, sig string) (*TransactionRecord, error) {
	var rec *TransactionRecord
	err := r.read(ctx, &rec, "getTransaction", sig, map[string]any{
		"encoding":                       "json",
		"commitment":                     CommitmentFinalized,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
