package jupiter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// QuoteParams are the inputs to GET /quote.
type QuoteParams struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

// QuoteResponse is the aggregator's quote. Raw keeps the exact document so it
// can be echoed back to the swap endpoint.
type QuoteResponse struct {
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct string          `json:"priceImpactPct"`
	SlippageBps    int             `json:"slippageBps"`
	RoutePlan      []RoutePlanStep `json:"routePlan"`
	Error          string          `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// RoutePlanStep is one hop of a quoted route.
type RoutePlanStep struct {
	SwapInfo struct {
		AmmKey     string `json:"ammKey"`
		Label      string `json:"label"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
	} `json:"swapInfo"`
	Percent int `json:"percent"`
}

// Amounts parses the in and out amounts.
func (q *QuoteResponse) Amounts() (in, out uint64, err error) {
	in, err = strconv.ParseUint(q.InAmount, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("jupiter: parse inAmount %q: %w", q.InAmount, err)
	}
	out, err = strconv.ParseUint(q.OutAmount, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("jupiter: parse outAmount %q: %w", q.OutAmount, err)
	}
	return in, out, nil
}

// PriceImpact returns the price impact as a fraction. Unparseable values read
// as zero.
func (q *QuoteResponse) PriceImpact() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(q.PriceImpactPct), 64)
	if err != nil {
		return 0
	}
	return v
}

// SwapParams are the inputs to POST /swap.
type SwapParams struct {
	Quote         json.RawMessage
	UserPublicKey string
	// MaxPriorityFeeLamports caps the automatic priority fee. Zero lets the
	// aggregator choose.
	MaxPriorityFeeLamports uint64
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports any             `json:"prioritizationFeeLamports"`
}

// SwapResponse carries the unsigned base64 transaction.
type SwapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
	Error                     string `json:"error,omitempty"`
}

// flexFloat decodes a JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jupiter: price %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

type priceResponse struct {
	Data map[string]*struct {
		ID    string    `json:"id"`
		Price flexFloat `json:"price"`
	} `json:"data"`
}

// APIError is an error document returned with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jupiter: http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }
