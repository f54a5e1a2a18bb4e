// Package jupiter is the client for the swap aggregator's quote, swap and
// price endpoints. All calls go through the resilient gateway.
package jupiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/swapbot/internal/gateway"
)

// Doer is the gateway surface the client needs.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Client talks to the aggregator API.
type Client struct {
	gw        Doer
	quotePath string
	swapPath  string
	pricePath string
}

// NewClient creates a Client on top of gw.
func NewClient(gw Doer) *Client {
	return &Client{
		gw:        gw,
		quotePath: "/swap/v1/quote",
		swapPath:  "/swap/v1/swap",
		pricePath: "/price/v2",
	}
}

// WithPaths overrides the endpoint paths, for self-hosted or legacy APIs.
func (c *Client) WithPaths(quote, swap, price string) *Client {
	if quote != "" {
		c.quotePath = quote
	}
	if swap != "" {
		c.swapPath = swap
	}
	if price != "" {
		c.pricePath = price
	}
	return c
}

// Quote requests a route for params.
func (c *Client) Quote(ctx context.Context, p QuoteParams) (*QuoteResponse, error) {
	q := map[string]string{
		"inputMint":  p.InputMint,
		"outputMint": p.OutputMint,
		"amount":     strconv.FormatUint(p.Amount, 10),
	}
	if p.SlippageBps > 0 {
		q["slippageBps"] = strconv.Itoa(p.SlippageBps)
	}

	resp, err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: c.quotePath, Query: q})
	if err != nil {
		return nil, fmt.Errorf("jupiter: quote: %w", apiError(err))
	}

	var out QuoteResponse
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("jupiter: quote: %w", err)
	}
	out.Raw = json.RawMessage(resp.Body)
	return &out, nil
}

// Swap requests the unsigned swap transaction for a quote.
func (c *Client) Swap(ctx context.Context, p SwapParams) (*SwapResponse, error) {
	body := swapRequest{
		QuoteResponse:             p.Quote,
		UserPublicKey:             p.UserPublicKey,
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	}
	if p.MaxPriorityFeeLamports > 0 {
		body.PrioritizationFeeLamports = map[string]any{
			"priorityLevelWithMaxLamports": map[string]any{
				"maxLamports":   p.MaxPriorityFeeLamports,
				"priorityLevel": "high",
			},
		}
	}

	resp, err := c.gw.Do(ctx, gateway.Request{Method: http.MethodPost, Path: c.swapPath, Body: body})
	if err != nil {
		return nil, fmt.Errorf("jupiter: swap: %w", apiError(err))
	}

	var out SwapResponse
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("jupiter: swap: %w", err)
	}
	return &out, nil
}

// Prices returns the price of each mint in vsToken units (USD when vsToken is
// empty). Mints without a price are absent from the result.
func (c *Client) Prices(ctx context.Context, vsToken string, mints ...string) (map[string]float64, error) {
	q := map[string]string{"ids": strings.Join(mints, ",")}
	if vsToken != "" {
		q["vsToken"] = vsToken
	}
	resp, err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Path: c.pricePath, Query: q})
	if err != nil {
		return nil, fmt.Errorf("jupiter: price: %w", apiError(err))
	}

	var pr priceResponse
	if err := resp.JSON(&pr); err != nil {
		return nil, fmt.Errorf("jupiter: price: %w", err)
	}
	out := make(map[string]float64, len(pr.Data))
	for mint, d := range pr.Data {
		if d == nil || d.Price <= 0 {
			continue
		}
		out[mint] = float64(d.Price)
	}
	return out, nil
}

// apiError lifts the aggregator's {"error": "..."} body out of a status error.
func apiError(err error) error {
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var doc struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(se.Body), &doc) != nil {
		return err
	}
	msg := doc.Error
	if msg == "" {
		msg = doc.Message
	}
	if msg == "" {
		return err
	}
	return &APIError{StatusCode: se.StatusCode, Message: msg, Err: err}
}
