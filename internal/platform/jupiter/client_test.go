package jupiter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapbot/internal/gateway"
)

const quoteDoc = `{"inputMint":"So11111111111111111111111111111111111111112","inAmount":"1000000000","outputMint":"TokenMint111","outAmount":"5000000","priceImpactPct":"0.0012","slippageBps":50,"routePlan":[{"swapInfo":{"ammKey":"amm1","label":"Orca"},"percent":100}]}`

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	gw := gateway.New(gateway.Options{BaseURL: srv.URL, MaxAttempts: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewClient(gw)
}

func TestQuote(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap/v1/quote", r.URL.Path)
		assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "50", r.URL.Query().Get("slippageBps"))
		_, _ = io.WriteString(w, quoteDoc)
	}))

	q, err := c.Quote(context.Background(), QuoteParams{
		InputMint: "So11111111111111111111111111111111111111112", OutputMint: "TokenMint111",
		Amount: 1_000_000_000, SlippageBps: 50,
	})
	require.NoError(t, err)
	in, out, err := q.Amounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), in)
	assert.Equal(t, uint64(5_000_000), out)
	assert.InDelta(t, 0.0012, q.PriceImpact(), 1e-9)
	assert.Len(t, q.RoutePlan, 1)
	assert.JSONEq(t, quoteDoc, string(q.Raw))
}

func TestQuoteErrorBody(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`)
	}))

	_, err := c.Quote(context.Background(), QuoteParams{InputMint: "a", OutputMint: "b", Amount: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Could not find any route", apiErr.Message)

	var se *gateway.StatusError
	assert.ErrorAs(t, err, &se)
}

func TestSwapEchoesQuote(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, quoteDoc, string(body["quoteResponse"]))
		assert.JSONEq(t, `"Owner111"`, string(body["userPublicKey"]))
		assert.JSONEq(t, `true`, string(body["wrapAndUnwrapSol"]))
		assert.JSONEq(t, `"auto"`, string(body["prioritizationFeeLamports"]))
		_, _ = io.WriteString(w, `{"swapTransaction":"AQID","lastValidBlockHeight":279,"prioritizationFeeLamports":5000}`)
	}))

	resp, err := c.Swap(context.Background(), SwapParams{Quote: json.RawMessage(quoteDoc), UserPublicKey: "Owner111"})
	require.NoError(t, err)
	assert.Equal(t, "AQID", resp.SwapTransaction)
	assert.Equal(t, uint64(279), resp.LastValidBlockHeight)
	assert.Equal(t, uint64(5000), resp.PrioritizationFeeLamports)
}

func TestPrices(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mintA,mintB,mintC", r.URL.Query().Get("ids"))
		assert.Equal(t, "So11111111111111111111111111111111111111112", r.URL.Query().Get("vsToken"))
		_, _ = io.WriteString(w, `{"data":{"mintA":{"id":"mintA","price":"0.0021"},"mintB":{"id":"mintB","price":3.5},"mintC":null}}`)
	}))

	prices, err := c.Prices(context.Background(), "So11111111111111111111111111111111111111112", "mintA", "mintB", "mintC")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"mintA": 0.0021, "mintB": 3.5}, prices)
}
