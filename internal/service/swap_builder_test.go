package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/jupiter"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

func routedQuote(in, out string) *jupiter.QuoteResponse {
	return &jupiter.QuoteResponse{
		InputMint:      domain.NativeMint,
		OutputMint:     testToken,
		InAmount:       in,
		OutAmount:      out,
		PriceImpactPct: "0.012",
		SlippageBps:    100,
		RoutePlan:      []jupiter.RoutePlanStep{{Percent: 100}},
		Raw:            []byte(`{"inAmount":"` + in + `"}`),
	}
}

func swapFor(owner solana.PublicKey) *jupiter.SwapResponse {
	tx := solana.NewTransfer(owner, newCredential(9).PublicKey(), 1, solana.Hash{})
	return &jupiter.SwapResponse{
		SwapTransaction:           tx.Base64(),
		LastValidBlockHeight:      500,
		PrioritizationFeeLamports: 12_000,
	}
}

func buyRequest(owner solana.PublicKey) SwapRequest {
	return SwapRequest{
		InputMint:   domain.NativeMint,
		OutputMint:  testToken,
		Amount:      1_000_000_000,
		Owner:       owner,
		SlippageBps: 100,
	}
}

func TestSwapBuilder_Build(t *testing.T) {
	owner := newCredential(1).PublicKey()
	agg := &fakeAggregator{quote: routedQuote("1000000000", "250000000"), swap: swapFor(owner)}
	b := NewSwapBuilder(agg, discardLogger()).WithMaxPriorityFee(50_000)

	built, err := b.BuildSwap(context.Background(), buyRequest(owner))
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_000_000), built.Quote.InAmount)
	assert.Equal(t, uint64(250_000_000), built.Quote.OutAmount)
	assert.InDelta(t, 0.012, built.Quote.PriceImpactPct, 1e-9)
	assert.Equal(t, uint64(12_000), built.PrioritizationFeeLamports)
	assert.Equal(t, uint64(500), built.LastValidBlockHeight)

	tx, ok := built.Transaction.(*solana.Transaction)
	require.True(t, ok)
	assert.Equal(t, owner, tx.Message.FeePayer())

	require.Len(t, agg.swaps, 1)
	assert.Equal(t, owner.String(), agg.swaps[0].UserPublicKey)
	assert.Equal(t, uint64(50_000), agg.swaps[0].MaxPriorityFeeLamports)
	assert.JSONEq(t, `{"inAmount":"1000000000"}`, string(agg.swaps[0].Quote))
}

func TestSwapBuilder_QuoteFailures(t *testing.T) {
	owner := newCredential(1).PublicKey()
	noRoute := routedQuote("1", "1")
	noRoute.RoutePlan = nil

	tests := []struct {
		name string
		agg  *fakeAggregator
	}{
		{"request error", &fakeAggregator{quoteErr: errors.New("gateway exhausted")}},
		{"aggregator error", &fakeAggregator{quote: &jupiter.QuoteResponse{Error: "Could not find any route"}}},
		{"no route", &fakeAggregator{quote: noRoute}},
		{"zero output", &fakeAggregator{quote: routedQuote("1000", "0")}},
		{"bad amount", &fakeAggregator{quote: routedQuote("lots", "1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSwapBuilder(tt.agg, discardLogger()).BuildSwap(context.Background(), buyRequest(owner))
			var qe *domain.QuoteError
			require.True(t, errors.As(err, &qe), "got %v", err)
			assert.Empty(t, tt.agg.swaps, "no build after a failed quote")
		})
	}
}

func TestSwapBuilder_BuildFailures(t *testing.T) {
	owner := newCredential(1).PublicKey()
	tests := []struct {
		name    string
		swap    *jupiter.SwapResponse
		swapErr error
	}{
		{name: "request error", swapErr: errors.New("boom")},
		{name: "aggregator error", swap: &jupiter.SwapResponse{Error: "slippage too low"}},
		{name: "empty payload", swap: &jupiter.SwapResponse{}},
		{name: "undecodable payload", swap: &jupiter.SwapResponse{SwapTransaction: "AQID"}},
		{name: "wrong fee payer", swap: swapFor(newCredential(2).PublicKey())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &fakeAggregator{quote: routedQuote("1000", "10"), swap: tt.swap, swapErr: tt.swapErr}
			_, err := NewSwapBuilder(agg, discardLogger()).BuildSwap(context.Background(), buyRequest(owner))
			var be *domain.BuildError
			require.True(t, errors.As(err, &be), "got %v", err)
		})
	}
}

func TestSwapBuilder_ValidatesRequest(t *testing.T) {
	owner := newCredential(1).PublicKey()
	agg := &fakeAggregator{}
	b := NewSwapBuilder(agg, discardLogger())

	same := buyRequest(owner)
	same.OutputMint = same.InputMint
	zero := buyRequest(owner)
	zero.Amount = 0
	noOwner := buyRequest(solana.PublicKey{})

	for _, req := range []SwapRequest{same, zero, noOwner} {
		_, err := b.BuildSwap(context.Background(), req)
		var ve *domain.ValidationError
		assert.True(t, errors.As(err, &ve))
	}
}
