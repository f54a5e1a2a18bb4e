package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/crypto"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

type memTradeStore struct {
	mu   sync.Mutex
	rows []domain.TradeRecord
}

func (m *memTradeStore) Insert(_ context.Context, r domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
	return nil
}

func (m *memTradeStore) ListByUser(_ context.Context, userID string, _ domain.ListOpts) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeRecord
	for _, r := range m.rows {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingBus struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.payloads = append(b.payloads, payload)
	return nil
}

type orchFixture struct {
	clk      *clock.Fake
	ledger   *fakeLedger
	builder  *fakeBuilder
	exec     *fakeExecutor
	verifier *fakeVerifier
	tracker  *PositionTracker
	limiter  *RateLimiter
	fees     *fakeFees
	trades   *memTradeStore
	bus      *recordingBus
	notes    *recordingNotifier
	orch     *TradeOrchestrator
}

const (
	oneSOL      = 1_000_000_000
	priorityFee = 10_000_000
)

func newOrchFixture(limit int) *orchFixture {
	clk := clock.NewFake(testT0)
	f := &orchFixture{
		clk:    clk,
		ledger: &fakeLedger{},
		builder: &fakeBuilder{built: domain.BuiltSwap{
			Quote:                     domain.SwapQuote{InputMint: domain.NativeMint, OutputMint: testToken, InAmount: oneSOL, OutAmount: 250_000_000},
			Transaction:               "signed elsewhere",
			PrioritizationFeeLamports: priorityFee,
		}},
		exec:     &fakeExecutor{results: []domain.ExecutionResult{{Success: true, Signature: "sig-1", Submitted: true}}},
		verifier: &fakeVerifier{change: domain.BalanceChange{Pre: 0, Post: 249_000_000, Decimals: 6}},
		tracker:  NewPositionTracker(nil, discardLogger()).WithClock(clk),
		limiter:  NewRateLimiter(limit, time.Hour, discardLogger()).WithClock(clk),
		fees:     &fakeFees{},
		trades:   &memTradeStore{},
		bus:      &recordingBus{},
		notes:    &recordingNotifier{},
	}
	cfg := DefaultTradeConfig()
	cfg.ExecBackoff = time.Second
	cfg.DefaultRules = domain.ExitRules{StopLoss: 0.2, TakeProfit: 0.5}

	f.orch = NewTradeOrchestrator(f.limiter, f.builder, f.exec, f.verifier, f.tracker, f.ledger, NewKeyedMutex(), cfg, discardLogger()).
		WithFeeSink(f.fees).
		WithTradeStore(f.trades).
		WithEventBus(f.bus).
		WithNotifier(f.notes).
		WithClock(clk).
		WithSleeper(clk.Sleep).
		WithCredentials(CredentialFunc(func(context.Context, string) (Credential, error) {
			return newCredential(1), nil
		}))
	return f
}

func (f *orchFixture) buy(cred *crypto.Credential, lamports uint64) (domain.TradeResult, error) {
	return f.orch.Buy(context.Background(), BuyRequest{
		UserID:         "alice",
		Credential:     cred,
		Token:          testToken,
		AmountLamports: lamports,
	})
}

func (f *orchFixture) openPosition(t *testing.T, qty uint64) {
	t.Helper()
	require.NoError(t, f.tracker.Open(context.Background(), domain.Position{
		UserID:     "alice",
		Token:      testToken,
		EntryPrice: 0.004,
		Quantity:   qty,
		Decimals:   6,
		Rules:      domain.ExitRules{StopLoss: 0.2, TakeProfit: 0.5},
	}))
}

func TestTradeOrchestrator_BuyEndToEnd(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 1_050_000_000
	cred := newCredential(1)

	res, err := f.buy(cred, oneSOL)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sig-1", res.Signature)
	assert.Equal(t, 4, res.RemainingActions)
	assert.Equal(t, uint64(249_000_000), res.OutputAmount)
	assert.Equal(t, uint64(10_000_000), res.FeeLamports)
	assert.True(t, res.FeeCollected)

	require.NotNil(t, res.Position)
	assert.InDelta(t, 0.004, res.Position.EntryPrice, 1e-12)
	assert.Equal(t, uint64(249_000_000), res.Position.Quantity)
	assert.Equal(t, domain.PositionOpen, res.Position.State)
	assert.Equal(t, 0.2, res.Position.Rules.StopLoss)
	assert.True(t, f.tracker.Has("alice", testToken))

	require.Len(t, f.builder.reqs, 1)
	assert.Equal(t, domain.NativeMint, f.builder.reqs[0].InputMint)
	assert.Equal(t, cred.PublicKey(), f.builder.reqs[0].Owner)
	assert.Equal(t, []string{testToken}, f.verifier.mints)
	assert.Equal(t, []uint64{10_000_000}, f.fees.collects)

	require.Len(t, f.trades.rows, 1)
	assert.Equal(t, domain.SideBuy, f.trades.rows[0].Side)
	assert.Equal(t, "sig-1", f.trades.rows[0].Signature)
	require.Len(t, f.bus.payloads, 1)
	assert.Equal(t, "trades", f.bus.channels[0])
	var event map[string]any
	require.NoError(t, json.Unmarshal(f.bus.payloads[0], &event))
	assert.Equal(t, EventBuy, event["event"])

	assert.True(t, cred.Zeroed())
}

func TestTradeOrchestrator_BuyInsufficientBalanceLeavesNoState(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	cred := newCredential(1)

	res, err := f.buy(cred, oneSOL)
	var ib *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, uint64(oneSOL+priorityFee+5000+10_000_000), ib.Required)
	assert.Equal(t, uint64(oneSOL), ib.Available)
	assert.False(t, res.Success)

	assert.Zero(t, f.exec.count())
	assert.False(t, f.tracker.Has("alice", testToken))
	assert.Empty(t, f.fees.collects)
	assert.Empty(t, f.trades.rows)
	assert.True(t, cred.Zeroed())
}

func TestTradeOrchestrator_BuyRejectsExistingPosition(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.openPosition(t, 100)

	_, err := f.buy(newCredential(1), oneSOL)
	assert.ErrorIs(t, err, domain.ErrPositionExists)
	left, _ := f.limiter.Remaining(context.Background(), "alice")
	assert.Equal(t, 5, left, "a rejected duplicate does not use quota")
	assert.Empty(t, f.builder.reqs)
}

func TestTradeOrchestrator_BuyRateLimited(t *testing.T) {
	f := newOrchFixture(1)
	f.ledger.balance = 5 * oneSOL

	_, err := f.buy(newCredential(1), oneSOL)
	require.NoError(t, err)

	res, err := f.orch.Buy(context.Background(), BuyRequest{
		UserID:         "alice",
		Credential:     newCredential(1),
		Token:          newCredential(5).PublicKey().String(),
		AmountLamports: oneSOL,
	})
	var rl *domain.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 0, res.RemainingActions)
	assert.Equal(t, testT0.Add(time.Hour), rl.RetryAt)
	assert.Len(t, f.builder.reqs, 1)
}

func TestTradeOrchestrator_BuyValidation(t *testing.T) {
	f := newOrchFixture(5)
	tests := []BuyRequest{
		{UserID: "", Credential: newCredential(1), Token: testToken, AmountLamports: 1},
		{UserID: "alice", Credential: newCredential(1), Token: "", AmountLamports: 1},
		{UserID: "alice", Credential: newCredential(1), Token: testToken, AmountLamports: 0},
		{UserID: "alice", Credential: newCredential(1), Token: "not-a-mint", AmountLamports: 1},
	}
	for _, req := range tests {
		_, err := f.orch.Buy(context.Background(), req)
		var ve *domain.ValidationError
		assert.True(t, errors.As(err, &ve), "got %v", err)
	}

	_, err := f.orch.Buy(context.Background(), BuyRequest{UserID: "alice", Token: testToken, AmountLamports: 1})
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Empty(t, f.builder.reqs)
}

func TestTradeOrchestrator_BuyRetriesExpiredReference(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.exec.results = []domain.ExecutionResult{
		{Signature: "sig-0", Kind: domain.FailureExpiredReference, Submitted: true},
		{Success: true, Signature: "sig-1", Submitted: true},
	}

	res, err := f.buy(newCredential(1), oneSOL)
	require.NoError(t, err)
	assert.Equal(t, "sig-1", res.Signature)
	assert.Equal(t, 2, f.exec.count())
	assert.Equal(t, 2, f.ledger.balanceCalls, "balance re-checked before the retry")
	assert.Equal(t, testT0.Add(time.Second), f.clk.Now())
}

func TestTradeOrchestrator_BuyExpiredExhausted(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.exec.results = []domain.ExecutionResult{{Kind: domain.FailureExpiredReference, Submitted: true}}

	_, err := f.buy(newCredential(1), oneSOL)
	var ex *domain.ExpiredReferenceError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 2, f.exec.count(), "one retry with a fresh reference")
	assert.False(t, f.tracker.Has("alice", testToken))
}

func TestTradeOrchestrator_BuyUnsubmittedFailureUsesFullBudget(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.exec.results = []domain.ExecutionResult{{Kind: domain.FailureUnknown, Cause: "fetch blockhash: timeout"}}

	_, err := f.buy(newCredential(1), oneSOL)
	require.Error(t, err)
	assert.Equal(t, 3, f.exec.count())
	assert.Equal(t, 3, f.ledger.balanceCalls, "balance re-checked before each retry")
	assert.Equal(t, testT0.Add(3*time.Second), f.clk.Now(), "linear backoff of 1s then 2s")
}

func TestTradeOrchestrator_BuySimulationFailureNotRetried(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.exec.results = []domain.ExecutionResult{{Kind: domain.FailureCustomProgram, Cause: "custom program error: 0x1771"}}

	res, err := f.buy(newCredential(1), oneSOL)
	var sf *domain.SimulationFailureError
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, domain.FailureCustomProgram, sf.Kind)
	assert.Equal(t, domain.FailureCustomProgram.Guidance(), res.Message)
	assert.Equal(t, 1, f.exec.count())
	assert.False(t, f.tracker.Has("alice", testToken))
}

func TestTradeOrchestrator_BuyVerificationFailureOpensNothing(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.verifier.err = &domain.VerificationError{Signature: "sig-1", Reason: "no balance increase"}

	res, err := f.buy(newCredential(1), oneSOL)
	var ve *domain.VerificationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "sig-1", res.Signature)
	assert.False(t, f.tracker.Has("alice", testToken))
	assert.Empty(t, f.fees.collects)
}

func TestTradeOrchestrator_FeeFailureDoesNotFailTrade(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = 2 * oneSOL
	f.fees.err = errors.New("fee transfer failed")

	res, err := f.buy(newCredential(1), oneSOL)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.FeeCollected)
}

func TestTradeOrchestrator_SellAll(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	f.ledger.tokenBalance.Amount = 249_000_000
	f.verifier.change = domain.BalanceChange{Pre: oneSOL, Post: oneSOL + 900_000_000, Decimals: 9}
	f.openPosition(t, 249_000_000)

	res, err := f.orch.Sell(context.Background(), SellRequest{UserID: "alice", Credential: newCredential(1), Token: testToken, Percentage: 100})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(249_000_000), res.InputAmount)
	assert.Equal(t, uint64(900_000_000), res.OutputAmount)
	assert.Equal(t, uint64(9_000_000), res.FeeLamports)
	assert.False(t, f.tracker.Has("alice", testToken))

	require.Len(t, f.builder.reqs, 1)
	assert.Equal(t, testToken, f.builder.reqs[0].InputMint)
	assert.Equal(t, domain.NativeMint, f.builder.reqs[0].OutputMint)
	assert.Equal(t, []string{domain.NativeMint}, f.verifier.mints)
}

func TestTradeOrchestrator_SellPartialReducesPosition(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	f.ledger.tokenBalance.Amount = 249_000_000
	f.verifier.change = domain.BalanceChange{Pre: 0, Post: 450_000_000}
	f.openPosition(t, 249_000_000)

	res, err := f.orch.Sell(context.Background(), SellRequest{UserID: "alice", Credential: newCredential(1), Token: testToken, Percentage: 50})
	require.NoError(t, err)
	assert.Equal(t, uint64(124_500_000), res.InputAmount)

	p, ok := f.tracker.Get("alice", testToken)
	require.True(t, ok)
	assert.Equal(t, uint64(124_500_000), p.Quantity)
}

func TestTradeOrchestrator_SellWithoutBalanceKeepsPosition(t *testing.T) {
	f := newOrchFixture(5)
	f.openPosition(t, 100)

	_, err := f.orch.Sell(context.Background(), SellRequest{UserID: "alice", Credential: newCredential(1), Token: testToken, Percentage: 100})
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, f.tracker.Has("alice", testToken), "only a completed sell removes a position")
	assert.Empty(t, f.builder.reqs)
}

func TestTradeOrchestrator_SellRejectsBadPercentage(t *testing.T) {
	f := newOrchFixture(5)
	for _, pct := range []float64{0, -5, 100.5} {
		_, err := f.orch.Sell(context.Background(), SellRequest{UserID: "alice", Credential: newCredential(1), Token: testToken, Percentage: pct})
		var ve *domain.ValidationError
		assert.True(t, errors.As(err, &ve), "pct %v", pct)
	}
}

func TestTradeOrchestrator_AutoClose(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	f.ledger.tokenBalance.Amount = 249_000_000
	f.verifier.change = domain.BalanceChange{Pre: 0, Post: 700_000_000}
	f.openPosition(t, 249_000_000)

	closed, err := f.orch.EvaluatePosition(context.Background(), "alice", testToken, 0.0035)
	require.NoError(t, err)
	assert.False(t, closed)

	closed, err = f.orch.EvaluatePosition(context.Background(), "alice", testToken, 0.0032)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.False(t, f.tracker.Has("alice", testToken))
	assert.Equal(t, []string{EventAutoClose}, f.notes.events)

	require.Len(t, f.trades.rows, 1)
	assert.Equal(t, "stop_loss", f.trades.rows[0].Trigger)
}

func TestTradeOrchestrator_AutoCloseFailureReverts(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	f.ledger.tokenBalance.Amount = 249_000_000
	f.exec.results = []domain.ExecutionResult{{Kind: domain.FailureSimulation, Cause: "simulation failed"}}
	f.openPosition(t, 249_000_000)

	closed, err := f.orch.EvaluatePosition(context.Background(), "alice", testToken, 0.0064)
	assert.True(t, closed)
	require.Error(t, err)

	p, ok := f.tracker.Get("alice", testToken)
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, p.State)
	assert.Equal(t, []string{EventCloseError}, f.notes.events)
}

func TestTradeOrchestrator_AutoCloseSellsTrackedQuantityOnly(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	f.ledger.tokenBalance = solana.TokenBalance{Amount: oneSOL, Decimals: 6}
	f.verifier.change = domain.BalanceChange{Pre: 0, Post: 300}
	f.openPosition(t, 100)

	closed, err := f.orch.EvaluatePosition(context.Background(), "alice", testToken, 0.001)
	require.NoError(t, err)
	assert.True(t, closed)

	require.Len(t, f.builder.reqs, 1)
	assert.Equal(t, uint64(100), f.builder.reqs[0].Amount)
	assert.False(t, f.tracker.Has("alice", testToken))
	require.Len(t, f.trades.rows, 1)
	assert.Equal(t, uint64(100), f.trades.rows[0].InputAmount)
}

func TestTradeOrchestrator_AutoCloseWithoutBalanceReverts(t *testing.T) {
	f := newOrchFixture(5)
	f.ledger.balance = oneSOL
	f.openPosition(t, 100)

	closed, err := f.orch.EvaluatePosition(context.Background(), "alice", testToken, 0.001)
	assert.True(t, closed)
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))

	p, ok := f.tracker.Get("alice", testToken)
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, p.State)
	assert.Equal(t, uint64(100), p.Quantity)
	assert.Equal(t, []string{EventCloseError}, f.notes.events)
}

func TestTradeOrchestrator_EvaluateSeesPositionsFromOtherProcesses(t *testing.T) {
	ctx := context.Background()
	store := newMemPositionStore()

	f := newOrchFixture(5)
	f.tracker = NewPositionTracker(store, discardLogger()).WithClock(f.clk)
	f.orch.tracker = f.tracker
	f.ledger.balance = oneSOL
	f.ledger.tokenBalance = solana.TokenBalance{Amount: 1000, Decimals: 6}
	f.verifier.change = domain.BalanceChange{Pre: 0, Post: 300}

	cli := NewPositionTracker(store, discardLogger()).WithClock(f.clk)
	require.NoError(t, cli.Open(ctx, domain.Position{
		UserID:     "alice",
		Token:      testToken,
		EntryPrice: 1,
		Quantity:   1000,
		Rules:      domain.ExitRules{StopLoss: 0.1},
	}))

	closed, err := f.orch.EvaluatePosition(ctx, "alice", testToken, 0.5)
	require.NoError(t, err)
	assert.True(t, closed)
	_, stored := store.row("alice", testToken)
	assert.False(t, stored)
}

func TestTradeOrchestrator_EvaluateDoesNotRestoreSoldPosition(t *testing.T) {
	ctx := context.Background()
	store := newMemPositionStore()

	f := newOrchFixture(5)
	f.tracker = NewPositionTracker(store, discardLogger()).WithClock(f.clk)
	f.orch.tracker = f.tracker
	f.openPosition(t, 100)

	cli := NewPositionTracker(store, discardLogger()).WithClock(f.clk)
	require.NoError(t, cli.Restore(ctx))
	require.NoError(t, cli.Close(ctx, "alice", testToken))

	closed, err := f.orch.EvaluatePosition(ctx, "alice", testToken, 0.01)
	require.NoError(t, err)
	assert.False(t, closed)
	assert.False(t, f.tracker.Has("alice", testToken))
	_, stored := store.row("alice", testToken)
	assert.False(t, stored, "a higher price must not write the sold position back")
	assert.Empty(t, f.builder.reqs)
}

func TestTradeOrchestrator_BuyRejectsPositionOpenedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := newMemPositionStore()

	f := newOrchFixture(5)
	f.tracker = NewPositionTracker(store, discardLogger()).WithClock(f.clk)
	f.orch.tracker = f.tracker
	f.ledger.balance = 2 * oneSOL

	other := NewPositionTracker(store, discardLogger()).WithClock(f.clk)
	require.NoError(t, other.Open(ctx, domain.Position{UserID: "alice", Token: testToken, EntryPrice: 1, Quantity: 5}))

	_, err := f.buy(newCredential(1), oneSOL)
	assert.ErrorIs(t, err, domain.ErrPositionExists)
	assert.Empty(t, f.builder.reqs)
}

func TestTradeOrchestrator_CloseWithoutCredentialSource(t *testing.T) {
	f := newOrchFixture(5)
	f.orch.creds = nil
	f.openPosition(t, 100)

	err := f.orch.ClosePosition(context.Background(), "alice", testToken, domain.Trigger{Kind: domain.ExitTakeProfit})
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	p, _ := f.tracker.Get("alice", testToken)
	assert.Equal(t, domain.PositionOpen, p.State)
}

func TestTradeOrchestrator_SerializesPerPosition(t *testing.T) {
	f := newOrchFixture(10)
	f.ledger.balance = 5 * oneSOL

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.buy(newCredential(1), oneSOL)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrPositionExists):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, dup)
}
