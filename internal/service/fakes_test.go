package service

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/swapbot/internal/crypto"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/jupiter"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

const testToken = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

var testT0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newCredential(seed byte) *crypto.Credential {
	return crypto.NewCredential(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize)))
}

// fakeLedger is a scripted Ledger. Sequences repeat their last element.
type fakeLedger struct {
	mu sync.Mutex

	balance      uint64
	balanceCalls int
	tokenBalance solana.TokenBalance

	blockhash    solana.Hash
	lastValid    uint64
	blockhashErr error
	height       uint64

	sendErrs []error
	sent     []*solana.Transaction

	statuses    []*solana.SignatureStatus
	statusCalls int

	records []*solana.TransactionRecord
	txCalls int
}

func (f *fakeLedger) GetBalance(context.Context, solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, nil
}

func (f *fakeLedger) GetTokenBalance(context.Context, solana.PublicKey, solana.PublicKey) (solana.TokenBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenBalance, nil
}

func (f *fakeLedger) GetLatestBlockhash(context.Context) (solana.Hash, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash, f.lastValid, f.blockhashErr
}

func (f *fakeLedger) GetBlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeLedger) SendTransaction(_ context.Context, tx *solana.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if n := len(f.sent); len(f.sendErrs) > 0 {
		if n < len(f.sendErrs) {
			err = f.sendErrs[n]
		} else {
			err = f.sendErrs[len(f.sendErrs)-1]
		}
	}
	f.sent = append(f.sent, tx)
	if err != nil {
		return "", err
	}
	return tx.ID().String(), nil
}

func (f *fakeLedger) GetSignatureStatus(context.Context, string) (*solana.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.statusCalls
	f.statusCalls++
	if len(f.statuses) == 0 {
		return nil, nil
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeLedger) GetTransaction(context.Context, string) (*solana.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.txCalls
	f.txCalls++
	if len(f.records) == 0 {
		return nil, nil
	}
	if i >= len(f.records) {
		i = len(f.records) - 1
	}
	return f.records[i], nil
}

// fakeBuilder returns a fixed BuiltSwap.
type fakeBuilder struct {
	mu    sync.Mutex
	built domain.BuiltSwap
	err   error
	reqs  []SwapRequest
}

func (f *fakeBuilder) BuildSwap(_ context.Context, req SwapRequest) (domain.BuiltSwap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.built, f.err
}

// fakeExecutor returns scripted results in order, repeating the last.
type fakeExecutor struct {
	mu      sync.Mutex
	results []domain.ExecutionResult
	err     error
	calls   int
}

func (f *fakeExecutor) Execute(context.Context, solana.Signer, any) (domain.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if f.err != nil {
		return domain.ExecutionResult{}, f.err
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeVerifier reports a fixed balance change.
type fakeVerifier struct {
	change domain.BalanceChange
	err    error
	mints  []string
}

func (f *fakeVerifier) Verify(_ context.Context, _ string, _ solana.PublicKey, mint string) (domain.BalanceChange, error) {
	f.mints = append(f.mints, mint)
	c := f.change
	c.Mint = mint
	return c, f.err
}

type fakeFees struct {
	mu       sync.Mutex
	err      error
	collects []uint64
}

func (f *fakeFees) CollectFee(_ context.Context, _ solana.Signer, lamports uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collects = append(f.collects, lamports)
	return f.err
}

// memPositionStore is an in-memory domain.PositionStore.
type memPositionStore struct {
	mu      sync.Mutex
	rows    map[string]domain.Position
	saveErr error
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{rows: make(map[string]domain.Position)}
}

func (m *memPositionStore) Load(context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPositionStore) Get(_ context.Context, userID, token string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[domain.PositionKey(userID, token)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositionStore) Save(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[p.Key()] = p
	return nil
}

func (m *memPositionStore) row(userID, token string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[domain.PositionKey(userID, token)]
	return p, ok
}

func (m *memPositionStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *memPositionStore) Remove(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, domain.PositionKey(userID, token))
	return nil
}

// memRateLimitStore is an in-memory domain.RateLimitStore.
type memRateLimitStore struct {
	mu   sync.Mutex
	rows map[string]domain.RateLimitRecord
	ttls map[string]time.Duration
}

func newMemRateLimitStore() *memRateLimitStore {
	return &memRateLimitStore{rows: make(map[string]domain.RateLimitRecord), ttls: make(map[string]time.Duration)}
}

func (m *memRateLimitStore) Get(_ context.Context, userID string) (domain.RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[userID]
	if !ok {
		return domain.RateLimitRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (m *memRateLimitStore) Put(_ context.Context, rec domain.RateLimitRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rec.UserID] = rec
	m.ttls[rec.UserID] = ttl
	return nil
}

type fakeAggregator struct {
	quote    *jupiter.QuoteResponse
	quoteErr error
	swap     *jupiter.SwapResponse
	swapErr  error
	swaps    []jupiter.SwapParams
}

func (f *fakeAggregator) Quote(context.Context, jupiter.QuoteParams) (*jupiter.QuoteResponse, error) {
	return f.quote, f.quoteErr
}

func (f *fakeAggregator) Swap(_ context.Context, p jupiter.SwapParams) (*jupiter.SwapResponse, error) {
	f.swaps = append(f.swaps, p)
	return f.swap, f.swapErr
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func (f *fakePrices) CurrentPrice(_ context.Context, mint string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p, ok := f.prices[mint]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}
