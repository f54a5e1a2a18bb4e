package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
)

// PositionTracker owns the open positions, one per (user, token), and their
// OPEN -> CLOSING -> removed lifecycle. Callers serialize work on one
// (user, token) with the trade locks; the tracker only guards its map.
//
// When a store is attached it is shared with other processes: a buy or sell
// run from the command line writes there while the monitor holds its own
// tracker. Sync and Refresh fold those writes back into memory.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position

	// seq counts local changes. touched maps a key to the seq of its latest
	// change or completed store write, removals included, so a Sync never
	// applies a store read that predates it.
	seq     uint64
	touched map[string]uint64
	// unsaved holds keys whose latest store write failed.
	unsaved map[string]bool

	store  domain.PositionStore
	clock  clock.Clock
	logger *slog.Logger
}

// NewPositionTracker creates a tracker. store may be nil for memory-only use.
func NewPositionTracker(store domain.PositionStore, logger *slog.Logger) *PositionTracker {
	return &PositionTracker{
		positions: make(map[string]*domain.Position),
		touched:   make(map[string]uint64),
		unsaved:   make(map[string]bool),
		store:     store,
		clock:     clock.Real{},
		logger:    logger.With(slog.String("component", "position_tracker")),
	}
}

// WithClock sets the clock used for timestamps.
func (t *PositionTracker) WithClock(c clock.Clock) *PositionTracker {
	t.clock = c
	return t
}

// Restore loads persisted positions. Positions left CLOSING by a crash are
// reopened so the monitor retries them.
func (t *PositionTracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	loaded, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("position_tracker: restore: %w", err)
	}

	var reopened []domain.Position
	t.mu.Lock()
	for i := range loaded {
		p := loaded[i]
		if p.State != domain.PositionOpen {
			p.State = domain.PositionOpen
			reopened = append(reopened, p)
		}
		t.positions[p.Key()] = &p
		t.touch(p.Key())
	}
	t.mu.Unlock()

	for _, p := range reopened {
		t.persist(ctx, p)
	}
	t.logger.InfoContext(ctx, "position_tracker: restored positions", slog.Int("count", len(loaded)))
	return nil
}

// Sync reconciles memory with the store. Positions another process opened
// are added, positions the store no longer holds are dropped and stored
// quantities and rules replace the tracked ones. Keys changed locally while
// the store was being read are left for the next pass.
func (t *PositionTracker) Sync(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.RLock()
	since := t.seq
	t.mu.RUnlock()

	loaded, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("position_tracker: sync: %w", err)
	}
	stored := make(map[string]domain.Position, len(loaded))
	for _, p := range loaded {
		stored[p.Key()] = p
	}

	var added, dropped int
	var resave []domain.Position
	t.mu.Lock()
	for key, p := range stored {
		if t.touched[key] > since || t.unsaved[key] {
			continue
		}
		if cur, ok := t.positions[key]; ok {
			mergeStored(cur, p)
			continue
		}
		cp := p
		t.positions[key] = &cp
		added++
	}
	for key, cur := range t.positions {
		if _, ok := stored[key]; ok || t.touched[key] > since {
			continue
		}
		if t.unsaved[key] {
			resave = append(resave, *cur)
			continue
		}
		delete(t.positions, key)
		dropped++
	}
	for key, s := range t.touched {
		if s <= since {
			delete(t.touched, key)
		}
	}
	t.mu.Unlock()

	for _, p := range resave {
		t.persist(ctx, p)
	}
	if added > 0 || dropped > 0 {
		t.logger.InfoContext(ctx, "position_tracker: synced with store",
			slog.Int("added", added),
			slog.Int("dropped", dropped),
		)
	}
	return nil
}

// Refresh re-reads one position from the store. Call it with the (user,
// token) trade lock held, before acting on the position. It returns
// domain.ErrPositionNotFound when the position no longer exists anywhere.
// A store read failure leaves memory as it is.
func (t *PositionTracker) Refresh(ctx context.Context, userID, token string) error {
	key := domain.PositionKey(userID, token)
	if t.store == nil {
		if !t.Has(userID, token) {
			return domain.ErrPositionNotFound
		}
		return nil
	}

	stored, err := t.store.Get(ctx, userID, token)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		t.logger.WarnContext(ctx, "position_tracker: refresh failed",
			slog.String("position", key),
			slog.String("error", err.Error()),
		)
		if !t.Has(userID, token) {
			return domain.ErrPositionNotFound
		}
		return nil
	}

	t.mu.Lock()
	cur, tracked := t.positions[key]
	switch {
	case err != nil && tracked && t.unsaved[key]:
		p := *cur
		t.mu.Unlock()
		t.persist(ctx, p)
		return nil
	case err != nil:
		if tracked {
			delete(t.positions, key)
			t.touch(key)
		}
		t.mu.Unlock()
		if tracked {
			t.logger.InfoContext(ctx, "position_tracker: position removed from store, dropping",
				slog.String("position", key),
			)
		}
		return domain.ErrPositionNotFound
	case tracked:
		if !t.unsaved[key] {
			mergeStored(cur, stored)
		}
	default:
		t.positions[key] = &stored
	}
	t.touch(key)
	t.mu.Unlock()
	return nil
}

// Open starts tracking pos. It returns domain.ErrPositionExists if the user
// already holds the token.
func (t *PositionTracker) Open(ctx context.Context, pos domain.Position) error {
	t.mu.Lock()
	key := pos.Key()
	if _, ok := t.positions[key]; ok {
		t.mu.Unlock()
		return fmt.Errorf("position_tracker: open %s: %w", key, domain.ErrPositionExists)
	}
	now := t.clock.Now().UTC()
	pos.State = domain.PositionOpen
	if pos.HighWaterMark < pos.EntryPrice {
		pos.HighWaterMark = pos.EntryPrice
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.UpdatedAt = now
	t.positions[key] = &pos
	t.touch(key)
	t.mu.Unlock()

	t.persist(ctx, pos)
	return nil
}

// Has reports whether (user, token) has a tracked position.
func (t *PositionTracker) Has(userID, token string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.positions[domain.PositionKey(userID, token)]
	return ok
}

// Get returns a copy of the position.
func (t *PositionTracker) Get(userID, token string) (domain.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[domain.PositionKey(userID, token)]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// List returns copies of userID's positions, or of all positions when userID
// is empty, ordered by key.
func (t *PositionTracker) List(userID string) []domain.Position {
	t.mu.RLock()
	out := make([]domain.Position, 0, len(t.positions))
	for _, p := range t.positions {
		if userID == "" || p.UserID == userID {
			out = append(out, *p)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Evaluate records price, raising the high-water mark, and tests the exit
// rules. Positions that are not OPEN are skipped.
func (t *PositionTracker) Evaluate(ctx context.Context, userID, token string, price float64) (domain.Trigger, bool, error) {
	t.mu.Lock()
	key := domain.PositionKey(userID, token)
	p, ok := t.positions[key]
	if !ok {
		t.mu.Unlock()
		return domain.Trigger{}, false, domain.ErrPositionNotFound
	}
	if p.State != domain.PositionOpen {
		t.mu.Unlock()
		return domain.Trigger{}, false, nil
	}
	raised := price > p.HighWaterMark
	if raised {
		p.HighWaterMark = price
		p.UpdatedAt = t.clock.Now().UTC()
		t.touch(key)
	}
	snapshot := *p
	t.mu.Unlock()

	if raised {
		t.persist(ctx, snapshot)
	}
	trig, hit := snapshot.Rules.Evaluate(snapshot.EntryPrice, snapshot.HighWaterMark, price)
	return trig, hit, nil
}

// BeginClose moves an OPEN position to CLOSING and returns it.
func (t *PositionTracker) BeginClose(ctx context.Context, userID, token string) (domain.Position, error) {
	p, err := t.update(userID, token, func(p *domain.Position) error {
		if p.State == domain.PositionClosing {
			return domain.ErrPositionClosing
		}
		p.State = domain.PositionClosing
		return nil
	})
	if err != nil {
		return domain.Position{}, err
	}
	t.persist(ctx, p)
	return p, nil
}

// Revert returns a CLOSING position to OPEN after a failed sell.
func (t *PositionTracker) Revert(ctx context.Context, userID, token string) error {
	p, err := t.update(userID, token, func(p *domain.Position) error {
		p.State = domain.PositionOpen
		return nil
	})
	if err != nil {
		return err
	}
	t.persist(ctx, p)
	return nil
}

// Reduce lowers the tracked quantity after a partial sell.
func (t *PositionTracker) Reduce(ctx context.Context, userID, token string, sold uint64) error {
	p, err := t.update(userID, token, func(p *domain.Position) error {
		if sold >= p.Quantity {
			p.Quantity = 0
		} else {
			p.Quantity -= sold
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.persist(ctx, p)
	return nil
}

// Close removes the position after a successful full sell.
func (t *PositionTracker) Close(ctx context.Context, userID, token string) error {
	key := domain.PositionKey(userID, token)
	t.mu.Lock()
	if _, ok := t.positions[key]; !ok {
		t.mu.Unlock()
		return domain.ErrPositionNotFound
	}
	delete(t.positions, key)
	delete(t.unsaved, key)
	t.touch(key)
	t.mu.Unlock()

	if t.store == nil {
		return nil
	}
	if err := t.store.Remove(ctx, userID, token); err != nil {
		t.logger.ErrorContext(ctx, "position_tracker: remove failed",
			slog.String("position", key),
			slog.String("error", err.Error()),
		)
	}
	t.mu.Lock()
	t.touch(key)
	t.mu.Unlock()
	return nil
}

// update applies fn to the tracked position under the lock and returns the
// resulting copy.
func (t *PositionTracker) update(userID, token string, fn func(p *domain.Position) error) (domain.Position, error) {
	key := domain.PositionKey(userID, token)
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[key]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	if err := fn(p); err != nil {
		return domain.Position{}, err
	}
	p.UpdatedAt = t.clock.Now().UTC()
	t.touch(key)
	return *p, nil
}

// touch marks key as changed locally. Callers hold t.mu.
func (t *PositionTracker) touch(key string) {
	t.seq++
	t.touched[key] = t.seq
}

// persist writes p outside the tracker lock. A store failure is logged and
// the key kept for a later write; memory stays authoritative.
func (t *PositionTracker) persist(ctx context.Context, p domain.Position) {
	if t.store == nil {
		return
	}
	err := t.store.Save(ctx, p)

	key := p.Key()
	t.mu.Lock()
	if err != nil {
		t.unsaved[key] = true
	} else {
		delete(t.unsaved, key)
	}
	t.touch(key)
	t.mu.Unlock()

	if err != nil {
		t.logger.ErrorContext(ctx, "position_tracker: save failed",
			slog.String("position", key),
			slog.String("error", err.Error()),
		)
	}
}

// mergeStored takes what other processes may change from the stored row.
// The high-water mark only rises and the lifecycle state stays local.
func mergeStored(cur *domain.Position, stored domain.Position) {
	cur.EntryPrice = stored.EntryPrice
	cur.Quantity = stored.Quantity
	cur.Decimals = stored.Decimals
	cur.Rules = stored.Rules
	if stored.HighWaterMark > cur.HighWaterMark {
		cur.HighWaterMark = stored.HighWaterMark
	}
}
