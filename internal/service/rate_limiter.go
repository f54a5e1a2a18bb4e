package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
)

// RateLimiter bounds the actions a user may take per fixed window. The window
// starts at the first action after the previous one expired.
type RateLimiter struct {
	mu     sync.Mutex
	users  map[string]*userWindow
	limit  int
	window time.Duration
	clock  clock.Clock
	store  domain.RateLimitStore
	logger *slog.Logger
}

type userWindow struct {
	mu     sync.Mutex
	rec    domain.RateLimitRecord
	loaded bool
}

// NewRateLimiter creates an in-memory limiter allowing limit actions per
// window.
func NewRateLimiter(limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		users:  make(map[string]*userWindow),
		limit:  limit,
		window: window,
		clock:  clock.Real{},
		logger: logger.With(slog.String("component", "rate_limiter")),
	}
}

// WithClock sets the clock windows are measured with.
func (r *RateLimiter) WithClock(c clock.Clock) *RateLimiter {
	r.clock = c
	return r
}

// WithStore persists windows so a restart keeps them.
func (r *RateLimiter) WithStore(s domain.RateLimitStore) *RateLimiter {
	r.store = s
	return r
}

func (r *RateLimiter) user(id string) *userWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.users[id]
	if !ok {
		w = &userWindow{}
		r.users[id] = w
	}
	return w
}

// load pulls a persisted window the first time a user is seen. A store
// failure falls back to memory.
func (r *RateLimiter) load(ctx context.Context, userID string, w *userWindow) {
	if w.loaded {
		return
	}
	w.loaded = true
	if r.store == nil {
		return
	}
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "rate_limiter: load window failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	w.rec = rec
}

// TryAcquire counts one action for userID and returns how many remain in the
// window. It returns *domain.RateLimitError when the window is used up.
func (r *RateLimiter) TryAcquire(ctx context.Context, userID string) (int, error) {
	w := r.user(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	r.load(ctx, userID, w)

	now := r.clock.Now()
	if w.rec.Expired(now, r.window) {
		w.rec = domain.RateLimitRecord{UserID: userID, WindowStart: now}
	}
	w.rec.Limit = r.limit

	if w.rec.Count >= r.limit {
		return 0, &domain.RateLimitError{
			UserID:    userID,
			Limit:     r.limit,
			Remaining: 0,
			RetryAt:   w.rec.RetryAt(r.window),
		}
	}
	w.rec.Count++

	if r.store != nil {
		ttl := w.rec.RetryAt(r.window).Sub(now)
		if err := r.store.Put(ctx, w.rec, ttl); err != nil {
			r.logger.WarnContext(ctx, "rate_limiter: persist window failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return r.limit - w.rec.Count, nil
}

// Remaining reports the actions left without consuming one.
func (r *RateLimiter) Remaining(ctx context.Context, userID string) (int, time.Time) {
	w := r.user(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	r.load(ctx, userID, w)

	now := r.clock.Now()
	if w.rec.Expired(now, r.window) {
		return r.limit, time.Time{}
	}
	left := r.limit - w.rec.Count
	if left < 0 {
		left = 0
	}
	return left, w.rec.RetryAt(r.window)
}
