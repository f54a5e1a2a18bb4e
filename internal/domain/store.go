package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists open positions so a restart resumes monitoring and
// separate processes share one view of them. Get returns ErrNotFound when
// (user, token) has no row.
type PositionStore interface {
	Load(ctx context.Context) ([]Position, error)
	Get(ctx context.Context, userID, token string) (Position, error)
	Save(ctx context.Context, pos Position) error
	Remove(ctx context.Context, userID, token string) error
}

// RateLimitStore persists rate-limit windows so a restart does not reset them.
// Get returns ErrNotFound when the user has no live window.
type RateLimitStore interface {
	Get(ctx context.Context, userID string) (RateLimitRecord, error)
	Put(ctx context.Context, rec RateLimitRecord, ttl time.Duration) error
}

// TradeStore persists confirmed trades.
type TradeStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]TradeRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
