package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to recently fetched prices.
type PriceCache interface {
	SetPrice(ctx context.Context, mint string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, mint string) (float64, time.Time, error)
}

// LockManager provides mutual exclusion per key. Acquire blocks until the lock
// is held or ctx is done.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus publishes trade lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
