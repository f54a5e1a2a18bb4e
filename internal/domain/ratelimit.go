package domain

import "time"

// RateLimitRecord is one user's fixed-window action counter.
type RateLimitRecord struct {
	UserID      string    `json:"user_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// Expired reports whether the window that started at WindowStart has ended.
func (r RateLimitRecord) Expired(now time.Time, window time.Duration) bool {
	return r.WindowStart.IsZero() || now.Sub(r.WindowStart) >= window
}

// RetryAt is when the current window ends.
func (r RateLimitRecord) RetryAt(window time.Duration) time.Time {
	return r.WindowStart.Add(window)
}
