package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// RateLimitStore implements domain.RateLimitStore with one hash per user that
// expires when the user's window ends.
type RateLimitStore struct {
	c   *Client
	rdb *redis.Client
}

// NewRateLimitStore creates a RateLimitStore backed by the given Client.
func NewRateLimitStore(c *Client) *RateLimitStore {
	return &RateLimitStore{c: c, rdb: c.Underlying()}
}

// Get returns the user's live window or domain.ErrNotFound.
func (s *RateLimitStore) Get(ctx context.Context, userID string) (domain.RateLimitRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, s.c.Key("ratelimit", userID)).Result()
	if err != nil {
		return domain.RateLimitRecord{}, fmt.Errorf("redis: get rate limit %s: %w", userID, err)
	}
	rec, err := decodeRateLimit(userID, vals)
	if err != nil {
		return domain.RateLimitRecord{}, fmt.Errorf("redis: get rate limit %s: %w", userID, err)
	}
	return rec, nil
}

// Put writes rec and sets the key to expire after ttl.
func (s *RateLimitStore) Put(ctx context.Context, rec domain.RateLimitRecord, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	key := s.c.Key("ratelimit", rec.UserID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeRateLimit(rec))
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put rate limit %s: %w", rec.UserID, err)
	}
	return nil
}

func encodeRateLimit(rec domain.RateLimitRecord) map[string]any {
	return map[string]any{
		"window_start": strconv.FormatInt(rec.WindowStart.UnixNano(), 10),
		"count":        strconv.Itoa(rec.Count),
		"limit":        strconv.Itoa(rec.Limit),
	}
}

func decodeRateLimit(userID string, vals map[string]string) (domain.RateLimitRecord, error) {
	if len(vals) == 0 {
		return domain.RateLimitRecord{}, domain.ErrNotFound
	}
	start, err := strconv.ParseInt(vals["window_start"], 10, 64)
	if err != nil {
		return domain.RateLimitRecord{}, fmt.Errorf("parse window_start: %w", err)
	}
	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return domain.RateLimitRecord{}, fmt.Errorf("parse count: %w", err)
	}
	limit, _ := strconv.Atoi(vals["limit"])
	return domain.RateLimitRecord{
		UserID:      userID,
		WindowStart: time.Unix(0, start).UTC(),
		Count:       count,
		Limit:       limit,
	}, nil
}

var _ domain.RateLimitStore = (*RateLimitStore)(nil)
