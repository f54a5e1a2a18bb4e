package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "swapbot:price:abc", joinKey("swapbot", "price", "abc"))
	assert.Equal(t, "lock:alice/tok", joinKey("", "lock", "alice/tok"))
}

func TestDecodePrice(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	price, got, err := decodePrice(map[string]string{"price": "0.004", "ts": "1714557600000000000"})
	require.NoError(t, err)
	assert.Equal(t, 0.004, price)
	assert.True(t, ts.Equal(got))

	_, _, err = decodePrice(map[string]string{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = decodePrice(map[string]string{"price": "x", "ts": "1"})
	assert.Error(t, err)
}

func TestRateLimitEncoding(t *testing.T) {
	rec := domain.RateLimitRecord{
		UserID:      "alice",
		WindowStart: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Count:       3,
		Limit:       5,
	}
	vals := make(map[string]string)
	for k, v := range encodeRateLimit(rec) {
		vals[k] = v.(string)
	}
	got, err := decodeRateLimit("alice", vals)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = decodeRateLimit("alice", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDecodeStream(t *testing.T) {
	got := decodeStream([]redis.XMessage{
		{ID: "1-0", Values: map[string]any{"payload": `{"event":"trade_buy"}`}},
		{ID: "2-0", Values: map[string]any{"other": "x"}},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "1-0", got[0].ID)
	assert.JSONEq(t, `{"event":"trade_buy"}`, string(got[0].Payload))
}

func TestKeepAliveRenewsUntilStopped(t *testing.T) {
	stop := make(chan struct{})
	renewed := make(chan struct{}, 16)
	result := make(chan bool, 1)
	go func() {
		result <- keepAlive(stop, time.Millisecond, func() (bool, error) {
			select {
			case renewed <- struct{}{}:
			default:
			}
			return true, nil
		}, func(error) {})
	}()

	for i := 0; i < 3; i++ {
		<-renewed
	}
	close(stop)
	assert.False(t, <-result)
}

func TestKeepAliveReportsLostLock(t *testing.T) {
	var errs []error
	calls := 0
	lost := keepAlive(make(chan struct{}), time.Millisecond, func() (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("i/o timeout")
		}
		return calls < 3, nil
	}, func(err error) { errs = append(errs, err) })

	assert.True(t, lost)
	assert.Equal(t, 3, calls)
	require.Len(t, errs, 1, "a failed renewal is retried")
}
