package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const rateKeyPrefix = "ratelimit:submit:"

// RateLimiter counts accepted submissions per key over a sliding window.
// Each accepted submission is one member of a sorted set scored by its
// arrival time in nanoseconds.
type RateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewRateLimiter allows limit submissions per key within any window.
func NewRateLimiter(client redis.UniversalClient, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (r *RateLimiter) Limit() int { return r.limit }

// Allow admits the submission when fewer than limit were accepted for key in
// the last window. A rejected submission is taken back out of the set, so
// retrying while over the limit does not push the window further out.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	setKey := rateKeyPrefix + key
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-r.window).UnixNano(), 10)

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, setKey, "-inf", "("+cutoff)
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
		card = pipe.ZCard(ctx, setKey)
		pipe.Expire(ctx, setKey, r.window+time.Second)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate window %q: %w", key, err)
	}
	if card.Val() <= int64(r.limit) {
		return true, nil
	}

	if err := r.client.ZRem(ctx, setKey, member).Err(); err != nil {
		return false, fmt.Errorf("rate window %q: drop rejected entry: %w", key, err)
	}
	return false, nil
}
