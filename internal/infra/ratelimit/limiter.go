// Package ratelimit implements the submission rate limiter on Redis.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/runoshun/crewd/internal/domain"
)

// Ensure Limiter implements domain.RateLimiter interface.
var _ domain.RateLimiter = (*Limiter)(nil)

// KeyPrefix prefixes every limiter key in Redis.
const KeyPrefix = "crewd:ratelimit:"

// Limiter allows or denies submissions using a sliding-window count in Redis.
type Limiter struct {
	client *redis.Client
	clock  domain.Clock
	limit  int
	window time.Duration
}

// New returns a Limiter allowing limit submissions per window for each key.
func New(client *redis.Client, clock domain.Clock, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, clock: clock, limit: limit, window: window}
}

// NewFromURL connects to the Redis server at url (redis://host:port/db).
func NewFromURL(url string, clock domain.Clock, limit int, window time.Duration) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), clock, limit, window), nil
}

// Allow reports whether one more submission for key fits in the window.
// Every call is recorded, including rejected ones, so a client retrying in
// a tight loop stays limited.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock.Now().UnixNano()
	windowStart := now - l.window.Nanoseconds()
	rkey := KeyPrefix + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", "("+strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10) + "-" + uuid.NewString()})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, l.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}
	return countCmd.Val() <= int64(l.limit), nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.client.Close()
}
