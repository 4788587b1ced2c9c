// Package ratelimit admits requests by an approximate sliding window: each
// request is a timestamped marker in a redis sorted set, and admission
// counts markers inside the trailing window with a range query instead of
// purging on every request.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

type Limiter struct {
	client redis.UniversalClient
	window time.Duration
	max    int64
	now    func() time.Time
}

func New(client redis.UniversalClient, window time.Duration, max int64) *Limiter {
	return &Limiter{client: client, window: window, max: max, now: time.Now}
}

// Allow admits one request for key. When denied, retryAfter is how long the
// caller should wait before trying again.
func (l *Limiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	var (
		redisKey    = keyPrefix + key
		now         = l.now()
		windowStart = now.Add(-l.window)
	)

	count, err := l.client.ZCount(ctx, redisKey,
		strconv.FormatInt(windowStart.UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit zcount: %w", err)
	}

	if count >= l.max {
		ttl, err := l.client.TTL(ctx, redisKey).Result()
		if err != nil || ttl <= 0 {
			ttl = l.window
		}
		return false, ttl, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixMilli(), rand.Int63())
	if err := l.client.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return false, 0, fmt.Errorf("ratelimit zadd: %w", err)
	}
	if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
		return false, 0, fmt.Errorf("ratelimit expire: %w", err)
	}

	return true, 0, nil
}
