package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window per-client limiter. With redis configured
// the window is shared across gateway replicas; otherwise it degrades to a
// per-process window.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration

	mu        sync.Mutex
	local     map[string][]time.Time
	lastSweep time.Time
}

// NewRateLimiter creates a limiter. rdb may be nil.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		local:  make(map[string][]time.Time),
	}
}

// Allow reports whether the client may make another request.
func (r *RateLimiter) Allow(ctx context.Context, client string) bool {
	if r.rdb != nil {
		return r.allowRedis(ctx, client)
	}
	return r.allowLocal(client)
}

func (r *RateLimiter) allowRedis(ctx context.Context, client string) bool {
	key := "ratelimit:" + client

	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		// A broken limiter store must not take the API down with it.
		return true
	}
	if count == 1 {
		r.rdb.Expire(ctx, key, r.window)
	}
	return count <= int64(r.limit)
}

func (r *RateLimiter) allowLocal(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)
	r.sweep(now, cutoff)

	times := r.local[client]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.local[client] = kept
		return false
	}

	r.local[client] = append(kept, now)
	return true
}

// sweep evicts clients whose every request has aged out of the window, at
// most once per window. Without it the map grows with each distinct client
// ever seen. Caller holds r.mu.
func (r *RateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(r.lastSweep) < r.window {
		return
	}
	r.lastSweep = now

	for client, times := range r.local {
		idle := true
		for _, t := range times {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(r.local, client)
		}
	}
}
