// Package server throttles inbound frames per connection with a token
// bucket. Each connection carries its own limiter, so one flooding peer
// exhausts only its own budget and the hub never sees the excess frames.
package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
}

// newRateLimiter builds a bucket holding capacity tokens that refills
// completely over one interval. Nonsense arguments degrade to a bucket of one
// token per second rather than failing.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	refillRate := float64(capacity) / interval.Seconds()
	if refillRate <= 0 {
		refillRate = float64(capacity)
	}

	return &rateLimiter{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow spends one token if the bucket has one, crediting the tokens accrued
// since the last call first. A false return means the frame should be
// discarded, not the connection closed.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.refillRate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
