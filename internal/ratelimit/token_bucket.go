// Package ratelimit provides the per-connection inbound message limiter used
// by the signaling transports.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is 1e9 nano-tokens, so a rate of X tokens/sec adds exactly X
// nano-tokens per elapsed nanosecond and no float rounding is needed.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) up to capacity. It
// starts full.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, ratePerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(max(capacityTokens, 0))
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      max(ratePerSecond, 0),
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow takes tokens from the bucket if enough are available. Non-positive
// requests always succeed.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock stepping backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}

	missing := b.capacity - b.available
	if missing <= 0 {
		return
	}
	// elapsed*rate may overflow; compare against the time needed to fill first.
	if elapsed >= missing/b.rate {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}

// MessageLimiter caps inbound messages per second on a single connection,
// allowing a one-second burst.
type MessageLimiter struct {
	bucket *TokenBucket
}

// NewMessageLimiter returns nil when perSecond <= 0; a nil limiter allows
// everything.
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &MessageLimiter{bucket: NewTokenBucket(clock, int64(perSecond), int64(perSecond))}
}

func (l *MessageLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.bucket.Allow(1)
}
