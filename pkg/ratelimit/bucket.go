// Package ratelimit implements the continuous-refill token bucket used for
// both the global ingress limiter and the connection-intake limiter
// (spec.md §4.3). Refill is computed from elapsed time against an injected
// clock.Clock rather than time.Now directly, the same inject-the-moving-part
// habit the teacher uses for eax.UpdateMgr's timeouts/backoff.
package ratelimit

import (
	"sync"
	"time"

	"github.com/pg9182/diode/pkg/clock"
)

// Bucket is a single-owner token bucket. It is safe for concurrent use (a
// mutex guards the small amount of state), but spec.md's components only
// ever call it from their own serialized owner goroutine (C5 for the
// connection-intake bucket, C6 for the global bucket); the mutex exists for
// defense against the optional per-IP variant being queried more widely.
type Bucket struct {
	clk clock.Clock

	mu         sync.Mutex
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a Bucket with the given rate (tokens/sec) and capacity
// (burst size), starting full (tokens = capacity), matching the teacher's
// "start ready" convention for stateful primitives.
func NewBucket(rate, capacity float64, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Bucket{
		clk:        clk,
		capacity:   capacity,
		rate:       rate,
		tokens:     capacity,
		lastRefill: clk.Now(),
	}
}

// TryConsume attempts to debit n tokens after refilling proportionally to
// elapsed time since the last call (capped at capacity). It reports whether
// the tokens were available (Allow) or not (Deny); on Deny, tokens are left
// unchanged, per spec.md L1–L3.
func (b *Bucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.refillLocked(now)

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	b.lastRefill = now
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// SetRate reconfigures the bucket at runtime. Per L4, this resets
// tokens := rate and last_refill := now, rather than preserving the old
// token count.
func (b *Bucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = rate
	b.tokens = rate
	b.lastRefill = b.clk.Now()
}

// Rate returns the currently configured rate.
func (b *Bucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}
