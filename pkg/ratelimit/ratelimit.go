// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides packet rate limiting using the token bucket algorithm.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm for rate limiting.
// Tokens refill in whole period-sized steps, so a bucket configured as
// "N per period" admits at most N packets in any window of one period,
// regardless of the period's length.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillSize int64
	period     time.Duration
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens; refillSize tokens are added once
// per period. A non-positive period defaults to one second.
func NewTokenBucket(capacity, refillSize int64, period time.Duration) *TokenBucket {
	if period <= 0 {
		period = time.Second
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillSize: refillSize,
		period:     period,
		lastRefill: time.Now(),
	}
}

// Allow checks if a packet should be allowed.
// Returns true if allowed, false if rate limited.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N packets should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds refillSize tokens for every full period elapsed.
func (tb *TokenBucket) refill() {
	steps := int64(time.Since(tb.lastRefill) / tb.period)
	if steps > 0 {
		tb.tokens += steps * tb.refillSize
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = tb.lastRefill.Add(time.Duration(steps) * tb.period)
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Limiter tracks one token bucket per packet source address.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[string]*TokenBucket
	capacity   int64
	refillSize int64
	period     time.Duration
	maxSources int
}

// NewLimiter creates a new rate limiter with per-source tracking.
// maxSources bounds the number of tracked addresses; sources past the bound
// are rejected outright rather than growing the table without limit.
func NewLimiter(capacity, refillSize int64, period time.Duration, maxSources int) *Limiter {
	if maxSources == 0 {
		maxSources = 10000
	}

	return &Limiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillSize: refillSize,
		period:     period,
		maxSources: maxSources,
	}
}

// Allow checks if a packet from the given source address should be allowed.
func (l *Limiter) Allow(source string) bool {
	return l.AllowN(source, 1)
}

// AllowN checks if N packets from the given source address should be allowed.
func (l *Limiter) AllowN(source string, n int64) bool {
	l.mu.RLock()
	tb, exists := l.limiters[source]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[source]
		if !exists {
			if len(l.limiters) >= l.maxSources {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillSize, l.period)
			l.limiters[source] = tb
		}
		l.mu.Unlock()
	}

	return tb.AllowN(n)
}

// Remove removes a source's rate limiter.
func (l *Limiter) Remove(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, source)
}

// Stats returns the number of tracked sources.
func (l *Limiter) Stats() (sources int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
