// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backoff provides capped exponential backoff with jitter.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	// Base is the first delay.
	Base time.Duration
	// Max caps every delay.
	Max time.Duration
	// Jitter is the proportional random spread added to each delay, in [0, 1].
	// Zero disables jitter.
	Jitter float64
	// Rand returns values in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Backoff produces a non-decreasing delay sequence bounded by Max.
// Delay n is min(Max, Base*2^n*(1+Jitter*u)) clamped to be at least the
// previous delay.
type Backoff struct {
	mu       sync.Mutex
	config   Config
	attempts int
	last     time.Duration
}

// New creates a new Backoff.
func New(config Config) *Backoff {
	if config.Base <= 0 {
		config.Base = 100 * time.Millisecond
	}
	if config.Max < config.Base {
		config.Max = config.Base
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	if config.Jitter > 1 {
		config.Jitter = 1
	}
	if config.Rand == nil {
		config.Rand = rand.Float64
	}

	return &Backoff{config: config}
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	exp := float64(b.config.Base) * math.Pow(2, float64(b.attempts))
	if b.config.Jitter > 0 {
		exp *= 1 + b.config.Jitter*b.config.Rand()
	}

	delay := b.config.Max
	if exp < float64(b.config.Max) {
		delay = time.Duration(exp)
	}
	if delay < b.last {
		delay = b.last
	}

	b.attempts++
	b.last = delay
	return delay
}

// Reset returns the sequence to Base.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.last = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the last delay handed out, zero after a reset.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
