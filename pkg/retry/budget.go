// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BudgetConfig holds retry budget configuration.
type BudgetConfig struct {
	// Ratio is the fraction of original requests that may be retried.
	Ratio float64
	// Window is the period over which requests and retries are counted.
	Window time.Duration
	// BucketSize is the granularity of the sliding window.
	BucketSize time.Duration
	// MinRetriesPerSecond is a retry allowance independent of traffic.
	MinRetriesPerSecond float64
	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Budget bounds retries to a fraction of recent original requests.
//
// A retry is admitted only while retries+1 <= Ratio*originals +
// MinRetriesPerSecond*Window over the sliding window.
type Budget struct {
	mu        sync.Mutex
	config    BudgetConfig
	originals *window
	retries   *window
}

// NewBudget creates a new retry budget.
func NewBudget(config BudgetConfig) *Budget {
	if config.Ratio < 0 {
		config.Ratio = 0
	}
	if config.Window <= 0 {
		config.Window = 10 * time.Second
	}
	if config.BucketSize <= 0 {
		config.BucketSize = time.Second
	}
	if config.BucketSize > config.Window {
		config.BucketSize = config.Window
	}
	if config.MinRetriesPerSecond < 0 {
		config.MinRetriesPerSecond = 0
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	return &Budget{
		config:    config,
		originals: newWindow(config.Window, config.BucketSize),
		retries:   newWindow(config.Window, config.BucketSize),
	}
}

// Deposit records an original request.
func (b *Budget) Deposit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.originals.add(b.config.Clock.Now(), 1)
}

// Withdraw admits one retry if the budget allows and records it.
func (b *Budget) Withdraw() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock.Now()
	allowed := b.config.Ratio*float64(b.originals.sum(now)) +
		b.config.MinRetriesPerSecond*b.config.Window.Seconds()
	if float64(b.retries.sum(now)+1) > allowed {
		return false
	}

	b.retries.add(now, 1)
	return true
}

// Balance returns the number of retries currently admissible.
func (b *Budget) Balance() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock.Now()
	allowed := b.config.Ratio*float64(b.originals.sum(now)) +
		b.config.MinRetriesPerSecond*b.config.Window.Seconds()
	n := int(allowed) - int(b.retries.sum(now))
	if n < 0 {
		return 0
	}
	return n
}

// window is a sliding window counter over a ring of time-stamped buckets.
// Callers hold the budget lock.
type window struct {
	size       time.Duration
	bucketSize time.Duration
	buckets    []bucket
	head       int
}

type bucket struct {
	timestamp time.Time
	value     int64
}

func newWindow(size, bucketSize time.Duration) *window {
	n := int(size / bucketSize)
	if n == 0 {
		n = 1
	}
	return &window{
		size:       size,
		bucketSize: bucketSize,
		buckets:    make([]bucket, n),
	}
}

func (w *window) add(now time.Time, v int64) {
	w.prune(now)
	w.current(now).value += v
}

func (w *window) sum(now time.Time) int64 {
	w.prune(now)
	var total int64
	for i := range w.buckets {
		if !w.buckets[i].timestamp.IsZero() {
			total += w.buckets[i].value
		}
	}
	return total
}

// prune clears buckets that started before now-size.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	for i := range w.buckets {
		if !w.buckets[i].timestamp.IsZero() && !w.buckets[i].timestamp.After(cutoff) {
			w.buckets[i] = bucket{}
		}
	}
}

func (w *window) current(now time.Time) *bucket {
	ts := now.Truncate(w.bucketSize)
	if w.buckets[w.head].timestamp.Equal(ts) {
		return &w.buckets[w.head]
	}

	idx := -1
	for i := range w.buckets {
		if w.buckets[i].timestamp.IsZero() {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = 0
		for i := 1; i < len(w.buckets); i++ {
			if w.buckets[i].timestamp.Before(w.buckets[idx].timestamp) {
				idx = i
			}
		}
	}

	w.buckets[idx] = bucket{timestamp: ts}
	w.head = idx
	return &w.buckets[idx]
}
