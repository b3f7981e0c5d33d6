// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit admits connections per source address using token
// buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = fmt.Errorf("%w: rate limit exceeded", merrors.ErrOverloaded)

// Config holds limiter configuration.
type Config struct {
	// Rate is the sustained number of connections per second per source.
	Rate float64
	// Burst is the bucket capacity per source.
	Burst int
	// GlobalRate bounds the connection rate across all sources. Zero
	// disables the global bucket.
	GlobalRate float64
	// GlobalBurst is the capacity of the global bucket.
	GlobalBurst int
	// MaxClients bounds the number of tracked sources. New sources are
	// rejected while the table is full.
	MaxClients int
	// IdleTimeout is how long an unused source is tracked.
	IdleTimeout time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// OnReject observes every rejected source.
	OnReject func(key string)
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-source rate limiters. It implements handler.Handler,
// rejecting connections in AuthConnect.
type Limiter struct {
	handler.NoopHandler

	config Config
	global *rate.Limiter

	mu      sync.Mutex
	clients map[string]*client

	done chan struct{}
	wg   sync.WaitGroup
}

var _ handler.Handler = (*Limiter)(nil)

// NewLimiter creates a new rate limiter with per-source tracking.
func NewLimiter(config Config) (*Limiter, error) {
	if config.Rate <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive, got %v", merrors.ErrConfig, config.Rate)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.MaxClients <= 0 {
		config.MaxClients = 10000
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	l := &Limiter{
		config:  config,
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	if config.GlobalRate > 0 {
		burst := config.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		l.global = rate.NewLimiter(rate.Limit(config.GlobalRate), burst)
	}

	ticker := config.Clock.Ticker(config.IdleTimeout / 2)
	l.wg.Add(1)
	go l.cleanup(ticker)

	return l, nil
}

// Allow reports whether a connection from key is admitted.
func (l *Limiter) Allow(key string) bool {
	now := l.config.Clock.Now()

	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.config.MaxClients {
			l.mu.Unlock()
			l.reject(key)
			return false
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.config.Rate), l.config.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	allowed := c.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if allowed && l.global != nil {
		allowed = l.global.AllowN(now, 1)
	}
	if !allowed {
		l.reject(key)
	}
	return allowed
}

// AuthConnect rejects connections from sources over their rate.
func (l *Limiter) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	key := hctx.RemoteAddr
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	if !l.Allow(key) {
		return merrors.New("accept", "", hctx.RemoteAddr, ErrRateLimitExceeded)
	}
	return nil
}

// Remove removes a source's limiter.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

// Stats returns the number of tracked sources.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.wg.Wait()
	return nil
}

func (l *Limiter) reject(key string) {
	if l.config.OnReject != nil {
		l.config.OnReject(key)
	}
}

// cleanup forgets sources idle for longer than the idle timeout.
func (l *Limiter) cleanup(ticker *clock.Ticker) {
	defer l.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := l.config.Clock.Now()
			l.mu.Lock()
			for k, c := range l.clients {
				if now.Sub(c.lastSeen) > l.config.IdleTimeout {
					delete(l.clients, k)
				}
			}
			l.mu.Unlock()
		}
	}
}
