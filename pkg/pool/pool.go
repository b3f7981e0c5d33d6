// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool keeps idle HTTP/1 connections to one endpoint for reuse.
// Concurrency is bounded by the caller; the pool only decides which
// connections are worth keeping.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = fmt.Errorf("%w: connection pool is closed", merrors.ErrUnavailable)

// DialFunc opens a new connection to the endpoint.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config holds connection pool configuration.
type Config struct {
	// MaxIdle bounds the number of kept connections. Defaults to 10.
	MaxIdle int
	// IdleTimeout closes connections unused for this long. Defaults to 90s.
	IdleTimeout time.Duration
	// MaxLifetime stops reusing connections older than this. Defaults to 30m.
	MaxLifetime time.Duration
	// DialTimeout bounds each dial. Defaults to 10s.
	DialTimeout time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Conn is a pooled connection. Its buffered reader survives reuse so that
// bytes read ahead are not lost between requests.
type Conn struct {
	net.Conn

	pool     *Pool
	br       *bufio.Reader
	born     time.Time
	lastUsed time.Time
	once     sync.Once
}

// Reader returns the buffered reader of the connection.
func (c *Conn) Reader() *bufio.Reader {
	if c.br == nil {
		c.br = bufio.NewReader(c.Conn)
	}
	return c.br
}

// Close hands the connection back for reuse.
func (c *Conn) Close() error {
	return c.release(true)
}

// Discard closes the connection for good.
func (c *Conn) Discard() error {
	return c.release(false)
}

func (c *Conn) release(reuse bool) error {
	var err error
	c.once.Do(func() {
		err = c.pool.put(c, reuse)
	})
	return err
}

// Pool is a LIFO set of idle connections plus a count of checked out ones.
type Pool struct {
	dial   DialFunc
	config Config

	mu     sync.Mutex
	idle   []*Conn
	inUse  int
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool dialing with dial.
func New(dial DialFunc, config Config) *Pool {
	if config.MaxIdle <= 0 {
		config.MaxIdle = 10
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 90 * time.Second
	}
	if config.MaxLifetime <= 0 {
		config.MaxLifetime = 30 * time.Minute
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	p := &Pool{
		dial:   dial,
		config: config,
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reap(config.Clock.Ticker(config.IdleTimeout / 2))
	return p
}

// Get returns the most recently used healthy idle connection, or dials a
// new one.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	now := p.config.Clock.Now()
	for n := len(p.idle); n > 0; n = len(p.idle) {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if p.reusable(c, now) {
			p.inUse++
			p.mu.Unlock()
			return &Conn{Conn: c.Conn, pool: p, br: c.br, born: c.born}, nil
		}
		c.Conn.Close()
	}
	p.inUse++
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.config.DialTimeout)
	defer cancel()
	raw, err := p.dial(dialCtx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		return nil, fmt.Errorf("dial endpoint: %w", err)
	}
	return &Conn{Conn: raw, pool: p, born: p.config.Clock.Now()}, nil
}

func (p *Pool) put(c *Conn, reuse bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--
	now := p.config.Clock.Now()
	if !reuse || p.closed || len(p.idle) >= p.config.MaxIdle || !p.reusable(c, now) {
		return c.Conn.Close()
	}
	c.lastUsed = now
	p.idle = append(p.idle, c)
	return nil
}

// reusable rejects old connections and idle ones the peer has written to,
// which is either an unsolicited response or a close.
func (p *Pool) reusable(c *Conn, now time.Time) bool {
	if now.Sub(c.born) > p.config.MaxLifetime {
		return false
	}
	return c.br == nil || c.br.Buffered() == 0
}

func (p *Pool) reap(ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		now := p.config.Clock.Now()
		kept := p.idle[:0]
		for _, c := range p.idle {
			if now.Sub(c.lastUsed) > p.config.IdleTimeout {
				c.Conn.Close()
				continue
			}
			kept = append(kept, c)
		}
		p.idle = kept
		p.mu.Unlock()
	}
}

// Close closes every idle connection. Checked out connections are closed
// as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, c := range p.idle {
		c.Conn.Close()
	}
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	return nil
}

// Stats returns the number of idle and checked out connections.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.inUse
}
