// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router caches one service per target and evicts idle ones.
//
// The hot path is a lock-free sync.Map lookup. The first request for a
// target builds its service through a singleflight group so concurrent
// requests share a single construction. Failed builds are not cached.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Config holds router configuration.
type Config struct {
	// IdleTimeout is how long an unreferenced entry is kept.
	IdleTimeout time.Duration
	// SweepInterval is the period of the idle sweeper.
	SweepInterval time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnBuild observes every construction attempt.
	OnBuild func(target service.Target, err error)
	// OnEvict observes every idle eviction.
	OnEvict func(target service.Target)
}

type entry[Req, Resp any] struct {
	target service.Target
	svc    service.Service[Req, Resp]

	mu        sync.Mutex
	refs      int
	idleSince time.Time
	evicted   bool
}

// Lease is a reference to a cached service. The entry is not evicted
// while a lease is held.
type Lease[Req, Resp any] struct {
	router *Router[Req, Resp]
	entry  *entry[Req, Resp]
	once   sync.Once
}

// Service returns the leased service.
func (l *Lease[Req, Resp]) Service() service.Service[Req, Resp] {
	return l.entry.svc
}

// Release returns the reference. It is safe to call more than once.
func (l *Lease[Req, Resp]) Release() {
	l.once.Do(func() {
		l.router.release(l.entry)
	})
}

// Router is a target-keyed service cache.
type Router[Req, Resp any] struct {
	stack  service.Stack[Req, Resp]
	config Config

	entries sync.Map
	group   singleflight.Group

	closed atomic.Bool
	ticker *clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a new router building services from stack.
func New[Req, Resp any](stack service.Stack[Req, Resp], config Config) *Router[Req, Resp] {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.IdleTimeout / 4
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &Router[Req, Resp]{
		stack:  stack,
		config: config,
		ticker: config.Clock.Ticker(config.SweepInterval),
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.sweeper()

	return r
}

// Call routes req to the service for target, building it on first use.
func (r *Router[Req, Resp]) Call(ctx context.Context, target service.Target, req Req) (Resp, error) {
	var zero Resp

	lease, err := r.Acquire(ctx, target)
	if err != nil {
		return zero, err
	}
	defer lease.Release()

	svc := lease.Service()
	if err := svc.Ready(ctx); err != nil {
		return zero, err
	}
	return svc.Call(ctx, req)
}

// Acquire returns a lease on the service for target, building it on first
// use.
func (r *Router[Req, Resp]) Acquire(ctx context.Context, target service.Target) (*Lease[Req, Resp], error) {
	for {
		if r.closed.Load() {
			return nil, merrors.ErrUnavailable
		}

		if v, ok := r.entries.Load(target); ok {
			e := v.(*entry[Req, Resp])
			e.mu.Lock()
			if !e.evicted {
				e.refs++
				e.mu.Unlock()
				return &Lease[Req, Resp]{router: r, entry: e}, nil
			}
			e.mu.Unlock()
			r.entries.CompareAndDelete(target, e)
			continue
		}

		ch := r.group.DoChan(target.String(), func() (any, error) {
			return r.build(target)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of cached entries.
func (r *Router[Req, Resp]) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Targets returns the cached targets.
func (r *Router[Req, Resp]) Targets() []service.Target {
	var targets []service.Target
	r.entries.Range(func(k, _ any) bool {
		targets = append(targets, k.(service.Target))
		return true
	})
	return targets
}

// Close stops the sweeper and tears down every entry.
func (r *Router[Req, Resp]) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)
	r.wg.Wait()

	var err error
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry[Req, Resp])
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
		r.entries.Delete(k)
		err = multierr.Append(err, service.Close(e.svc))
		return true
	})
	return err
}

func (r *Router[Req, Resp]) build(target service.Target) (any, error) {
	if v, ok := r.entries.Load(target); ok {
		return v, nil
	}

	svc, err := r.stack.Build(target)
	if r.config.OnBuild != nil {
		r.config.OnBuild(target, err)
	}
	if err != nil {
		r.config.Logger.Warn("failed to build route",
			slog.String("target", target.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	e := &entry[Req, Resp]{
		target:    target,
		svc:       svc,
		idleSince: r.config.Clock.Now(),
	}
	r.entries.Store(target, e)

	// Close may have raced with the build.
	if r.closed.Load() {
		r.entries.Delete(target)
		service.Close(svc)
		return nil, merrors.ErrUnavailable
	}

	r.config.Logger.Debug("built route", slog.String("target", target.String()))
	return e, nil
}

func (r *Router[Req, Resp]) release(e *entry[Req, Resp]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		e.idleSince = r.config.Clock.Now()
	}
}

func (r *Router[Req, Resp]) sweeper() {
	defer r.wg.Done()
	defer r.ticker.Stop()

	for {
		select {
		case <-r.ticker.C:
			r.sweep(r.config.Clock.Now())
		case <-r.done:
			return
		}
	}
}

// sweep evicts entries idle for at least IdleTimeout. An entry is marked
// evicted under its lock so a concurrent Acquire either takes a reference
// first or sees the mark and builds afresh.
func (r *Router[Req, Resp]) sweep(now time.Time) {
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry[Req, Resp])

		e.mu.Lock()
		expired := e.refs == 0 && !e.evicted && now.Sub(e.idleSince) >= r.config.IdleTimeout
		if expired {
			e.evicted = true
		}
		e.mu.Unlock()

		if !expired {
			return true
		}

		r.entries.CompareAndDelete(k, e)
		if err := service.Close(e.svc); err != nil {
			r.config.Logger.Warn("failed to close idle route",
				slog.String("target", e.target.String()),
				slog.String("error", err.Error()))
		}
		if r.config.OnEvict != nil {
			r.config.OnEvict(e.target)
		}
		r.config.Logger.Debug("evicted idle route", slog.String("target", e.target.String()))
		return true
	})
}
