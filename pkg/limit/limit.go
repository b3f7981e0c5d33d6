// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package limit bounds the number of in-flight calls to an inner service.
//
// The limiter never queues. At the limit it reports not-ready, and a call
// that races past readiness fails closed with errors.ErrNotReady without
// reaching the inner service. Put a buffer above it to get a bounded queue
// in front of a bounded concurrency ceiling.
package limit

import (
	"context"
	"fmt"
	"sync/atomic"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Config holds concurrency limiter configuration.
type Config struct {
	// Max is the maximum number of in-flight calls.
	Max int
	// Signal is notified when a permit is released. Defaults to the inner
	// service's signal.
	Signal *service.Signal
	// OnChange observes the in-flight count after every acquire and release.
	OnChange func(inflight int)
}

// Limit is a concurrency limiting layer.
type Limit[Req, Resp any] struct {
	inner    service.Service[Req, Resp]
	max      int64
	inflight atomic.Int64
	signal   *service.Signal
	onChange func(int)
}

// New creates a new concurrency limiter around inner.
func New[Req, Resp any](inner service.Service[Req, Resp], config Config) (*Limit[Req, Resp], error) {
	if config.Max <= 0 {
		return nil, fmt.Errorf("%w: concurrency limit must be positive, got %d", merrors.ErrConfig, config.Max)
	}

	return &Limit[Req, Resp]{
		inner:    inner,
		max:      int64(config.Max),
		signal:   service.Inherit(config.Signal, inner),
		onChange: config.OnChange,
	}, nil
}

// Layer returns a service.Layer applying the limiter.
func Layer[Req, Resp any](config Config) service.Layer[Req, Resp] {
	return service.LayerFunc[Req, Resp](func(inner service.Service[Req, Resp]) (service.Service[Req, Resp], error) {
		return New(inner, config)
	})
}

// Poll implements service.Poller.
func (l *Limit[Req, Resp]) Poll() error {
	if l.inflight.Load() >= l.max {
		return merrors.ErrNotReady
	}
	return service.Poll(l.inner)
}

// Ready implements service.Service.
func (l *Limit[Req, Resp]) Ready(ctx context.Context) error {
	if err := service.AwaitReady(ctx, l.signal, l.Poll); err != nil {
		return err
	}
	return l.inner.Ready(ctx)
}

// Call implements service.Service. The permit is acquired atomically with
// dispatch and released exactly once when the inner call returns.
func (l *Limit[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	if !l.acquire() {
		var zero Resp
		return zero, merrors.ErrNotReady
	}
	defer l.release()

	service.Dispatched(ctx)
	return l.inner.Call(ctx, req)
}

// InFlight returns the number of calls currently dispatched.
func (l *Limit[Req, Resp]) InFlight() int {
	return int(l.inflight.Load())
}

// Signal implements service.Signaler.
func (l *Limit[Req, Resp]) Signal() *service.Signal {
	return l.signal
}

// Close closes the inner service.
func (l *Limit[Req, Resp]) Close() error {
	return service.Close(l.inner)
}

func (l *Limit[Req, Resp]) acquire() bool {
	for {
		cur := l.inflight.Load()
		if cur >= l.max {
			return false
		}
		if l.inflight.CompareAndSwap(cur, cur+1) {
			l.observe(cur + 1)
			return true
		}
	}
}

func (l *Limit[Req, Resp]) release() {
	n := l.inflight.Add(-1)
	l.observe(n)
	l.signal.Notify()
}

func (l *Limit[Req, Resp]) observe(n int64) {
	if l.onChange != nil {
		l.onChange(int(n))
	}
}
