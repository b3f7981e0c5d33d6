// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buffer provides a bounded FIFO queue in front of a service.
//
// A single worker goroutine drives the inner service: it waits for the
// inner service to become ready and dispatches requests in arrival order.
// A slot is held from the moment a request is accepted until the inner
// service reports it dispatched, so the number of accepted but undispatched
// requests never exceeds the capacity.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Config holds buffer configuration.
type Config struct {
	// Capacity is the maximum number of accepted, undispatched requests.
	Capacity int
	// WaitTimeout bounds how long Call waits for a free slot. Zero waits
	// until the caller's context ends.
	WaitTimeout time.Duration
	// OnDepth observes the number of held slots after every change.
	OnDepth func(depth int)
}

type result[Resp any] struct {
	resp Resp
	err  error
}

type message[Req, Resp any] struct {
	ctx  context.Context
	req  Req
	done chan result[Resp]
}

// Buffer is a bounded queue layer.
type Buffer[Req, Resp any] struct {
	inner       service.Service[Req, Resp]
	waitTimeout time.Duration
	onDepth     func(int)

	slots  chan struct{}
	queue  chan *message[Req, Resp]
	signal *service.Signal

	mu        sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
	worker    sync.WaitGroup
	calls     sync.WaitGroup
}

// New creates a new buffer around inner and starts its worker.
func New[Req, Resp any](inner service.Service[Req, Resp], config Config) (*Buffer[Req, Resp], error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("%w: buffer capacity must be positive, got %d", merrors.ErrConfig, config.Capacity)
	}
	if config.WaitTimeout < 0 {
		return nil, fmt.Errorf("%w: buffer wait timeout must not be negative", merrors.ErrConfig)
	}

	b := &Buffer[Req, Resp]{
		inner:       inner,
		waitTimeout: config.WaitTimeout,
		onDepth:     config.OnDepth,
		slots:       make(chan struct{}, config.Capacity),
		queue:       make(chan *message[Req, Resp], config.Capacity),
		signal:      service.NewSignal(),
		closed:      make(chan struct{}),
	}

	b.worker.Add(1)
	go b.run()

	return b, nil
}

// Layer returns a service.Layer applying the buffer.
func Layer[Req, Resp any](config Config) service.Layer[Req, Resp] {
	return service.LayerFunc[Req, Resp](func(inner service.Service[Req, Resp]) (service.Service[Req, Resp], error) {
		return New(inner, config)
	})
}

// Poll implements service.Poller. The buffer is ready while a slot is free.
func (b *Buffer[Req, Resp]) Poll() error {
	select {
	case <-b.closed:
		return merrors.ErrUnavailable
	default:
	}
	if len(b.slots) >= cap(b.slots) {
		return merrors.ErrNotReady
	}
	return nil
}

// Ready implements service.Service.
func (b *Buffer[Req, Resp]) Ready(ctx context.Context) error {
	return service.AwaitReady(ctx, b.signal, b.Poll)
}

// Signal implements service.Signaler.
func (b *Buffer[Req, Resp]) Signal() *service.Signal {
	return b.signal
}

// Depth returns the number of accepted requests not yet dispatched.
func (b *Buffer[Req, Resp]) Depth() int {
	return len(b.slots)
}

// Call implements service.Service. It waits for a free slot, enqueues the
// request and returns the inner service's response.
func (b *Buffer[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if err := b.acquire(ctx); err != nil {
		return zero, err
	}

	msg := &message[Req, Resp]{
		ctx:  ctx,
		req:  req,
		done: make(chan result[Resp], 1),
	}

	b.mu.RLock()
	select {
	case <-b.closed:
		b.mu.RUnlock()
		b.release()
		return zero, merrors.ErrUnavailable
	default:
	}
	b.queue <- msg
	b.mu.RUnlock()

	service.Dispatched(ctx)

	res := <-msg.done
	return res.resp, res.err
}

// Close fails queued requests with ErrUnavailable, waits for dispatched
// requests to complete and closes the inner service.
func (b *Buffer[Req, Resp]) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.closed)
		b.mu.Unlock()

		b.worker.Wait()
		b.drain()
		b.signal.Notify()

		b.calls.Wait()
		err = service.Close(b.inner)
	})
	return err
}

func (b *Buffer[Req, Resp]) acquire(ctx context.Context) error {
	select {
	case <-b.closed:
		return merrors.ErrUnavailable
	default:
	}

	select {
	case b.slots <- struct{}{}:
		b.observe()
		return nil
	default:
	}

	var expired <-chan time.Time
	if b.waitTimeout > 0 {
		timer := time.NewTimer(b.waitTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case b.slots <- struct{}{}:
		b.observe()
		return nil
	case <-expired:
		return merrors.ErrOverloaded
	case <-b.closed:
		return merrors.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer[Req, Resp]) release() {
	<-b.slots
	b.observe()
	b.signal.Notify()
}

func (b *Buffer[Req, Resp]) observe() {
	if b.onDepth != nil {
		b.onDepth(len(b.slots))
	}
}

func (b *Buffer[Req, Resp]) run() {
	defer b.worker.Done()

	for {
		select {
		case <-b.closed:
			return
		case msg := <-b.queue:
			b.process(msg)
		}
	}
}

func (b *Buffer[Req, Resp]) process(msg *message[Req, Resp]) {
	if err := msg.ctx.Err(); err != nil {
		b.release()
		msg.done <- result[Resp]{err: err}
		return
	}

	// Readiness waits are interrupted by Close.
	ctx, cancel := context.WithCancel(msg.ctx)
	go func() {
		select {
		case <-b.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := b.inner.Ready(ctx)
	cancel()

	if err != nil {
		select {
		case <-b.closed:
			err = merrors.ErrUnavailable
		default:
		}
		b.release()
		msg.done <- result[Resp]{err: err}
		return
	}

	dispatched := make(chan struct{})
	completed := make(chan struct{})
	callCtx := service.WithDispatch(msg.ctx, func() { close(dispatched) })

	b.calls.Add(1)
	go func() {
		defer b.calls.Done()
		resp, err := b.inner.Call(callCtx, msg.req)
		close(completed)
		msg.done <- result[Resp]{resp: resp, err: err}
	}()

	select {
	case <-dispatched:
	case <-completed:
	}
	b.release()
}

func (b *Buffer[Req, Resp]) drain() {
	for {
		select {
		case msg := <-b.queue:
			b.release()
			msg.done <- result[Resp]{err: merrors.ErrUnavailable}
		default:
			return
		}
	}
}
