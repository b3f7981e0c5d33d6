// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service defines the request/response contract shared by every
// layer of the routing stack.
//
// A consumer waits for Ready before issuing a Call. A service called while
// not ready fails closed with errors.ErrNotReady instead of queuing the
// request. Layers wrap exactly one inner service and are ready only when
// their inner service is, so backpressure composes through the chain.
package service

import (
	"context"
	"io"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// Service is an asynchronous request/response handler with explicit readiness.
type Service[Req, Resp any] interface {
	// Ready blocks until the service can accept a call, ctx is done, or the
	// service fails permanently.
	Ready(ctx context.Context) error

	// Call dispatches req. It must only be invoked after Ready returned nil.
	Call(ctx context.Context, req Req) (Resp, error)
}

// Poller is implemented by services that report readiness without blocking.
// Poll returns nil when ready, errors.ErrNotReady while pending and any
// other error when the service failed permanently.
type Poller interface {
	Poll() error
}

// Signaler is implemented by services that broadcast readiness changes.
type Signaler interface {
	Signal() *Signal
}

// Func adapts a function into an always ready service.
type Func[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

var _ Service[int, int] = Func[int, int](nil)

// Ready implements Service.
func (f Func[Req, Resp]) Ready(ctx context.Context) error {
	return ctx.Err()
}

// Poll implements Poller.
func (f Func[Req, Resp]) Poll() error {
	return nil
}

// Call implements Service.
func (f Func[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	Dispatched(ctx)
	return f(ctx, req)
}

// Poll reports svc readiness without blocking. Services that do not
// implement Poller are considered ready.
func Poll(svc any) error {
	if p, ok := svc.(Poller); ok {
		return p.Poll()
	}
	return nil
}

// SignalOf returns the readiness signal of svc, or nil.
func SignalOf(svc any) *Signal {
	if s, ok := svc.(Signaler); ok {
		return s.Signal()
	}
	return nil
}

// Close closes svc if it owns resources.
func Close(svc any) error {
	if c, ok := svc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AwaitReady blocks until poll reports ready, a terminal error or ctx is done.
// sig is consulted before every poll so that no readiness change is missed.
func AwaitReady(ctx context.Context, sig *Signal, poll func() error) error {
	for {
		changed := sig.C()
		err := poll()
		if err == nil {
			return nil
		}
		if !merrors.Is(err, merrors.ErrNotReady) {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
