// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry re-issues failed requests under a policy and a budget.
package retry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Policy decides which failures are retried and how requests are replayed.
type Policy[Req, Resp any] interface {
	// Retryable reports whether the outcome of req may be retried.
	Retryable(req Req, resp Resp, err error) bool
	// Clone returns a fresh copy of req for another attempt. It reports
	// false when req cannot be replayed.
	Clone(req Req) (Req, bool)
}

// Discarder is implemented by policies that must release a response which
// is about to be replaced by a retry.
type Discarder[Resp any] interface {
	Discard(resp Resp)
}

// Config holds retry configuration.
type Config struct {
	// MaxAttempts bounds the total number of attempts, the original included.
	MaxAttempts int
	// OnRetry observes every admitted retry.
	OnRetry func(attempt int, err error)
	// Logger is used for debug logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Retry is a retrying layer.
type Retry[Req, Resp any] struct {
	inner  service.Service[Req, Resp]
	policy Policy[Req, Resp]
	budget *Budget
	config Config
	signal *service.Signal
}

// New creates a new retry layer around inner.
func New[Req, Resp any](inner service.Service[Req, Resp], policy Policy[Req, Resp], budget *Budget, config Config) (*Retry[Req, Resp], error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: retry policy is required", merrors.ErrConfig)
	}
	if budget == nil {
		return nil, fmt.Errorf("%w: retry budget is required", merrors.ErrConfig)
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 3
	}
	if config.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must be positive, got %d", merrors.ErrConfig, config.MaxAttempts)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Retry[Req, Resp]{
		inner:  inner,
		policy: policy,
		budget: budget,
		config: config,
		signal: service.Inherit(nil, inner),
	}, nil
}

// Layer returns a service.Layer applying retries. The budget is shared by
// every service built from the layer.
func Layer[Req, Resp any](policy Policy[Req, Resp], budget *Budget, config Config) service.Layer[Req, Resp] {
	return service.LayerFunc[Req, Resp](func(inner service.Service[Req, Resp]) (service.Service[Req, Resp], error) {
		return New(inner, policy, budget, config)
	})
}

// Ready implements service.Service.
func (r *Retry[Req, Resp]) Ready(ctx context.Context) error {
	return r.inner.Ready(ctx)
}

// Poll implements service.Poller.
func (r *Retry[Req, Resp]) Poll() error {
	return service.Poll(r.inner)
}

// Signal implements service.Signaler.
func (r *Retry[Req, Resp]) Signal() *service.Signal {
	return r.signal
}

// Close closes the inner service.
func (r *Retry[Req, Resp]) Close() error {
	return service.Close(r.inner)
}

// Call implements service.Service. When no retry is admitted the last
// outcome is returned unchanged.
func (r *Retry[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	r.budget.Deposit()

	next, replayable := r.policy.Clone(req)
	resp, err := r.inner.Call(ctx, req)

	for attempt := 1; ; attempt++ {
		if !r.policy.Retryable(req, resp, err) {
			return resp, err
		}
		if !replayable || attempt >= r.config.MaxAttempts || ctx.Err() != nil {
			return resp, err
		}
		if !r.budget.Withdraw() {
			r.config.Logger.Debug("retry budget exhausted", slog.Int("attempt", attempt))
			return resp, err
		}

		// With nothing ready to retry on, the last outcome stands.
		if rerr := r.inner.Ready(ctx); rerr != nil {
			r.config.Logger.Debug("retry abandoned", slog.Int("attempt", attempt), slog.String("error", rerr.Error()))
			return resp, err
		}

		if err == nil {
			r.discard(resp)
		}
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err)
		}

		req = next
		next, replayable = r.policy.Clone(req)
		resp, err = r.inner.Call(ctx, req)
	}
}

func (r *Retry[Req, Resp]) discard(resp Resp) {
	if d, ok := r.policy.(Discarder[Resp]); ok {
		d.Discard(resp)
	}
}

// ConnectPolicy retries connection establishment. Connection requests are
// plain values and always replayable.
type ConnectPolicy[Req, Resp any] struct{}

// Retryable implements Policy.
func (ConnectPolicy[Req, Resp]) Retryable(_ Req, _ Resp, err error) bool {
	return retryableError(err)
}

// Clone implements Policy.
func (ConnectPolicy[Req, Resp]) Clone(req Req) (Req, bool) {
	return req, true
}

// Discard implements Discarder.
func (ConnectPolicy[Req, Resp]) Discard(resp Resp) {
	if c, ok := any(resp).(io.Closer); ok {
		c.Close()
	}
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	return merrors.Is(err, merrors.ErrTransientIO) || merrors.Is(err, merrors.ErrNotReady)
}
