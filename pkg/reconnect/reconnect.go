// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reconnect keeps a connection-backed service established.
//
// Connecting starts on first use and runs in the background. A failed
// attempt or a transient I/O error on an established connection moves the
// state machine to Failed and schedules the next attempt after an
// exponential backoff. A successful connect resets the backoff.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/absmach/meshproxy/pkg/backoff"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// State represents the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MakeConn establishes a new connection service.
type MakeConn[Req, Resp any] func(ctx context.Context) (service.Service[Req, Resp], error)

// Config holds reconnect configuration.
type Config struct {
	// Backoff configures the delay between connection attempts.
	Backoff backoff.Config
	// Clock is the time source for backoff timers. Defaults to the wall clock.
	Clock clock.Clock
	// Signal is notified on every state change. Defaults to a new signal.
	Signal *service.Signal
	// OnStateChange observes every transition. It runs synchronously,
	// outside the state lock.
	OnStateChange func(from, to State)
	// Name identifies the connection in logs.
	Name string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type transition struct {
	from, to State
}

// session is one established connection and its in-flight calls.
type session[Req, Resp any] struct {
	svc      service.Service[Req, Resp]
	inflight int
	retired  bool
}

// Reconnect is a reconnecting service.
type Reconnect[Req, Resp any] struct {
	mu      sync.Mutex
	connect MakeConn[Req, Resp]
	config  Config
	backoff *backoff.Backoff
	signal  *service.Signal

	state   State
	current *session[Req, Resp]
	cancel  context.CancelFunc
	timer   *clock.Timer
	lastErr error
	pending []transition
}

// New creates a new reconnecting service. No connection is attempted until
// the service is polled.
func New[Req, Resp any](connect MakeConn[Req, Resp], config Config) (*Reconnect[Req, Resp], error) {
	if connect == nil {
		return nil, fmt.Errorf("%w: reconnect requires a connect function", merrors.ErrConfig)
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Signal == nil {
		config.Signal = service.NewSignal()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Reconnect[Req, Resp]{
		connect: connect,
		config:  config,
		backoff: backoff.New(config.Backoff),
		signal:  config.Signal,
		state:   StateDisconnected,
	}, nil
}

// Poll implements service.Poller.
func (r *Reconnect[Req, Resp]) Poll() error {
	r.mu.Lock()
	var err error
	switch r.state {
	case StateDisconnected:
		r.startConnectLocked()
		err = merrors.ErrNotReady
	case StateConnecting, StateFailed:
		err = merrors.ErrNotReady
	case StateConnected:
		err = service.Poll(r.current.svc)
		if err != nil && !merrors.Is(err, merrors.ErrNotReady) {
			r.failLocked(merrors.Transient(err))
			err = merrors.ErrNotReady
		}
	default:
		err = merrors.ErrUnavailable
	}
	r.mu.Unlock()

	r.flush()
	return err
}

// Ready implements service.Service.
func (r *Reconnect[Req, Resp]) Ready(ctx context.Context) error {
	return service.AwaitReady(ctx, r.signal, r.Poll)
}

// Signal implements service.Signaler.
func (r *Reconnect[Req, Resp]) Signal() *service.Signal {
	return r.signal
}

// Call implements service.Service. A call made while not connected fails
// closed with ErrNotReady.
func (r *Reconnect[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	r.mu.Lock()
	switch r.state {
	case StateConnected:
	case StateClosed:
		r.mu.Unlock()
		return zero, merrors.ErrUnavailable
	default:
		r.mu.Unlock()
		return zero, merrors.ErrNotReady
	}
	s := r.current
	s.inflight++
	r.mu.Unlock()

	resp, err := s.svc.Call(ctx, req)

	r.mu.Lock()
	s.inflight--
	if err != nil && merrors.Is(err, merrors.ErrTransientIO) && r.current == s && r.state == StateConnected {
		r.failLocked(err)
	}
	closeNow := s.retired && s.inflight == 0
	r.mu.Unlock()

	if closeNow {
		service.Close(s.svc)
	}
	r.flush()

	return resp, err
}

// State returns the current connection state.
func (r *Reconnect[Req, Resp]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastError returns the most recent connection failure.
func (r *Reconnect[Req, Resp]) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Close moves the service to the terminal Closed state. An in-progress
// connect is canceled and the established connection is closed once its
// in-flight calls complete.
func (r *Reconnect[Req, Resp]) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.setStateLocked(StateClosed)
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	var closing service.Service[Req, Resp]
	if r.current != nil {
		closing = r.retireLocked()
	}
	r.mu.Unlock()

	r.flush()
	if closing != nil {
		return service.Close(closing)
	}
	return nil
}

func (r *Reconnect[Req, Resp]) startConnectLocked() {
	r.setStateLocked(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

func (r *Reconnect[Req, Resp]) run(ctx context.Context) {
	svc, err := r.connect(ctx)

	r.mu.Lock()
	if r.state != StateConnecting || ctx.Err() != nil {
		r.mu.Unlock()
		if svc != nil {
			service.Close(svc)
		}
		return
	}
	r.cancel = nil

	if err != nil {
		r.failLocked(merrors.Transient(err))
	} else {
		r.current = &session[Req, Resp]{svc: svc}
		r.lastErr = nil
		r.backoff.Reset()
		r.setStateLocked(StateConnected)
	}
	r.mu.Unlock()

	r.flush()
}

// failLocked records err, retires the current connection and schedules
// the next attempt.
func (r *Reconnect[Req, Resp]) failLocked(err error) {
	r.lastErr = err
	r.setStateLocked(StateFailed)

	if r.current != nil {
		if svc := r.retireLocked(); svc != nil {
			go service.Close(svc)
		}
	}

	delay := r.backoff.Next()
	r.config.Logger.Debug("connection failed",
		slog.String("endpoint", r.config.Name),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()))

	r.timer = r.config.Clock.AfterFunc(delay, r.retry)
}

func (r *Reconnect[Req, Resp]) retry() {
	r.mu.Lock()
	if r.state == StateFailed {
		r.timer = nil
		r.startConnectLocked()
	}
	r.mu.Unlock()

	r.flush()
}

// retireLocked detaches the current connection. It returns the connection
// when it can be closed right away.
func (r *Reconnect[Req, Resp]) retireLocked() service.Service[Req, Resp] {
	s := r.current
	r.current = nil
	s.retired = true
	if s.inflight == 0 {
		return s.svc
	}
	return nil
}

func (r *Reconnect[Req, Resp]) setStateLocked(to State) {
	if r.state == to {
		return
	}
	r.pending = append(r.pending, transition{from: r.state, to: to})
	r.state = to
}

// flush delivers queued transitions outside the lock.
func (r *Reconnect[Req, Resp]) flush() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	for _, t := range pending {
		if r.config.OnStateChange != nil {
			r.config.OnStateChange(t.from, t.to)
		}
	}
	r.signal.Notify()
}
