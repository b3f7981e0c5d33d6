// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/absmach/meshproxy/pkg/backoff"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Config holds resolver configuration.
type Config struct {
	// Backoff configures resubscription delays.
	Backoff backoff.Config
	// StaleTimeout is how long continuous subscription failure keeps the
	// set Stale before it becomes Unavailable.
	StaleTimeout time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnUpdate observes every update before it is delivered.
	OnUpdate func(Update)
}

type received struct {
	event Event
	err   error
}

// Resolution is a live resolution of one target.
type Resolution struct {
	target  service.Target
	src     Source
	config  Config
	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.RWMutex
	endpoints map[string]Endpoint
	status    Status
	version   uint64
}

// Resolve starts resolving target through src. The returned resolution
// delivers diffs on Updates until it is closed or the target turns out to
// be invalid.
func Resolve(src Source, target service.Target, config Config) *Resolution {
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolution{
		target:    target,
		src:       src,
		config:    config,
		updates:   make(chan Update, 16),
		cancel:    cancel,
		done:      make(chan struct{}),
		endpoints: make(map[string]Endpoint),
		status:    StatusPending,
	}
	go r.run(ctx)

	return r
}

// Target returns the resolved target.
func (r *Resolution) Target() service.Target {
	return r.target
}

// Updates returns the diff channel. It is closed when resolution stops.
func (r *Resolution) Updates() <-chan Update {
	return r.updates
}

// Snapshot returns the current endpoint set.
func (r *Resolution) Snapshot() EndpointSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return EndpointSet{
		Version:   r.version,
		Status:    r.status,
		Endpoints: sortedEndpoints(r.endpoints),
	}
}

// Status returns the current resolution status.
func (r *Resolution) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Close cancels the subscription and waits for resolution to stop.
func (r *Resolution) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *Resolution) run(ctx context.Context) {
	defer close(r.done)
	defer close(r.updates)

	bo := backoff.New(r.config.Backoff)
	reconcile := false
	var stale *clock.Timer
	defer func() {
		if stale != nil {
			stale.Stop()
		}
	}()

	for {
		err := r.subscribe(ctx, reconcile, bo, func() {
			if stale != nil {
				stale.Stop()
				stale = nil
			}
		})
		if ctx.Err() != nil {
			return
		}
		if merrors.Is(err, ErrInvalidTarget) {
			r.config.Logger.Warn("discovery target is invalid",
				slog.String("target", r.target.String()),
				slog.String("error", err.Error()))
			r.apply(ctx, Event{Kind: NoEndpoints}, false, StatusUnavailable)
			return
		}

		r.config.Logger.Debug("discovery subscription failed",
			slog.String("target", r.target.String()),
			slog.Any("error", err))

		if stale == nil {
			stale = r.config.Clock.Timer(r.config.StaleTimeout)
			if r.Status() != StatusUnavailable {
				r.setStatus(ctx, StatusStale)
			}
		}
		reconcile = true

		wait := r.config.Clock.Timer(bo.Next())
	waiting:
		for {
			select {
			case <-wait.C:
				break waiting
			case <-stale.C:
				r.setStatus(ctx, StatusUnavailable)
			case <-ctx.Done():
				wait.Stop()
				return
			}
		}
	}
}

// subscribe consumes one subscription until it fails. healthy runs on the
// first applied event.
func (r *Resolution) subscribe(ctx context.Context, reconcile bool, bo *backoff.Backoff, healthy func()) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.src.Subscribe(subCtx, r.target)
	if err != nil {
		return err
	}

	events := make(chan received)
	go func() {
		for {
			ev, err := stream.Recv()
			select {
			case events <- received{event: ev, err: err}:
			case <-subCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rcv := <-events:
			if rcv.err != nil {
				return rcv.err
			}
			if reconcile {
				healthy()
				bo.Reset()
			}
			r.apply(ctx, rcv.event, reconcile, StatusResolved)
			reconcile = false
		}
	}
}

// apply folds ev into the endpoint set and emits the resulting diff. With
// reconcile set, an Add event is treated as the complete set.
func (r *Resolution) apply(ctx context.Context, ev Event, reconcile bool, status Status) {
	r.mu.Lock()
	var u Update

	switch ev.Kind {
	case Add:
		present := make(map[string]struct{}, len(ev.Endpoints))
		for _, ep := range ev.Endpoints {
			present[ep.Addr] = struct{}{}
			if cur, ok := r.endpoints[ep.Addr]; ok && cur.Equal(ep) {
				continue
			}
			r.endpoints[ep.Addr] = ep
			u.Added = append(u.Added, ep)
		}
		if reconcile {
			for addr := range r.endpoints {
				if _, ok := present[addr]; !ok {
					delete(r.endpoints, addr)
					u.Removed = append(u.Removed, addr)
				}
			}
		}
	case Remove:
		for _, ep := range ev.Endpoints {
			if _, ok := r.endpoints[ep.Addr]; ok {
				delete(r.endpoints, ep.Addr)
				u.Removed = append(u.Removed, ep.Addr)
			}
		}
	case NoEndpoints:
		for addr := range r.endpoints {
			delete(r.endpoints, addr)
			u.Removed = append(u.Removed, addr)
		}
	}

	r.version++
	r.status = status
	u.Version = r.version
	u.Status = status
	r.mu.Unlock()

	r.emit(ctx, u)
}

func (r *Resolution) setStatus(ctx context.Context, status Status) {
	r.mu.Lock()
	if r.status == status {
		r.mu.Unlock()
		return
	}
	r.version++
	r.status = status
	u := Update{Version: r.version, Status: status}
	r.mu.Unlock()

	r.emit(ctx, u)
}

func (r *Resolution) emit(ctx context.Context, u Update) {
	if r.config.OnUpdate != nil {
		r.config.OnUpdate(u)
	}
	select {
	case r.updates <- u:
	case <-ctx.Done():
	}
}
