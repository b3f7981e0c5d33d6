// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package balancer distributes calls over the endpoints of a resolution.
//
// Selection picks, among ready endpoints, the lowest peak-EWMA latency
// estimate divided by the endpoint weight. Ties go to the endpoint picked
// least recently.
package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Watcher delivers endpoint set changes. *discovery.Resolution implements it.
type Watcher interface {
	Updates() <-chan discovery.Update
	Snapshot() discovery.EndpointSet
}

// NewEndpoint builds the service for one endpoint. sig must be notified
// whenever the endpoint's readiness changes.
type NewEndpoint[Req, Resp any] func(ep discovery.Endpoint, sig *service.Signal) (service.Service[Req, Resp], error)

// Config holds balancer configuration.
type Config struct {
	// Decay is the time constant of the latency estimate.
	Decay time.Duration
	// DefaultEstimate is the estimate of endpoints without observations.
	DefaultEstimate time.Duration
	// FailFast bounds how long Ready waits without any ready endpoint.
	FailFast time.Duration
	// Name identifies the balancer in logs.
	Name string
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Signal is notified on endpoint set and readiness changes.
	Signal *service.Signal
	// OnSelect observes every endpoint selection.
	OnSelect func(addr string)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type endpoint[Req, Resp any] struct {
	addr string
	svc  service.Service[Req, Resp]

	mu         sync.Mutex
	meta       discovery.Endpoint
	estimate   float64
	stamp      time.Time
	lastPicked uint64
}

// cost returns the decayed estimate scaled by weight.
func (e *endpoint[Req, Resp]) cost(now time.Time, decay time.Duration) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	est := e.estimate
	if elapsed := now.Sub(e.stamp); elapsed > 0 && est > 0 {
		est *= math.Exp(-float64(elapsed) / float64(decay))
	}
	weight := float64(e.meta.Weight)
	if weight == 0 {
		weight = 1
	}
	return est / weight
}

// observe folds rtt into the estimate. A sample above the estimate
// replaces it; otherwise the estimate decays toward the sample.
func (e *endpoint[Req, Resp]) observe(now time.Time, rtt time.Duration, decay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sample := float64(rtt)
	if sample > e.estimate {
		e.estimate = sample
	} else {
		elapsed := now.Sub(e.stamp)
		if elapsed < 0 {
			elapsed = 0
		}
		w := math.Exp(-float64(elapsed) / float64(decay))
		e.estimate = e.estimate*w + sample*(1-w)
	}
	e.stamp = now
}

// Balancer is a load balancing service over a dynamic endpoint set.
type Balancer[Req, Resp any] struct {
	config      Config
	newEndpoint NewEndpoint[Req, Resp]
	signal      *service.Signal
	seq         atomic.Uint64

	mu        sync.RWMutex
	endpoints map[string]*endpoint[Req, Resp]
	status    discovery.Status
	version   uint64

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a new balancer consuming w.
func New[Req, Resp any](w Watcher, newEndpoint NewEndpoint[Req, Resp], config Config) (*Balancer[Req, Resp], error) {
	if newEndpoint == nil {
		return nil, fmt.Errorf("%w: balancer requires an endpoint constructor", merrors.ErrConfig)
	}
	if config.Decay <= 0 {
		config.Decay = 10 * time.Second
	}
	if config.DefaultEstimate < 0 {
		return nil, fmt.Errorf("%w: default estimate must not be negative", merrors.ErrConfig)
	}
	if config.FailFast <= 0 {
		config.FailFast = 3 * time.Second
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

	b := &Balancer[Req, Resp]{
		config:      config,
		newEndpoint: newEndpoint,
		signal:      config.Signal,
		endpoints:   make(map[string]*endpoint[Req, Resp]),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	snap := w.Snapshot()
	b.apply(discovery.Update{Version: snap.Version, Added: snap.Endpoints, Status: snap.Status})

	go b.run(w.Updates(), snap.Version)

	return b, nil
}

// Poll implements service.Poller. It also drives endpoint connection.
func (b *Balancer[Req, Resp]) Poll() error {
	select {
	case <-b.closed:
		return merrors.ErrUnavailable
	default:
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	switch {
	case b.status == discovery.StatusUnavailable:
		return merrors.ErrUnavailable
	case b.status == discovery.StatusResolved && len(b.endpoints) == 0:
		return merrors.ErrUnavailable
	}

	ready := false
	for _, ep := range b.endpoints {
		if service.Poll(ep.svc) == nil {
			ready = true
		}
	}
	if ready {
		return nil
	}
	return merrors.ErrNotReady
}

// Ready implements service.Service. It fails with ErrUnavailable when no
// endpoint becomes ready within FailFast.
func (b *Balancer[Req, Resp]) Ready(ctx context.Context) error {
	var failFast *clock.Timer
	defer func() {
		if failFast != nil {
			failFast.Stop()
		}
	}()

	for {
		changed := b.signal.C()
		err := b.Poll()
		if err == nil {
			return nil
		}
		if !merrors.Is(err, merrors.ErrNotReady) {
			return merrors.New("balance", b.config.Name, "", err)
		}

		if failFast == nil {
			failFast = b.config.Clock.Timer(b.config.FailFast)
		}

		select {
		case <-changed:
		case <-failFast.C:
			return merrors.New("balance", b.config.Name, "", fmt.Errorf("%w: no ready endpoint within %s", merrors.ErrUnavailable, b.config.FailFast))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Signal implements service.Signaler.
func (b *Balancer[Req, Resp]) Signal() *service.Signal {
	return b.signal
}

// Call implements service.Service. An endpoint that turns out not ready is
// skipped and another one is selected.
func (b *Balancer[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	skip := map[*endpoint[Req, Resp]]struct{}{}

	for {
		ep := b.pick(skip)
		if ep == nil {
			return zero, merrors.ErrNotReady
		}
		if b.config.OnSelect != nil {
			b.config.OnSelect(ep.addr)
		}

		start := b.config.Clock.Now()
		resp, err := ep.svc.Call(ctx, req)
		if merrors.Is(err, merrors.ErrNotReady) {
			skip[ep] = struct{}{}
			continue
		}

		now := b.config.Clock.Now()
		ep.observe(now, now.Sub(start), b.config.Decay)
		if err != nil {
			var pe *merrors.ProxyError
			if !merrors.As(err, &pe) {
				err = merrors.New("call", b.config.Name, ep.addr, err)
			}
		}
		return resp, err
	}
}

// Endpoints returns the addresses currently in the balancer.
func (b *Balancer[Req, Resp]) Endpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	addrs := make([]string, 0, len(b.endpoints))
	for addr := range b.endpoints {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Status returns the status of the underlying resolution.
func (b *Balancer[Req, Resp]) Status() discovery.Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Close closes every endpoint service.
func (b *Balancer[Req, Resp]) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		<-b.done

		b.mu.Lock()
		eps := b.endpoints
		b.endpoints = make(map[string]*endpoint[Req, Resp])
		b.mu.Unlock()

		for _, ep := range eps {
			err = multierr.Append(err, service.Close(ep.svc))
		}
		b.signal.Notify()
	})
	return err
}

func (b *Balancer[Req, Resp]) pick(skip map[*endpoint[Req, Resp]]struct{}) *endpoint[Req, Resp] {
	now := b.config.Clock.Now()

	b.mu.RLock()
	candidates := make([]*endpoint[Req, Resp], 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if _, ok := skip[ep]; ok {
			continue
		}
		if service.Poll(ep.svc) != nil {
			continue
		}
		candidates = append(candidates, ep)
	}
	b.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].addr < candidates[j].addr })

	var best *endpoint[Req, Resp]
	var bestCost float64
	var bestPicked uint64
	for _, ep := range candidates {
		c := ep.cost(now, b.config.Decay)
		ep.mu.Lock()
		picked := ep.lastPicked
		ep.mu.Unlock()

		if best == nil || c < bestCost || (c == bestCost && picked < bestPicked) {
			best, bestCost, bestPicked = ep, c, picked
		}
	}

	if best != nil {
		best.mu.Lock()
		best.lastPicked = b.seq.Add(1)
		best.mu.Unlock()
	}
	return best
}

func (b *Balancer[Req, Resp]) run(updates <-chan discovery.Update, seen uint64) {
	defer close(b.done)

	for {
		select {
		case <-b.closed:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Version <= seen {
				continue
			}
			b.apply(u)
		}
	}
}

func (b *Balancer[Req, Resp]) apply(u discovery.Update) {
	now := b.config.Clock.Now()
	var draining []*endpoint[Req, Resp]

	b.mu.Lock()
	for _, addr := range u.Removed {
		if ep, ok := b.endpoints[addr]; ok {
			delete(b.endpoints, addr)
			draining = append(draining, ep)
		}
	}
	for _, meta := range u.Added {
		if ep, ok := b.endpoints[meta.Addr]; ok {
			ep.mu.Lock()
			rebuild := ep.meta.Identity != meta.Identity || ep.meta.ProtocolHint != meta.ProtocolHint
			if !rebuild {
				ep.meta = meta
			}
			ep.mu.Unlock()
			if !rebuild {
				continue
			}
			// Identity and protocol are fixed when a service is built.
			delete(b.endpoints, meta.Addr)
			draining = append(draining, ep)
		}
		svc, err := b.newEndpoint(meta, b.signal)
		if err != nil {
			b.config.Logger.Warn("failed to build endpoint",
				slog.String("balancer", b.config.Name),
				slog.String("endpoint", meta.Addr),
				slog.String("error", err.Error()))
			continue
		}
		b.endpoints[meta.Addr] = &endpoint[Req, Resp]{
			addr:     meta.Addr,
			meta:     meta,
			svc:      svc,
			estimate: float64(b.config.DefaultEstimate),
			stamp:    now,
		}
	}
	b.status = u.Status
	b.version = u.Version
	b.mu.Unlock()

	for _, ep := range draining {
		b.config.Logger.Debug("draining endpoint",
			slog.String("balancer", b.config.Name),
			slog.String("endpoint", ep.addr))
		if err := service.Close(ep.svc); err != nil {
			b.config.Logger.Warn("failed to close endpoint",
				slog.String("endpoint", ep.addr),
				slog.String("error", err.Error()))
		}
	}

	b.signal.Notify()
}
