// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"

	"github.com/absmach/meshproxy/pkg/service"
)

// Static serves fixed endpoint lists keyed by target address.
type Static map[string][]Endpoint

var _ Source = Static(nil)

// Subscribe implements Source. Unknown targets are invalid.
func (s Static) Subscribe(ctx context.Context, target service.Target) (Stream, error) {
	eps, ok := s[target.Addr]
	if !ok {
		return nil, ErrInvalidTarget
	}
	return newFixedStream(ctx, eps), nil
}

// Passthrough resolves every target to a single endpoint at the target
// address itself.
type Passthrough struct {
	// Identity is attached to the endpoint, if set.
	Identity string
}

// Subscribe implements Source.
func (p Passthrough) Subscribe(ctx context.Context, target service.Target) (Stream, error) {
	identity := target.Identity
	if identity == "" {
		identity = p.Identity
	}
	return newFixedStream(ctx, []Endpoint{{Addr: target.Addr, Weight: 1, Identity: identity}}), nil
}

// Route sends matching targets to a source.
type Route struct {
	Match  func(service.Target) bool
	Source Source
}

// Selector subscribes through the first route matching the target.
type Selector []Route

// Subscribe implements Source.
func (s Selector) Subscribe(ctx context.Context, target service.Target) (Stream, error) {
	for _, r := range s {
		if r.Match == nil || r.Match(target) {
			return r.Source.Subscribe(ctx, target)
		}
	}
	return nil, ErrInvalidTarget
}

// fixedStream emits one event and then blocks until its context ends.
type fixedStream struct {
	ctx  context.Context
	sent bool
	eps  []Endpoint
}

func newFixedStream(ctx context.Context, eps []Endpoint) *fixedStream {
	return &fixedStream{ctx: ctx, eps: eps}
}

func (s *fixedStream) Recv() (Event, error) {
	if !s.sent {
		s.sent = true
		if len(s.eps) == 0 {
			return Event{Kind: NoEndpoints}, nil
		}
		return Event{Kind: Add, Endpoints: s.eps}, nil
	}
	<-s.ctx.Done()
	return Event{}, s.ctx.Err()
}
