// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package discovery resolves logical targets into live endpoint sets.
//
// A Source streams endpoint events for a target. Resolve turns that stream
// into versioned diffs and owns resubscription: a failed subscription keeps
// the last known endpoints, marks them stale and retries with backoff.
package discovery

import (
	"context"
	"fmt"
	"sort"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// ErrInvalidTarget is returned by a source that can never resolve a target.
var ErrInvalidTarget = fmt.Errorf("%w: invalid target", merrors.ErrDiscovery)

// Hint is an endpoint protocol hint.
type Hint int

const (
	HintNone Hint = iota
	// HintH2 marks endpoints that accept HTTP/2 regardless of the
	// application protocol.
	HintH2
)

// Endpoint is a concrete network address serving a target.
type Endpoint struct {
	Addr         string
	Weight       uint32
	Zone         string
	Labels       map[string]string
	Identity     string
	ProtocolHint Hint
}

// Equal reports whether e and o carry the same address and metadata.
func (e Endpoint) Equal(o Endpoint) bool {
	if e.Addr != o.Addr || e.Weight != o.Weight || e.Zone != o.Zone ||
		e.Identity != o.Identity || e.ProtocolHint != o.ProtocolHint ||
		len(e.Labels) != len(o.Labels) {
		return false
	}
	for k, v := range e.Labels {
		if ov, ok := o.Labels[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// EventKind is the kind of a source event.
type EventKind int

const (
	// Add adds or updates endpoints.
	Add EventKind = iota
	// Remove removes endpoints by address.
	Remove
	// NoEndpoints reports that the target currently has no endpoints.
	NoEndpoints
)

func (k EventKind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case NoEndpoints:
		return "no_endpoints"
	default:
		return "unknown"
	}
}

// Event is a single change streamed by a source.
type Event struct {
	Kind      EventKind
	Endpoints []Endpoint
}

// Stream delivers events for one subscription. Recv blocks until the next
// event, the end of the stream or the cancellation of the subscription
// context.
type Stream interface {
	Recv() (Event, error)
}

// Source subscribes to endpoint events for a target.
type Source interface {
	Subscribe(ctx context.Context, target service.Target) (Stream, error)
}

// Status is the freshness of a resolved endpoint set.
type Status int

const (
	StatusPending Status = iota
	StatusResolved
	StatusStale
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusStale:
		return "stale"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Update is a versioned diff of the endpoint set.
type Update struct {
	Version uint64
	Added   []Endpoint
	Removed []string
	Status  Status
}

// EndpointSet is a point-in-time view of a resolution.
type EndpointSet struct {
	Version   uint64
	Status    Status
	Endpoints []Endpoint
}

func sortedEndpoints(m map[string]Endpoint) []Endpoint {
	eps := make([]Endpoint, 0, len(m))
	for _, ep := range m {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr < eps[j].Addr })
	return eps
}
