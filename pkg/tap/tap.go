// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tap streams live connection and request events to subscribers
// over WebSocket.
package tap

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/identity"
)

// Event types.
const (
	EventConnect    = "connect"
	EventRequest    = "request"
	EventDisconnect = "disconnect"
)

// Event is one observed connection or request event.
type Event struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
	Session   string    `json:"session"`
	Direction string    `json:"direction"`
	Remote    string    `json:"remote"`
	Protocol  string    `json:"protocol,omitempty"`
	Target    string    `json:"target,omitempty"`
	TLS       bool      `json:"tls"`
	Identity  string    `json:"identity,omitempty"`

	Method    string  `json:"method,omitempty"`
	Authority string  `json:"authority,omitempty"`
	Path      string  `json:"path,omitempty"`
	Status    int     `json:"status,omitempty"`
	Duration  float64 `json:"duration_ms,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Filter selects the events delivered to a subscriber. Empty fields
// match everything.
type Filter struct {
	Direction string
	Target    string
}

func (f Filter) match(ev Event) bool {
	return (f.Direction == "" || f.Direction == ev.Direction) &&
		(f.Target == "" || f.Target == ev.Target)
}

// Config holds tap configuration.
type Config struct {
	// Identity restricts subscribers to TLS peers presenting it. Empty
	// allows every subscriber.
	Identity string
	// Buffer is the number of events queued per subscriber. Events for a
	// full subscriber are dropped.
	Buffer int
	// WriteTimeout bounds the delivery of one event.
	WriteTimeout time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type subscriber struct {
	filter  Filter
	events  chan Event
	dropped atomic.Uint64
}

// Tap publishes handler notifications to its subscribers.
type Tap struct {
	handler.NoopHandler

	config   Config
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var (
	_ handler.Handler = (*Tap)(nil)
	_ http.Handler    = (*Tap)(nil)
)

// New creates a tap.
func New(config Config) *Tap {
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Tap{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes
// and reports how many events were dropped.
func (t *Tap) Subscribe(filter Filter) (<-chan Event, func() uint64) {
	s := &subscriber{filter: filter, events: make(chan Event, t.config.Buffer)}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	return s.events, func() uint64 {
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
		return s.dropped.Load()
	}
}

// Subscribers returns the number of subscribers.
func (t *Tap) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Tap) OnConnect(ctx context.Context, hctx *handler.Context) error {
	t.publish(t.event(EventConnect, hctx))
	return nil
}

func (t *Tap) OnRequest(ctx context.Context, hctx *handler.Context, req handler.Request) error {
	ev := t.event(EventRequest, hctx)
	ev.Method = req.Method
	ev.Authority = req.Authority
	ev.Path = req.Path
	ev.Status = req.Status
	ev.Duration = float64(req.Duration) / float64(time.Millisecond)
	if req.Err != nil {
		ev.Error = req.Err.Error()
		ev.Kind = merrors.Kind(req.Err)
	}
	t.publish(ev)
	return nil
}

func (t *Tap) OnDisconnect(ctx context.Context, hctx *handler.Context, err error) error {
	ev := t.event(EventDisconnect, hctx)
	if err != nil {
		ev.Error = err.Error()
		ev.Kind = merrors.Kind(err)
	}
	t.publish(ev)
	return nil
}

func (t *Tap) event(kind string, hctx *handler.Context) Event {
	return Event{
		Type:      kind,
		Time:      t.config.Clock.Now(),
		Session:   hctx.SessionID,
		Direction: hctx.Direction,
		Remote:    hctx.RemoteAddr,
		Protocol:  hctx.Protocol,
		Target:    hctx.Target,
		TLS:       hctx.TLS,
		Identity:  hctx.Identity,
	}
}

func (t *Tap) publish(ev Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for s := range t.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// ServeHTTP upgrades the request and streams matching events as JSON
// messages until the subscriber goes away. The direction and target query
// parameters filter the stream.
func (t *Tap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.authorized(r) {
		t.config.Logger.Warn("tap subscription rejected",
			slog.String("remote", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	filter := Filter{
		Direction: r.URL.Query().Get("direction"),
		Target:    r.URL.Query().Get("target"),
	}
	events, unsubscribe := t.Subscribe(filter)
	defer func() {
		if dropped := unsubscribe(); dropped > 0 {
			t.config.Logger.Debug("tap subscriber dropped events",
				slog.String("remote", r.RemoteAddr),
				slog.Uint64("dropped", dropped))
		}
	}()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.config.Logger.Debug("failed to upgrade tap connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Subscribers send nothing; reading only detects their close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (t *Tap) authorized(r *http.Request) bool {
	if t.config.Identity == "" {
		return true
	}
	return r.TLS != nil && identity.PeerIdentity(*r.TLS) == t.config.Identity
}
