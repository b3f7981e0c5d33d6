// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint builds the per-endpoint services a balancer owns.
//
// An HTTP endpoint is a concurrency limit over a reconnecting session:
// HTTP/1 sessions pool connections, HTTP/2 sessions multiplex streams on
// one connection. An opaque endpoint dials a fresh connection per call
// behind the same reconnect state machine, so an unreachable endpoint backs
// off and stops being selected until a connect succeeds again.
package endpoint

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/benbjohnson/clock"

	"github.com/absmach/meshproxy/pkg/backoff"
	"github.com/absmach/meshproxy/pkg/balancer"
	"github.com/absmach/meshproxy/pkg/discovery"
	"github.com/absmach/meshproxy/pkg/limit"
	"github.com/absmach/meshproxy/pkg/pool"
	"github.com/absmach/meshproxy/pkg/reconnect"
	"github.com/absmach/meshproxy/pkg/service"
)

// ConnRequest asks an opaque endpoint for a connection.
type ConnRequest struct {
	// Client is the address of the downstream peer.
	Client string
}

// Config configures endpoint services.
type Config struct {
	Connector *Connector
	// Backoff paces reconnection of endpoint sessions.
	Backoff backoff.Config
	// MaxConcurrency bounds in-flight calls per endpoint.
	MaxConcurrency int
	// Pool configures HTTP/1 connection pools.
	Pool pool.Config
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnStateChange observes session state transitions.
	OnStateChange func(addr string, from, to reconnect.State)
	// OnInFlight observes in-flight changes.
	OnInFlight func(addr string, inflight int)
}

func (c Config) reconnect(addr string, sig *service.Signal) reconnect.Config {
	rc := reconnect.Config{
		Backoff: c.Backoff,
		Clock:   c.Clock,
		Signal:  sig,
		Name:    addr,
		Logger:  c.Logger,
	}
	if c.OnStateChange != nil {
		rc.OnStateChange = func(from, to reconnect.State) {
			c.OnStateChange(addr, from, to)
		}
	}
	return rc
}

func (c Config) limit(addr string, sig *service.Signal) limit.Config {
	lc := limit.Config{Max: c.MaxConcurrency, Signal: sig}
	if lc.Max <= 0 {
		lc.Max = 100
	}
	if c.OnInFlight != nil {
		lc.OnChange = func(n int) { c.OnInFlight(addr, n) }
	}
	return lc
}

// HTTP returns the endpoint constructor for HTTP targets. HTTP/2 targets
// and endpoints hinted to speak HTTP/2 use HTTP/2 sessions.
func HTTP(target service.Target, config Config) balancer.NewEndpoint[*http.Request, *http.Response] {
	return func(ep discovery.Endpoint, sig *service.Signal) (service.Service[*http.Request, *http.Response], error) {
		h2 := target.Protocol == service.HTTP2 || ep.ProtocolHint == discovery.HintH2

		connect := func(ctx context.Context) (service.Service[*http.Request, *http.Response], error) {
			if h2 {
				conn, err := config.Connector.Connect(ctx, ep)
				if err != nil {
					return nil, err
				}
				h, err := NewHTTP2(conn)
				if err != nil {
					return nil, err
				}
				return h, nil
			}
			dial := func(ctx context.Context) (net.Conn, error) {
				return config.Connector.Connect(ctx, ep)
			}
			pc := config.Pool
			if pc.Clock == nil {
				pc.Clock = config.Clock
			}
			h, err := NewHTTP1(ctx, dial, pc)
			if err != nil {
				return nil, err
			}
			return h, nil
		}

		rc, err := reconnect.New(connect, config.reconnect(ep.Addr, sig))
		if err != nil {
			return nil, err
		}

		l, err := limit.New[*http.Request, *http.Response](rc, config.limit(ep.Addr, sig))
		if err != nil {
			rc.Close()
			return nil, err
		}
		return l, nil
	}
}

// Opaque returns the endpoint constructor for opaque targets. A session is
// established by a trial connect that is closed right away; once connected every call dials its own
// connection and a transient dial failure fails the session.
func Opaque(config Config) balancer.NewEndpoint[ConnRequest, net.Conn] {
	return func(ep discovery.Endpoint, sig *service.Signal) (service.Service[ConnRequest, net.Conn], error) {
		dial := service.Func[ConnRequest, net.Conn](func(ctx context.Context, _ ConnRequest) (net.Conn, error) {
			return config.Connector.Connect(ctx, ep)
		})
		connect := func(ctx context.Context) (service.Service[ConnRequest, net.Conn], error) {
			conn, err := config.Connector.Connect(ctx, ep)
			if err != nil {
				return nil, err
			}
			conn.Close()
			return dial, nil
		}

		rc, err := reconnect.New(connect, config.reconnect(ep.Addr, sig))
		if err != nil {
			return nil, err
		}

		l, err := limit.New[ConnRequest, net.Conn](rc, config.limit(ep.Addr, sig))
		if err != nil {
			rc.Close()
			return nil, err
		}
		return l, nil
	}
}
