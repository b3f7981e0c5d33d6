// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"net/http"

	"go.uber.org/multierr"

	"github.com/absmach/meshproxy/pkg/balancer"
	"github.com/absmach/meshproxy/pkg/buffer"
	"github.com/absmach/meshproxy/pkg/discovery"
	"github.com/absmach/meshproxy/pkg/endpoint"
	"github.com/absmach/meshproxy/pkg/identity"
	"github.com/absmach/meshproxy/pkg/metrics"
	"github.com/absmach/meshproxy/pkg/retry"
	"github.com/absmach/meshproxy/pkg/service"
)

// StackConfig configures the per-target service stacks.
type StackConfig struct {
	// Source resolves targets into endpoints.
	Source    discovery.Source
	Discovery discovery.Config
	Balancer  balancer.Config
	Endpoint  endpoint.Config
	Buffer    buffer.Config
	Retry     retry.Config
	// Budget configures the retry budget. Each target gets its own.
	Budget       retry.BudgetConfig
	MaxBodyBytes int64
	// Identity picks the handshake mode towards a target. When nil the
	// connector's mode applies to every target.
	Identity func(service.Target) identity.Mode
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// HTTPStack returns the stack of HTTP targets:
// buffer → retry → balancer → endpoint (reconnect → limit → session).
func HTTPStack(config StackConfig) service.Stack[*http.Request, *http.Response] {
	return service.NewStack(func(t service.Target) (service.Service[*http.Request, *http.Response], error) {
		return build(config, t, endpoint.HTTP(t, config.endpoint(t)), retry.HTTPPolicy{MaxBodyBytes: config.MaxBodyBytes})
	})
}

// OpaqueStack returns the stack of opaque targets. Calls yield a fresh
// connection to the selected endpoint.
func OpaqueStack(config StackConfig) service.Stack[endpoint.ConnRequest, net.Conn] {
	return service.NewStack(func(t service.Target) (service.Service[endpoint.ConnRequest, net.Conn], error) {
		return build(config, t, endpoint.Opaque(config.endpoint(t)), retry.ConnectPolicy[endpoint.ConnRequest, net.Conn]{})
	})
}

func (c StackConfig) endpoint(t service.Target) endpoint.Config {
	ec := c.Endpoint
	if c.Metrics != nil {
		ec.OnStateChange = c.Metrics.ObserveState
		ec.OnInFlight = c.Metrics.ObserveInFlight
	}
	if c.Identity != nil && ec.Connector != nil && ec.Connector.Handshaker != nil {
		conn := *ec.Connector
		hs := *conn.Handshaker
		hs.Mode = c.Identity(t)
		conn.Handshaker = &hs
		ec.Connector = &conn
	}
	return ec
}

func build[Req, Resp any](c StackConfig, t service.Target, newEndpoint balancer.NewEndpoint[Req, Resp], policy retry.Policy[Req, Resp]) (service.Service[Req, Resp], error) {
	dc, bc, bufc, rc := c.Discovery, c.Balancer, c.Buffer, c.Retry
	bc.Name = t.String()
	bc.Signal = nil
	if c.Metrics != nil {
		dc.OnUpdate = c.Metrics.ObserveUpdate(t)
		bc.OnSelect = c.Metrics.ObserveSelect(t)
		bufc.OnDepth = c.Metrics.ObserveDepth(t)
		rc.OnRetry = c.Metrics.ObserveRetry(t)
	}

	res := discovery.Resolve(c.Source, t, dc)
	b, err := balancer.New(res, newEndpoint, bc)
	if err != nil {
		res.Close()
		return nil, err
	}
	rt := &route[Req, Resp]{Balancer: b, res: res}

	r, err := retry.New[Req, Resp](rt, policy, retry.NewBudget(c.Budget), rc)
	if err != nil {
		rt.Close()
		return nil, err
	}
	buf, err := buffer.New[Req, Resp](r, bufc)
	if err != nil {
		r.Close()
		return nil, err
	}
	return buf, nil
}

// route is a balancer owning its resolution.
type route[Req, Resp any] struct {
	*balancer.Balancer[Req, Resp]
	res *discovery.Resolution
}

// Close ends the subscription and then the endpoint connections.
func (r *route[Req, Resp]) Close() error {
	return multierr.Append(r.res.Close(), r.Balancer.Close())
}
