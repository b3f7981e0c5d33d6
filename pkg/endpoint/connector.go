// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/identity"
)

// Connector establishes connections to endpoints.
type Connector struct {
	// Timeout bounds the TCP connect, excluding the handshake.
	Timeout time.Duration
	// Handshaker secures connections to endpoints that carry an identity.
	// A nil Handshaker or the Disabled mode connects in plaintext. The
	// Required mode refuses endpoints without a known identity.
	Handshaker *identity.Handshaker
	// Dial defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Connect dials ep. Endpoints with an identity are secured when a
// handshaker is configured; under the Opportunistic mode a failed
// handshake falls back to plaintext.
func (c *Connector) Connect(ctx context.Context, ep discovery.Endpoint) (net.Conn, error) {
	h := c.Handshaker
	if h != nil && h.Mode == identity.Required && ep.Identity == "" {
		return nil, merrors.New("connect", "", ep.Addr, fmt.Errorf("%w: no identity known for endpoint", merrors.ErrHandshakeFailed))
	}

	conn, err := c.dial(ctx, ep.Addr)
	if err != nil {
		return nil, err
	}

	if h == nil || h.Mode == identity.Disabled || ep.Identity == "" {
		return conn, nil
	}

	tc, err := h.Client(ctx, conn, ep.Identity)
	if err == nil {
		return tc, nil
	}
	conn.Close()

	if h.Mode == identity.Required {
		return nil, err
	}
	c.logger().Debug("falling back to plaintext",
		slog.String("endpoint", ep.Addr),
		slog.String("identity", ep.Identity),
		slog.String("error", err.Error()))
	return c.dial(ctx, ep.Addr)
}

func (c *Connector) dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := c.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	conn, err := dial(dctx, "tcp", addr)
	if err == nil {
		return conn, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(dctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", merrors.ErrTimeout, err)
	}
	return nil, merrors.New("connect", "", addr, merrors.Transient(err))
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
