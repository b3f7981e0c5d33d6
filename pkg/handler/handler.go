// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"

	"go.uber.org/multierr"
)

// Context contains connection metadata gathered while a connection is
// accepted, classified and routed. It is passed to every Handler method.
type Context struct {
	// SessionID is a unique identifier for this connection.
	SessionID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Direction is the listener the connection arrived on (inbound, outbound).
	Direction string

	// Protocol is the detected protocol (http1, http2, opaque).
	Protocol string

	// Hint is an application protocol recognized inside an opaque stream.
	Hint string

	// Target is the destination the connection is routed to.
	Target string

	// TLS reports whether the proxy terminated TLS on the connection.
	TLS bool

	// Identity is the verified identity of the peer, empty when anonymous.
	Identity string

	// Cert is the peer's leaf certificate, if it presented one.
	Cert *x509.Certificate
}

// Request describes one proxied HTTP exchange.
type Request struct {
	Method    string
	Authority string
	Path      string
	// Status is the response status, including statuses synthesized for
	// proxy failures.
	Status   int
	Duration time.Duration
	// Err is the proxy error behind a synthesized status.
	Err error
}

// Handler observes the lifecycle of proxied connections.
//
// AuthConnect is called before a connection is read from and may reject
// it. The notification methods (On*) are called afterwards; their errors
// are logged but do not affect the connection.
type Handler interface {
	// AuthConnect admits an accepted connection.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once the connection is classified and, when
	// applicable, its TLS handshake completed.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnRequest is called after every HTTP exchange on the connection.
	OnRequest(ctx context.Context, hctx *Context, req Request) error

	// OnDisconnect is called when the connection ends. err is the reason
	// the connection failed, nil on a clean close.
	OnDisconnect(ctx context.Context, hctx *Context, err error) error
}

// NoopHandler is a Handler implementation that allows all connections.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRequest(ctx context.Context, hctx *Context, req Request) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, err error) error {
	return nil
}

// Chain runs handlers in order. AuthConnect stops at the first rejection;
// notifications reach every handler and their errors are combined.
type Chain []Handler

var _ Handler = Chain(nil)

func (c Chain) AuthConnect(ctx context.Context, hctx *Context) error {
	for _, h := range c {
		if err := h.AuthConnect(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	var err error
	for _, h := range c {
		err = multierr.Append(err, h.OnConnect(ctx, hctx))
	}
	return err
}

func (c Chain) OnRequest(ctx context.Context, hctx *Context, req Request) error {
	var err error
	for _, h := range c {
		err = multierr.Append(err, h.OnRequest(ctx, hctx, req))
	}
	return err
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context, cerr error) error {
	var err error
	for _, h := range c {
		err = multierr.Append(err, h.OnDisconnect(ctx, hctx, cerr))
	}
	return err
}

// LogHandler logs every connection event.
type LogHandler struct {
	logger *slog.Logger
}

var _ Handler = (*LogHandler)(nil)

// NewLog creates a logging handler.
func NewLog(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	h.logger.Debug("connection accepted",
		slog.String("session", hctx.SessionID),
		slog.String("direction", hctx.Direction),
		slog.String("remote", hctx.RemoteAddr))
	return nil
}

func (h *LogHandler) OnConnect(ctx context.Context, hctx *Context) error {
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("direction", hctx.Direction),
		slog.String("protocol", hctx.Protocol),
		slog.Bool("tls", hctx.TLS),
	}
	if hctx.Identity != "" {
		attrs = append(attrs, slog.String("identity", hctx.Identity))
	}
	if hctx.Hint != "" {
		attrs = append(attrs, slog.String("hint", hctx.Hint))
	}
	h.logger.Debug("connection classified", attrs...)
	return nil
}

func (h *LogHandler) OnRequest(ctx context.Context, hctx *Context, req Request) error {
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("method", req.Method),
		slog.String("authority", req.Authority),
		slog.String("path", req.Path),
		slog.Int("status", req.Status),
		slog.Duration("duration", req.Duration),
	}
	if req.Err != nil {
		attrs = append(attrs, slog.String("error", req.Err.Error()))
		h.logger.Warn("request failed", attrs...)
		return nil
	}
	h.logger.Debug("request", attrs...)
	return nil
}

func (h *LogHandler) OnDisconnect(ctx context.Context, hctx *Context, err error) error {
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("direction", hctx.Direction),
		slog.String("target", hctx.Target),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Debug("connection closed", attrs...)
	return nil
}
