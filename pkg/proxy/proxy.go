// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/absmach/meshproxy/pkg/detect"
	"github.com/absmach/meshproxy/pkg/endpoint"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/identity"
	"github.com/absmach/meshproxy/pkg/server/tcp"
	"github.com/absmach/meshproxy/pkg/service"
)

// Direction names the side of the workload a proxy serves.
type Direction string

const (
	// Inbound connections come from the mesh and go to the local workload.
	Inbound Direction = "inbound"
	// Outbound connections come from the local workload and go to the mesh.
	Outbound Direction = "outbound"
)

// Router routes calls by target. *router.Router implements it.
type Router[Req, Resp any] interface {
	Call(ctx context.Context, target service.Target, req Req) (Resp, error)
}

// Config holds proxy configuration.
type Config struct {
	Direction Direction
	Detect    detect.Config
	// Handshaker terminates identity on inbound connections. A nil
	// Handshaker or the Disabled mode forwards TLS as opaque bytes.
	Handshaker *identity.Handshaker
	// ForwardHost is the workload host inbound connections are sent to.
	ForwardHost string
	// Destination returns the original destination of a connection.
	// Defaults to its local address.
	Destination func(net.Conn) (string, error)
	// ResponseTimeout bounds the wait for HTTP response headers.
	ResponseTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Proxy classifies accepted connections and forwards them through the
// routers.
type Proxy struct {
	config  Config
	http    Router[*http.Request, *http.Response]
	opaque  Router[endpoint.ConnRequest, net.Conn]
	handler handler.Handler
	h2      *http2.Server
}

var _ tcp.ConnHandler = (*Proxy)(nil)

// New creates a proxy forwarding HTTP through httpRouter and everything
// else through opaqueRouter.
func New(config Config, httpRouter Router[*http.Request, *http.Response], opaqueRouter Router[endpoint.ConnRequest, net.Conn], h handler.Handler) (*Proxy, error) {
	switch config.Direction {
	case Inbound:
		if config.ForwardHost == "" {
			config.ForwardHost = "127.0.0.1"
		}
	case Outbound:
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", merrors.ErrConfig, config.Direction)
	}
	if httpRouter == nil || opaqueRouter == nil {
		return nil, fmt.Errorf("%w: proxy requires an HTTP and an opaque router", merrors.ErrConfig)
	}
	if config.Destination == nil {
		config.Destination = func(conn net.Conn) (string, error) {
			return conn.LocalAddr().String(), nil
		}
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Proxy{
		config:  config,
		http:    httpRouter,
		opaque:  opaqueRouter,
		handler: h,
		h2:      &http2.Server{},
	}, nil
}

// ServeConn implements tcp.ConnHandler.
func (p *Proxy) ServeConn(ctx context.Context, conn net.Conn, hctx *handler.Context) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dst, err := p.config.Destination(conn)
	if err != nil {
		return merrors.New("accept", "", hctx.RemoteAddr, fmt.Errorf("%w: original destination: %w", merrors.ErrConfig, err))
	}

	res, dc, err := detect.Detect(ctx, conn, p.config.Detect)
	if err != nil {
		return err
	}
	var c net.Conn = dc

	switch {
	case res.TLS && p.terminates():
		tc, peer, err := p.config.Handshaker.Server(ctx, dc)
		if err != nil {
			return err
		}
		state := tc.ConnectionState()
		hctx.TLS = true
		hctx.Identity = peer
		if len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
		if res, c, err = p.detectTLS(ctx, tc); err != nil {
			return err
		}
	case p.config.Direction == Inbound && p.required():
		return merrors.New("accept", "", hctx.RemoteAddr, fmt.Errorf("%w: peer did not present an identity", merrors.ErrHandshakeFailed))
	}

	target, err := p.target(dst, res.Protocol)
	if err != nil {
		return err
	}
	hctx.Protocol = res.Protocol.String()
	hctx.Hint = string(res.Hint)
	hctx.Target = target.Addr
	if err := p.handler.OnConnect(ctx, hctx); err != nil {
		return err
	}

	p.config.Logger.Debug("connection classified",
		slog.String("session", hctx.SessionID),
		slog.String("direction", string(p.config.Direction)),
		slog.String("protocol", hctx.Protocol),
		slog.String("target", target.Addr),
		slog.Bool("tls", hctx.TLS))

	switch res.Protocol {
	case service.HTTP1:
		return p.serveHTTP1(ctx, c, hctx, target)
	case service.HTTP2:
		return p.serveHTTP2(ctx, c, hctx, target)
	default:
		return p.serveOpaque(ctx, c, hctx, target)
	}
}

func (p *Proxy) terminates() bool {
	return p.config.Direction == Inbound && p.config.Handshaker != nil && p.config.Handshaker.Mode != identity.Disabled
}

func (p *Proxy) required() bool {
	return p.config.Handshaker != nil && p.config.Handshaker.Mode == identity.Required
}

// detectTLS classifies the decrypted stream. ALPN h2 needs no peeking.
func (p *Proxy) detectTLS(ctx context.Context, tc *tls.Conn) (detect.Result, net.Conn, error) {
	if tc.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		return detect.Result{Protocol: service.HTTP2, TLS: true}, tc, nil
	}
	res, dc, err := detect.Detect(ctx, tc, p.config.Detect)
	if err != nil {
		return res, nil, err
	}
	res.TLS = true
	return res, dc, nil
}

// target returns the connection-level target. Outbound HTTP requests
// are routed by their own authority instead.
func (p *Proxy) target(dst string, proto service.Protocol) (service.Target, error) {
	if p.config.Direction == Inbound {
		_, port, err := net.SplitHostPort(dst)
		if err != nil {
			return service.Target{}, fmt.Errorf("%w: original destination %q: %w", merrors.ErrConfig, dst, err)
		}
		return service.NewTarget(net.JoinHostPort(p.config.ForwardHost, port), 0, proto)
	}
	return service.NewTarget(dst, 0, proto)
}

// requestTarget returns the target of an HTTP request.
func (p *Proxy) requestTarget(conn service.Target, authority string) (service.Target, error) {
	if p.config.Direction == Inbound || authority == "" {
		return conn, nil
	}
	return service.NewTarget(authority, conn.Port(), conn.Protocol)
}
