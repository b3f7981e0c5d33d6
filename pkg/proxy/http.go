// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/service"
)

// ErrorHeader carries the error kind of responses synthesized by the proxy.
const ErrorHeader = "l5d-proxy-error"

var errServed = errors.New("connection served")

// StatusOf maps a routing error to the HTTP status returned to clients.
func StatusOf(err error) int {
	switch {
	case merrors.Is(err, merrors.ErrOverloaded),
		merrors.Is(err, merrors.ErrUnavailable),
		merrors.Is(err, merrors.ErrNotReady),
		merrors.Is(err, merrors.ErrDiscovery):
		return http.StatusServiceUnavailable
	case merrors.Is(err, merrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case merrors.Is(err, merrors.ErrConfig):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func (p *Proxy) serveHTTP1(ctx context.Context, conn net.Conn, hctx *handler.Context, target service.Target) error {
	var wg sync.WaitGroup
	l := newConnListener(conn)
	srv := &http.Server{
		Handler: tracked(&wg, p.httpHandler(hctx, target)),
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				l.Close()
			}
		},
		BaseContext: func(net.Listener) context.Context { return ctx },
		ErrorLog:    slog.NewLogLogger(p.config.Logger.Handler(), slog.LevelDebug),
	}

	err := srv.Serve(l)
	wg.Wait()
	if errors.Is(err, errServed) {
		return nil
	}
	return err
}

func (p *Proxy) serveHTTP2(ctx context.Context, conn net.Conn, hctx *handler.Context, target service.Target) error {
	var wg sync.WaitGroup
	p.h2.ServeConn(conn, &http2.ServeConnOpts{
		Context: ctx,
		Handler: tracked(&wg, p.httpHandler(hctx, target)),
	})
	wg.Wait()
	return nil
}

type exchangeKey struct{}

// exchange collects the outcome of one proxied request.
type exchange struct {
	err error
}

func (p *Proxy) httpHandler(hctx *handler.Context, target service.Target) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = pr.In.Host
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport:     &transport{proxy: p, target: target},
		FlushInterval: -1,
		ErrorHandler:  p.errorHandler,
		ErrorLog:      slog.NewLogLogger(p.config.Logger.Handler(), slog.LevelDebug),
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ex := &exchange{}
		r = r.WithContext(context.WithValue(r.Context(), exchangeKey{}, ex))

		var status int
		if websocket.IsWebSocketUpgrade(r) {
			status, ex.err = p.serveWebSocket(w, r, target)
		} else {
			rec := &recorder{ResponseWriter: w}
			rp.ServeHTTP(rec, r)
			status = rec.status
		}

		req := handler.Request{
			Method:    r.Method,
			Authority: r.Host,
			Path:      r.URL.Path,
			Status:    status,
			Duration:  time.Since(start),
			Err:       ex.err,
		}
		if err := p.handler.OnRequest(r.Context(), hctx, req); err != nil {
			p.config.Logger.Error("request handler error",
				slog.String("session", hctx.SessionID),
				slog.String("error", err.Error()))
		}
	})
}

func (p *Proxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if ex, ok := r.Context().Value(exchangeKey{}).(*exchange); ok {
		ex.err = err
	}
	status := StatusOf(err)
	p.config.Logger.Debug("request failed",
		slog.String("authority", r.Host),
		slog.Int("status", status),
		slog.String("error", err.Error()))
	w.Header().Set(ErrorHeader, merrors.Kind(err))
	w.WriteHeader(status)
}

// transport routes requests through the HTTP router.
type transport struct {
	proxy  *Proxy
	target service.Target
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := t.proxy.requestTarget(t.target, req.Host)
	if err != nil {
		return nil, merrors.New("route", req.Host, "", err)
	}

	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(t.proxy.config.ResponseTimeout, cancel)
	resp, err := t.proxy.http.Call(ctx, target, req.WithContext(ctx))
	expired := !timer.Stop()
	if err != nil {
		cancel()
		if expired {
			err = fmt.Errorf("%w: no response within %s: %w", merrors.ErrTimeout, t.proxy.config.ResponseTimeout, err)
		}
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func tracked(wg *sync.WaitGroup, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wg.Add(1)
		defer wg.Done()
		h.ServeHTTP(w, r)
	})
}

// connListener hands out one connection and then blocks until closed.
type connListener struct {
	conns  chan net.Conn
	addr   net.Addr
	closed chan struct{}
	once   sync.Once
}

func newConnListener(conn net.Conn) *connListener {
	l := &connListener{
		conns:  make(chan net.Conn, 1),
		addr:   conn.LocalAddr(),
		closed: make(chan struct{}),
	}
	l.conns <- conn
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, errServed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}
