// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http2"

	"github.com/absmach/meshproxy/pkg/balancer"
	"github.com/absmach/meshproxy/pkg/discovery"
	"github.com/absmach/meshproxy/pkg/endpoint"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/identity"
	"github.com/absmach/meshproxy/pkg/router"
	"github.com/absmach/meshproxy/pkg/server/tcp"
	"github.com/absmach/meshproxy/pkg/service"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func httpBackend(t *testing.T, h http.Handler) string {
	t.Helper()
	l := listen(t)
	srv := &http.Server{Handler: h}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func h2Backend(t *testing.T) string {
	t.Helper()
	l := listen(t)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Proto))
	})
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				(&http2.Server{}).ServeConn(c, &http2.ServeConnOpts{Handler: h})
			}()
		}
	}()
	return l.Addr().String()
}

func echoBackend(t *testing.T) string {
	t.Helper()
	l := listen(t)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().String()
}

// start serves an outbound proxy resolving targets through src and
// returns its address. Every connection's original destination is dst.
func start(t *testing.T, src discovery.Source, dst string, h handler.Handler) string {
	t.Helper()
	sc := StackConfig{
		Source:   src,
		Balancer: balancer.Config{FailFast: 500 * time.Millisecond, Logger: logger},
		Endpoint: endpoint.Config{Connector: &endpoint.Connector{Timeout: time.Second}, Logger: logger},
	}
	httpRouter := router.New(HTTPStack(sc), router.Config{Logger: logger})
	opaqueRouter := router.New(OpaqueStack(sc), router.Config{Logger: logger})
	t.Cleanup(func() {
		httpRouter.Close()
		opaqueRouter.Close()
	})

	p, err := New(Config{
		Direction:   Outbound,
		Destination: func(net.Conn) (string, error) { return dst, nil },
		Logger:      logger,
	}, httpRouter, opaqueRouter, h)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	srv := tcp.New(tcp.Config{Direction: string(Outbound), ShutdownTimeout: time.Second, Logger: logger}, p, h)
	l := listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, l)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

// redirected returns a client whose connections all go to the proxy.
func redirected(proxyAddr string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, proxyAddr)
			},
		},
	}
}

type requests struct {
	handler.NoopHandler
	ch chan handler.Request
}

func (r *requests) OnRequest(ctx context.Context, hctx *handler.Context, req handler.Request) error {
	r.ch <- req
	return nil
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		desc string
		err  error
		want int
	}{
		{desc: "overloaded", err: merrors.ErrOverloaded, want: http.StatusServiceUnavailable},
		{desc: "unavailable", err: merrors.New("call", "api:80", "", merrors.ErrUnavailable), want: http.StatusServiceUnavailable},
		{desc: "connect timeout", err: merrors.Transient(merrors.ErrTimeout), want: http.StatusGatewayTimeout},
		{desc: "transient", err: merrors.Transient(errors.New("reset")), want: http.StatusBadGateway},
		{desc: "handshake", err: merrors.ErrHandshakeFailed, want: http.StatusBadGateway},
		{desc: "config", err: merrors.ErrConfig, want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := StatusOf(tc.err); got != tc.want {
				t.Errorf("StatusOf() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	r := router.New(HTTPStack(StackConfig{}), router.Config{})
	defer r.Close()
	o := router.New(OpaqueStack(StackConfig{}), router.Config{})
	defer o.Close()

	if _, err := New(Config{Direction: "sideways"}, r, o, nil); !errors.Is(err, merrors.ErrConfig) {
		t.Errorf("Expected ErrConfig for an unknown direction, got %v", err)
	}
	if _, err := New(Config{Direction: Outbound}, nil, o, nil); !errors.Is(err, merrors.ErrConfig) {
		t.Errorf("Expected ErrConfig without an HTTP router, got %v", err)
	}
}

func TestProxy_Target(t *testing.T) {
	r := router.New(HTTPStack(StackConfig{}), router.Config{})
	defer r.Close()
	o := router.New(OpaqueStack(StackConfig{}), router.Config{})
	defer o.Close()

	in, err := New(Config{Direction: Inbound}, r, o, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	target, err := in.target("10.1.2.3:8080", service.HTTP1)
	if err != nil {
		t.Fatalf("target() error = %v", err)
	}
	if target.Addr != "127.0.0.1:8080" {
		t.Errorf("Expected inbound traffic forwarded to the workload, got %s", target.Addr)
	}
	if got, _ := in.requestTarget(target, "web.default.svc"); got != target {
		t.Errorf("Expected inbound requests to keep the connection target, got %v", got)
	}

	out, err := New(Config{Direction: Outbound}, r, o, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := out.requestTarget(service.Target{Addr: "10.1.2.3:8080", Protocol: service.HTTP1}, "web.default.svc")
	if err != nil {
		t.Fatalf("requestTarget() error = %v", err)
	}
	if got.Addr != "web.default.svc:8080" {
		t.Errorf("Expected the authority with the destination port, got %s", got.Addr)
	}
}

func TestProxy_HTTP1(t *testing.T) {
	backend := httpBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Path", r.URL.Path)
		w.Write([]byte("hello " + r.Header.Get("X-Forwarded-For")))
	}))
	h := &requests{ch: make(chan handler.Request, 4)}
	proxyAddr := start(t, discovery.Static{backend: {{Addr: backend, Weight: 1}}}, backend, h)

	resp, err := redirected(proxyAddr).Get("http://" + backend + "/greet")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Path") != "/greet" {
		t.Errorf("Expected the path to be forwarded, got %q", resp.Header.Get("X-Path"))
	}
	if !strings.HasPrefix(string(body), "hello 127.0.0.1") {
		t.Errorf("Expected X-Forwarded-For to be set, got %q", body)
	}

	select {
	case req := <-h.ch:
		if req.Method != http.MethodGet || req.Status != http.StatusOK || req.Path != "/greet" || req.Err != nil {
			t.Errorf("Unexpected request record %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnRequest not called")
	}
}

func TestProxy_Unavailable(t *testing.T) {
	h := &requests{ch: make(chan handler.Request, 4)}
	proxyAddr := start(t, discovery.Static{}, "127.0.0.1:1", h)

	resp, err := redirected(proxyAddr).Get("http://unknown.svc:8080/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get(ErrorHeader) == "" {
		t.Error("Expected the error kind header")
	}

	select {
	case req := <-h.ch:
		if req.Err == nil || req.Status != http.StatusServiceUnavailable {
			t.Errorf("Expected a failed request record, got %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnRequest not called")
	}
}

func TestProxy_HTTP2(t *testing.T) {
	backend := h2Backend(t)
	proxyAddr := start(t, discovery.Static{backend: {{Addr: backend, Weight: 1}}}, backend, nil)

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, _ string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, proxyAddr)
			},
		},
	}

	resp, err := client.Get("http://" + backend + "/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "HTTP/2.0" {
		t.Errorf("Expected HTTP/2 end to end, got %q", body)
	}
}

func TestProxy_Opaque(t *testing.T) {
	backend := echoBackend(t)
	proxyAddr := start(t, discovery.Static{backend: {{Addr: backend, Weight: 1}}}, backend, nil)

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Errorf("Expected the echo, got %q, %v", line, err)
	}
}

func TestProxy_WebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httpBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			kind, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(kind, append([]byte("echo "), msg...)); err != nil {
				return
			}
		}
	}))
	proxyAddr := start(t, discovery.Static{backend: {{Addr: backend, Weight: 1}}}, backend, nil)

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, proxyAddr)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	c, resp, err := dialer.Dial("ws://"+backend+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected 101, got %d", resp.StatusCode)
	}

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := c.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	kind, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if kind != websocket.TextMessage || string(msg) != "echo hi" {
		t.Errorf("Expected a text echo, got %d %q", kind, msg)
	}
}

func TestProxy_RequiredIdentity(t *testing.T) {
	r := router.New(HTTPStack(StackConfig{}), router.Config{})
	defer r.Close()
	o := router.New(OpaqueStack(StackConfig{}), router.Config{})
	defer o.Close()

	p, err := New(Config{
		Direction:  Inbound,
		Handshaker: &identity.Handshaker{Mode: identity.Required},
		Logger:     logger,
	}, r, o, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l := listen(t)
	go func() {
		c, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("GET / HTTP/1.1\r\nHost: web\r\n\r\n"))
		io.Copy(io.Discard, c)
	}()

	conn, err := l.Accept()
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	defer conn.Close()

	hctx := &handler.Context{SessionID: "s1", RemoteAddr: conn.RemoteAddr().String()}
	err = p.ServeConn(context.Background(), conn, hctx)
	if !errors.Is(err, merrors.ErrHandshakeFailed) {
		t.Errorf("Expected a plaintext peer to be rejected, got %v", err)
	}
}
