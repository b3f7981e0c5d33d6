// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/meshproxy/pkg/handler"
)

// echo copies everything back until the peer or the server closes.
var echo = ConnHandlerFunc(func(ctx context.Context, conn net.Conn, hctx *handler.Context) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	_, err := io.Copy(conn, conn)
	return err
})

type mockHandler struct {
	handler.NoopHandler
	authErr error

	mu           sync.Mutex
	sessions     []string
	disconnected chan error
}

func newMockHandler(authErr error) *mockHandler {
	return &mockHandler{authErr: authErr, disconnected: make(chan error, 16)}
}

func (m *mockHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	m.sessions = append(m.sessions, hctx.SessionID)
	m.mu.Unlock()
	return m.authErr
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, err error) error {
	m.disconnected <- err
	return nil
}

func testConfig() Config {
	return Config{
		Address:         "localhost:0",
		Direction:       "inbound",
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

func start(t *testing.T, server *Server) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()
	if server.Addr() == nil {
		cancel()
		t.Fatalf("Server failed to listen: %v", <-serverErr)
	}
	return cancel, serverErr
}

func TestTCPServer_ListenAndAccept(t *testing.T) {
	mockH := newMockHandler(nil)
	server := New(testConfig(), echo, mockH)
	cancel, serverErr := start(t, server)
	defer cancel()

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Fatalf("Expected echo, got %q, %v", line, err)
	}
	conn.Close()

	select {
	case err := <-mockH.disconnected:
		if err != nil {
			t.Errorf("Expected a clean disconnect, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect not called")
	}

	mockH.mu.Lock()
	if len(mockH.sessions) != 1 || mockH.sessions[0] == "" {
		t.Errorf("Expected one session with an ID, got %v", mockH.sessions)
	}
	mockH.mu.Unlock()

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Server shutdown with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Server shutdown timeout")
	}
}

func TestTCPServer_Rejected(t *testing.T) {
	rejected := errors.New("rate limited")
	mockH := newMockHandler(rejected)
	served := make(chan struct{}, 1)
	ch := ConnHandlerFunc(func(ctx context.Context, conn net.Conn, hctx *handler.Context) error {
		served <- struct{}{}
		return nil
	})

	server := New(testConfig(), ch, mockH)
	cancel, _ := start(t, server)
	defer cancel()

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected the connection to be closed, got %v", err)
	}

	select {
	case err := <-mockH.disconnected:
		if !errors.Is(err, rejected) {
			t.Errorf("Expected the rejection to be reported, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect not called")
	}

	select {
	case <-served:
		t.Error("Rejected connection must not be served")
	default:
	}
}

func TestTCPServer_ShutdownTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond

	accepted := make(chan struct{})
	// Only the forced cancellation ends this handler.
	ch := ConnHandlerFunc(func(ctx context.Context, conn net.Conn, hctx *handler.Context) error {
		close(accepted)
		<-ctx.Done()
		return ctx.Err()
	})

	server := New(cfg, ch, nil)
	cancel, serverErr := start(t, server)

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	defer conn.Close()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("Connection not accepted")
	}

	cancel()
	select {
	case err := <-serverErr:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Test timeout waiting for server shutdown")
	}
}

func TestTCPServer_InvalidAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Address = "invalid:address:99999"

	server := New(cfg, echo, nil)

	err := server.Listen(context.Background())
	if err == nil {
		t.Error("Expected error for invalid address")
	}
	if server.Addr() != nil {
		t.Error("Expected no address after a failed listen")
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	server := New(Config{Address: "localhost:0"}, echo, nil)

	if server == nil {
		t.Fatal("Expected non-nil server")
	}
	if server.config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
	if server.config.ShutdownTimeout == 0 {
		t.Error("Expected default shutdown timeout to be set")
	}
	if server.config.AcceptBackoff.Base == 0 {
		t.Error("Expected default accept backoff to be set")
	}
	if server.handler == nil {
		t.Error("Expected default handler to be set")
	}
}

func TestTCPServer_ContextCancellation(t *testing.T) {
	server := New(testConfig(), echo, nil)

	ctx, cancel := context.WithCancel(context.Background())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	// Immediately cancel
	cancel()

	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Error("Server did not shutdown in time after context cancellation")
	}
}
