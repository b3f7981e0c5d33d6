// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/meshproxy/pkg/backoff"
	"github.com/absmach/meshproxy/pkg/handler"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ConnHandler serves one accepted connection. It must return once ctx is
// canceled.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn, hctx *handler.Context) error
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn, hctx *handler.Context) error

// ServeConn implements ConnHandler.
func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn, hctx *handler.Context) error {
	return f(ctx, conn, hctx)
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Direction labels the connections accepted by this server.
	Direction string

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// AcceptBackoff paces retries after failed accepts.
	AcceptBackoff backoff.Config

	// Logger for server events
	Logger *slog.Logger
}

// Server is a TCP accept loop handing every connection to a ConnHandler.
type Server struct {
	config  Config
	conns   ConnHandler
	handler handler.Handler
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New creates a new TCP server with the given configuration, connection
// handler and lifecycle handler.
func New(cfg Config, ch ConnHandler, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.AcceptBackoff.Base == 0 {
		cfg.AcceptBackoff = backoff.Config{Base: 5 * time.Millisecond, Max: time.Second}
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Server{
		config:  cfg,
		conns:   ch,
		handler: h,
		ready:   make(chan struct{}),
	}
}

// Addr returns the listen address, blocking until the server listens.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.markReady(nil)
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.markReady(listener)
	s.config.Logger.Info("TCP server started",
		slog.String("direction", s.config.Direction),
		slog.String("address", listener.Addr().String()))

	// Active connections outlive ctx until the shutdown timeout.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.accept(ctx, connCtx, listener)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("direction", s.config.Direction))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully",
			slog.String("direction", s.config.Direction))
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure",
			slog.String("direction", s.config.Direction))
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) markReady(listener net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
		return
	default:
	}
	s.listener = listener
	close(s.ready)
}

func (s *Server) accept(ctx, connCtx context.Context, listener net.Listener) {
	bo := backoff.New(s.config.AcceptBackoff)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay := bo.Next()
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(connCtx, conn)
		}()
	}
}

// handleConn admits conn, serves it and reports its end.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		Direction:  s.config.Direction,
	}

	err := s.handler.AuthConnect(ctx, hctx)
	if err == nil {
		err = s.conns.ServeConn(ctx, conn, hctx)
	} else {
		s.config.Logger.Debug("connection rejected",
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr),
			slog.String("error", err.Error()))
	}
	if clean(err) {
		err = nil
	}

	if herr := s.handler.OnDisconnect(context.Background(), hctx, err); herr != nil {
		s.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", herr.Error()))
	}

	if err != nil {
		s.config.Logger.Debug("connection handler error",
			slog.String("session", hctx.SessionID),
			slog.String("remote", hctx.RemoteAddr),
			slog.String("error", err.Error()))
	}
}

// clean reports whether err is an ordinary end of a connection.
func clean(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
