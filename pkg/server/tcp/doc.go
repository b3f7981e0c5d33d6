// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP accept loop shared by the inbound and
// outbound listeners of the proxy.
//
// # Overview
//
// The server accepts connections and hands each one to a ConnHandler, which
// classifies and proxies it. Admission and lifecycle notifications go
// through a handler.Handler.
//
//	┌─────────┐         ┌─────────┐         ┌─────────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ──────→ │ ConnHandler │
//	└─────────┘         └─────────┘         └─────────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │ Handler │
//	                    └─────────┘
//
// # Connection Flow
//
//  1. Server accepts the connection and assigns a session ID
//  2. Server calls handler.AuthConnect(); a rejection closes the connection
//  3. Server calls ConnHandler.ServeConn() until it returns
//  4. Server calls handler.OnDisconnect() with the error that ended the
//     connection, or nil for an ordinary close
//
// Failed accepts are retried with exponential backoff so a full file
// descriptor table does not spin the loop.
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, cancels the context of remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	cfg := tcp.Config{
//		Address:         ":4143",
//		Direction:       "inbound",
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	server := tcp.New(cfg, inbound, handler.Chain{limiter, metrics.NewHandler(m)})
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
