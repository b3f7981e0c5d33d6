// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface through which the proxy reports
// connection lifecycle events.
//
// # Data Flow
//
//	Accept → AuthConnect → Detect → Handshake → OnConnect
//	       → OnRequest (per HTTP exchange) → OnDisconnect
//
// # Handler Methods
//
// AuthConnect is the only method that can change the outcome of a
// connection: returning an error closes it before any byte is read. The
// per-source rate limiter is an AuthConnect implementation.
//
// Notification methods (On*) feed observers such as metrics, the tap
// stream and logs. Their errors are logged by the caller.
//
// # Context
//
// The Context struct accumulates connection metadata as the proxy learns
// it: the session id and remote address at accept time, the protocol and
// peer identity after classification, and the target once routed.
//
// # Example
//
//	h := handler.Chain{
//		limiter,
//		metrics.NewHandler(m),
//		handler.NewLog(logger),
//	}
package handler
