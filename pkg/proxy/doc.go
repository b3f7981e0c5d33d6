// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy forwards the connections accepted by the inbound and
// outbound listeners of the sidecar.
//
// # Overview
//
// A Proxy is the tcp.ConnHandler of a listener. For every connection it:
//
//  1. Looks up the original destination
//  2. Detects the protocol from the first bytes
//  3. Terminates the identity handshake (inbound, when enabled)
//  4. Routes the traffic through the per-target service stacks
//
// # Routing
//
//	┌────────────┐      ┌────────┐      ┌────────┐      ┌──────────┐      ┌──────────┐
//	│ Connection │ ───→ │ Router │ ───→ │ Buffer │ ───→ │  Retry   │ ───→ │ Balancer │
//	└────────────┘      └────────┘      └────────┘      └──────────┘      └──────────┘
//	                                                                            ↓
//	                                                                 ┌────────────────────┐
//	                                                                 │ Endpoint sessions  │
//	                                                                 └────────────────────┘
//
// HTTP/1 and HTTP/2 requests are served by a reverse proxy whose
// transport is the HTTP router; each request is routed separately.
// Outbound requests are routed by their authority, inbound requests go to
// ForwardHost on the original destination port. WebSocket upgrades and
// opaque streams take a connection from the opaque router and are copied
// in both directions.
//
// # Errors
//
// Routing failures become synthesized responses:
//
//	overloaded, unavailable  → 503
//	timeout                  → 504
//	config                   → 500
//	anything else            → 502
//
// The error kind is set in the l5d-proxy-error header.
//
// # Example
//
//	httpRouter := router.New(proxy.HTTPStack(sc), router.Config{IdleTimeout: time.Minute})
//	opaqueRouter := router.New(proxy.OpaqueStack(sc), router.Config{IdleTimeout: time.Minute})
//
//	p, err := proxy.New(proxy.Config{Direction: proxy.Outbound}, httpRouter, opaqueRouter, h)
//	if err != nil {
//		log.Fatal(err)
//	}
//	server := tcp.New(tcp.Config{Address: ":4140", Direction: "outbound"}, p, h)
//	err = server.Listen(ctx)
package proxy
