// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"net"
	"strconv"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// Protocol is a wire protocol classification.
type Protocol int

const (
	Opaque Protocol = iota
	HTTP1
	HTTP2
)

func (p Protocol) String() string {
	switch p {
	case HTTP1:
		return "http1"
	case HTTP2:
		return "http2"
	case Opaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// IsHTTP reports whether p is an HTTP version.
func (p Protocol) IsHTTP() bool {
	return p == HTTP1 || p == HTTP2
}

// Target is a logical destination. It is comparable and used as the
// routing key.
type Target struct {
	// Addr is the destination authority (host:port).
	Addr string
	// Protocol is the protocol hint for the destination.
	Protocol Protocol
	// Identity is the expected service identity name, if any.
	Identity string
}

// NewTarget creates a target from an authority, adding defaultPort when
// the authority has none.
func NewTarget(authority string, defaultPort int, proto Protocol) (Target, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host, port = authority, strconv.Itoa(defaultPort)
	}
	t := Target{Addr: net.JoinHostPort(host, port), Protocol: proto}
	return t, t.Validate()
}

// Host returns the host part of the target address.
func (t Target) Host() string {
	host, _, err := net.SplitHostPort(t.Addr)
	if err != nil {
		return t.Addr
	}
	return host
}

// Port returns the port part of the target address.
func (t Target) Port() int {
	_, port, err := net.SplitHostPort(t.Addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// Validate checks that the target address is a usable authority.
func (t Target) Validate() error {
	host, port, err := net.SplitHostPort(t.Addr)
	if err != nil {
		return fmt.Errorf("%w: target %q: %w", merrors.ErrConfig, t.Addr, err)
	}
	if host == "" {
		return fmt.Errorf("%w: target %q has no host", merrors.ErrConfig, t.Addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: target %q has invalid port", merrors.ErrConfig, t.Addr)
	}
	return nil
}

func (t Target) String() string {
	if t.Identity != "" {
		return fmt.Sprintf("%s/%s (%s)", t.Protocol, t.Addr, t.Identity)
	}
	return fmt.Sprintf("%s/%s", t.Protocol, t.Addr)
}
