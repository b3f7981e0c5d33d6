// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for meshproxy.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy shared by every layer of the routing stack.
var (
	// ErrTransientIO indicates a connection-level I/O failure that may succeed when retried.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrOverloaded indicates an admission or queue-full rejection.
	ErrOverloaded = errors.New("overloaded")

	// ErrUnavailable indicates there is no ready endpoint for a target.
	ErrUnavailable = errors.New("unavailable")

	// ErrHandshakeFailed indicates a TLS handshake or peer identity failure.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrDiscovery indicates a discovery subscription failure.
	ErrDiscovery = errors.New("discovery error")

	// ErrConfig indicates an invalid configuration.
	ErrConfig = errors.New("invalid configuration")

	// ErrNotReady is returned by a service that was called while not ready.
	ErrNotReady = errors.New("service not ready")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestSent marks a failure that happened after the request was
	// written to the endpoint, which may already have acted on it.
	ErrRequestSent = errors.New("request sent")
)

// ProxyError wraps an error with routing context.
type ProxyError struct {
	Op       string // Operation that failed
	Target   string // Logical destination
	Endpoint string // Concrete endpoint address, if any
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Target, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, target, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:       op,
		Target:   target,
		Endpoint: endpoint,
		Err:      err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Transient marks err as a transient I/O failure while keeping it inspectable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Sent marks err as a failure after the request reached the endpoint.
func Sent(err error) error {
	if err == nil || errors.Is(err, ErrRequestSent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRequestSent, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Kind returns the taxonomy label of err, used for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrDiscovery):
		return "discovery"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	default:
		return "unknown"
	}
}
