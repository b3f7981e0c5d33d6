// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registration struct {
	check CheckFunc
	// critical checks make the proxy unhealthy when they fail; the others
	// only degrade it.
	critical bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registration
	cache  map[string]*Check
	ttl    time.Duration
	clock  clock.Clock
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration, clk clock.Clock) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{
		checks: make(map[string]registration),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
		clock:  clk,
	}
}

// Register adds a critical health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, true)
}

// RegisterOptional adds a health check whose failure only degrades the
// overall status.
func (c *Checker) RegisterOptional(name string, check CheckFunc) {
	c.register(name, check, false)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registration{check: check, critical: critical}
	delete(c.cache, name)
}

// Health returns the overall health status and the result of every check
// ordered by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	overallStatus := StatusHealthy

	for _, name := range names {
		reg := c.checks[name]

		check, ok := c.cache[name]
		if !ok || c.clock.Since(check.LastChecked) >= c.ttl {
			start := c.clock.Now()
			err := reg.check(ctx)

			check = &Check{
				Name:        name,
				Status:      StatusHealthy,
				LastChecked: c.clock.Now(),
				Duration:    c.clock.Since(start),
			}
			if err != nil {
				check.Status = StatusDegraded
				if reg.critical {
					check.Status = StatusUnhealthy
				}
				check.Message = err.Error()
			}
			c.cache[name] = check
		}

		checks = append(checks, *check)
		switch {
		case check.Status == StatusUnhealthy:
			overallStatus = StatusUnhealthy
		case check.Status == StatusDegraded && overallStatus == StatusHealthy:
			overallStatus = StatusDegraded
		}
	}

	return overallStatus, checks
}

// HTTPHandler returns an HTTP handler for health checks. A degraded proxy
// still reports 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusUnhealthy })
}

// ReadinessHandler returns a readiness probe handler. Only a healthy proxy
// is ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusHealthy })
}

func (c *Checker) handler(ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		response := map[string]interface{}{
			"status": status,
			"checks": checks,
		}

		w.Header().Set("Content-Type", "application/json")
		if ok(status) {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// Expiry returns a check failing once expiry() is closer than within.
func Expiry(expiry func() time.Time, within time.Duration, clk clock.Clock) CheckFunc {
	if clk == nil {
		clk = clock.New()
	}
	return func(ctx context.Context) error {
		left := expiry().Sub(clk.Now())
		if left < within {
			return fmt.Errorf("certificate expires in %s", left.Truncate(time.Second))
		}
		return nil
	}
}
