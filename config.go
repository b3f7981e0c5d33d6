// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package meshproxy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/identity"
)

// Config holds the sidecar configuration.
type Config struct {
	// Listeners
	InboundAddress  string `env:"INBOUND_ADDRESS"  envDefault:":4143"`
	OutboundAddress string `env:"OUTBOUND_ADDRESS" envDefault:":4140"`
	AdminAddress    string `env:"ADMIN_ADDRESS"    envDefault:":4191"`
	ForwardHost     string `env:"INBOUND_FORWARD_HOST" envDefault:"127.0.0.1"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Discovery
	DestinationAddress string            `env:"DESTINATION_ADDRESS"`
	DestinationContext string            `env:"DESTINATION_CONTEXT"`
	DNSServer          string            `env:"DNS_SERVER"`
	DNSSuffixes        []string          `env:"DNS_SUFFIXES"      envDefault:"svc.cluster.local." envSeparator:","`
	StaticEndpoints    map[string]string `env:"STATIC_ENDPOINTS"  envSeparator:";" envKeyValSeparator:"="`
	StaleTimeout       time.Duration     `env:"DISCOVERY_STALE_TIMEOUT" envDefault:"30s"`

	// Identity
	IdentityDir     string   `env:"IDENTITY_DIR"`
	IdentityName    string   `env:"IDENTITY_NAME"`
	IdentityMode    string   `env:"IDENTITY_MODE"    envDefault:"disabled"`
	RequireIdentity []string `env:"IDENTITY_REQUIRED_TARGETS" envSeparator:","`
	TapIdentity     string   `env:"TAP_IDENTITY"`

	// Buffering and admission
	BufferCapacity    int           `env:"BUFFER_CAPACITY"     envDefault:"100"`
	BufferWaitTimeout time.Duration `env:"BUFFER_WAIT_TIMEOUT" envDefault:"10s"`
	MaxConcurrency    int           `env:"MAX_CONCURRENCY"     envDefault:"100"`

	// Retries
	RetryRatio       float64       `env:"RETRY_RATIO"          envDefault:"0.2"`
	RetryWindow      time.Duration `env:"RETRY_WINDOW"         envDefault:"10s"`
	RetryMinPerSec   float64       `env:"RETRY_MIN_PER_SECOND" envDefault:"0"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS"   envDefault:"3"`
	RetryMaxBody     int64         `env:"RETRY_MAX_BODY"       envDefault:"65536"`

	// Reconnect backoff
	BackoffBase   time.Duration `env:"BACKOFF_BASE"   envDefault:"100ms"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX"    envDefault:"10s"`
	BackoffJitter float64       `env:"BACKOFF_JITTER" envDefault:"0.5"`

	// Load balancing
	EWMADecay       time.Duration `env:"EWMA_DECAY"            envDefault:"10s"`
	DefaultEstimate time.Duration `env:"EWMA_DEFAULT_ESTIMATE" envDefault:"0s"`
	FailFast        time.Duration `env:"FAIL_FAST_TIMEOUT"     envDefault:"3s"`

	// Route cache
	IdleTimeout   time.Duration `env:"ROUTE_IDLE_TIMEOUT"   envDefault:"60s"`
	SweepInterval time.Duration `env:"ROUTE_SWEEP_INTERVAL" envDefault:"10s"`

	// Timeouts
	DetectTimeout    time.Duration `env:"DETECT_TIMEOUT"    envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ConnectTimeout   time.Duration `env:"CONNECT_TIMEOUT"   envDefault:"1s"`
	ResponseTimeout  time.Duration `env:"RESPONSE_TIMEOUT"  envDefault:"60s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	// Per-source accept rate limit, disabled when zero.
	AcceptRate  float64 `env:"ACCEPT_RATE"  envDefault:"0"`
	AcceptBurst int     `env:"ACCEPT_BURST" envDefault:"0"`
}

// NewConfig parses the configuration from the environment and validates it.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("%w: %w", merrors.ErrConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks settings that cannot be used as given.
func (c Config) Validate() error {
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if mode != identity.Disabled && (c.IdentityDir == "" || c.IdentityName == "") {
		return fmt.Errorf("%w: identity mode %s requires an identity directory and name", merrors.ErrConfig, mode)
	}
	if c.TapIdentity != "" && mode == identity.Disabled {
		return fmt.Errorf("%w: a tap identity requires identity to be enabled", merrors.ErrConfig)
	}
	if len(c.RequireIdentity) > 0 && mode == identity.Disabled {
		return fmt.Errorf("%w: identity required targets need identity to be enabled", merrors.ErrConfig)
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("%w: buffer capacity must be positive, got %d", merrors.ErrConfig, c.BufferCapacity)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max concurrency must be positive, got %d", merrors.ErrConfig, c.MaxConcurrency)
	}
	if c.RetryRatio < 0 || c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("%w: invalid retry settings", merrors.ErrConfig)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase || c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("%w: invalid backoff settings", merrors.ErrConfig)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("%w: accept rate must not be negative", merrors.ErrConfig)
	}
	if _, err := c.Static(); err != nil {
		return err
	}
	return nil
}

// Mode returns the identity mode.
func (c Config) Mode() (identity.Mode, error) {
	return identity.ParseMode(c.IdentityMode)
}

// Static returns the configured static endpoints. Each entry maps an
// authority to a comma separated list of endpoint addresses.
func (c Config) Static() (discovery.Static, error) {
	static := make(discovery.Static, len(c.StaticEndpoints))
	for authority, list := range c.StaticEndpoints {
		if _, _, err := net.SplitHostPort(authority); err != nil {
			return nil, fmt.Errorf("%w: static authority %q: %w", merrors.ErrConfig, authority, err)
		}
		var eps []discovery.Endpoint
		for _, addr := range strings.Split(list, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return nil, fmt.Errorf("%w: static endpoint %q: %w", merrors.ErrConfig, addr, err)
			}
			eps = append(eps, discovery.Endpoint{Addr: addr, Weight: 1})
		}
		static[authority] = eps
	}
	return static, nil
}

// RequiresIdentity reports whether connections to authority must be
// secured regardless of the identity mode.
func (c Config) RequiresIdentity(authority string) bool {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
	}
	for _, t := range c.RequireIdentity {
		if t == authority || t == host {
			return true
		}
	}
	return false
}
