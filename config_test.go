// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package meshproxy

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/env/v11"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/identity"
	"github.com/absmach/meshproxy/pkg/retry"
)

const prefix = "MESHPROXY_"

func parse(vars map[string]string) (Config, error) {
	return NewConfig(env.Options{Prefix: prefix, Environment: vars})
}

func TestNewConfig_Defaults(t *testing.T) {
	c, err := parse(map[string]string{})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if c.InboundAddress != ":4143" || c.OutboundAddress != ":4140" || c.AdminAddress != ":4191" {
		t.Errorf("Unexpected listener defaults %q %q %q", c.InboundAddress, c.OutboundAddress, c.AdminAddress)
	}
	if c.EWMADecay != 10*time.Second || c.RetryRatio != 0.2 || c.BackoffJitter != 0.5 {
		t.Errorf("Unexpected tuning defaults %+v", c)
	}
	if c.RetryMinPerSec != 0 {
		t.Errorf("Expected no retry allowance independent of traffic, got %v", c.RetryMinPerSec)
	}
	if len(c.DNSSuffixes) != 1 || c.DNSSuffixes[0] != "svc.cluster.local." {
		t.Errorf("Unexpected DNS suffixes %v", c.DNSSuffixes)
	}
	if mode, _ := c.Mode(); mode != identity.Disabled {
		t.Errorf("Expected identity to be disabled by default, got %s", mode)
	}
}

func TestNewConfig_RetryBudget(t *testing.T) {
	c, err := parse(map[string]string{})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	b := retry.NewBudget(retry.BudgetConfig{
		Ratio:               c.RetryRatio,
		Window:              c.RetryWindow,
		MinRetriesPerSecond: c.RetryMinPerSec,
		Clock:               clock.NewMock(),
	})
	for i := 0; i < 10; i++ {
		b.Deposit()
	}
	admitted := 0
	for i := 0; i < 100; i++ {
		if b.Withdraw() {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("Expected the default budget to admit 2 retries for 10 requests, got %d", admitted)
	}
}

func TestNewConfig(t *testing.T) {
	cases := []struct {
		desc string
		vars map[string]string
		err  bool
	}{
		{
			desc: "identity enabled",
			vars: map[string]string{
				prefix + "IDENTITY_MODE": "required",
				prefix + "IDENTITY_DIR":  "/var/run/identity",
				prefix + "IDENTITY_NAME": "web.default.serviceaccount.identity.linkerd.cluster.local",
			},
		},
		{desc: "unknown identity mode", vars: map[string]string{prefix + "IDENTITY_MODE": "sometimes"}, err: true},
		{desc: "identity without credentials", vars: map[string]string{prefix + "IDENTITY_MODE": "opportunistic"}, err: true},
		{desc: "tap identity without identity", vars: map[string]string{prefix + "TAP_IDENTITY": "tap.linkerd"}, err: true},
		{desc: "required targets without identity", vars: map[string]string{prefix + "IDENTITY_REQUIRED_TARGETS": "db:5432"}, err: true},
		{desc: "zero buffer", vars: map[string]string{prefix + "BUFFER_CAPACITY": "0"}, err: true},
		{desc: "jitter above one", vars: map[string]string{prefix + "BACKOFF_JITTER": "1.5"}, err: true},
		{desc: "malformed duration", vars: map[string]string{prefix + "FAIL_FAST_TIMEOUT": "soon"}, err: true},
		{desc: "malformed static endpoint", vars: map[string]string{prefix + "STATIC_ENDPOINTS": "api:80=10.0.0.1"}, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := parse(tc.vars)
			if tc.err && !errors.Is(err, merrors.ErrConfig) {
				t.Errorf("Expected ErrConfig, got %v", err)
			}
			if !tc.err && err != nil {
				t.Errorf("Unexpected error %v", err)
			}
		})
	}
}

func TestConfig_Static(t *testing.T) {
	c, err := parse(map[string]string{
		prefix + "STATIC_ENDPOINTS": "api:80=10.0.0.1:8080, 10.0.0.2:8080;db:5432=10.0.1.1:5432",
	})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	static, err := c.Static()
	if err != nil {
		t.Fatalf("Static() error = %v", err)
	}
	if len(static["api:80"]) != 2 || static["api:80"][1].Addr != "10.0.0.2:8080" {
		t.Errorf("Unexpected api endpoints %+v", static["api:80"])
	}
	if len(static["db:5432"]) != 1 || static["db:5432"][0].Weight != 1 {
		t.Errorf("Unexpected db endpoints %+v", static["db:5432"])
	}
}

func TestConfig_RequiresIdentity(t *testing.T) {
	c := Config{RequireIdentity: []string{"payments.default.svc.cluster.local", "ledger:9090"}}

	cases := []struct {
		authority string
		want      bool
	}{
		{authority: "payments.default.svc.cluster.local:8080", want: true},
		{authority: "ledger:9090", want: true},
		{authority: "ledger:9091", want: false},
		{authority: "web:80", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.authority, func(t *testing.T) {
			if got := c.RequiresIdentity(tc.authority); got != tc.want {
				t.Errorf("RequiresIdentity(%q) = %v, want %v", tc.authority, got, tc.want)
			}
		})
	}
}
