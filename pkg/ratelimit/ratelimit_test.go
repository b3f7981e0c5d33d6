// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/handler"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLimiter_Allow(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mock := clock.NewMock()
	var rejected []string
	l, err := NewLimiter(Config{
		Rate:     1,
		Burst:    2,
		Clock:    mock,
		OnReject: func(key string) { rejected = append(rejected, key) },
	})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer l.Close()

	for i := 0; i < 2; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("Expected burst request %d to be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("Expected the third request to be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("Expected another source to have its own bucket")
	}

	mock.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("Expected a token to be refilled after one second")
	}
	if len(rejected) != 1 || rejected[0] != "10.0.0.1" {
		t.Errorf("Expected one rejection of 10.0.0.1, got %v", rejected)
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l, err := NewLimiter(Config{Rate: 10, Burst: 10, MaxClients: 1, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("Expected the first source to be allowed")
	}
	if l.Allow("b") {
		t.Error("Expected a new source to be rejected while the table is full")
	}
	l.Remove("a")
	if !l.Allow("b") {
		t.Error("Expected a new source to be allowed after a removal")
	}
}

func TestLimiter_Global(t *testing.T) {
	l, err := NewLimiter(Config{Rate: 10, Burst: 10, GlobalRate: 1, GlobalBurst: 1, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer l.Close()

	if !l.Allow("a") {
		t.Fatal("Expected the first request to be allowed")
	}
	if l.Allow("b") {
		t.Error("Expected the global bucket to limit other sources")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	mock := clock.NewMock()
	l, err := NewLimiter(Config{Rate: 1, IdleTimeout: time.Minute, Clock: mock})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer l.Close()

	l.Allow("a")
	mock.Add(30 * time.Second)
	time.Sleep(5 * time.Millisecond)
	if l.Stats() != 1 {
		t.Fatalf("Expected the source to still be tracked, got %d", l.Stats())
	}

	mock.Add(time.Minute)
	eventually(t, func() bool { return l.Stats() == 0 }, "idle source was not forgotten")
}

func TestLimiter_AuthConnect(t *testing.T) {
	l, err := NewLimiter(Config{Rate: 1, Burst: 1, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	if err := l.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.1:4000"}); err != nil {
		t.Fatalf("AuthConnect() error = %v", err)
	}
	// Another port of the same host shares the bucket.
	err = l.AuthConnect(ctx, &handler.Context{RemoteAddr: "10.0.0.1:4001"})
	if !errors.Is(err, ErrRateLimitExceeded) || !errors.Is(err, merrors.ErrOverloaded) {
		t.Errorf("Expected ErrRateLimitExceeded, got %v", err)
	}
	if err := l.OnDisconnect(ctx, &handler.Context{}, nil); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestNewLimiter_Invalid(t *testing.T) {
	if _, err := NewLimiter(Config{}); !errors.Is(err, merrors.ErrConfig) {
		t.Errorf("Expected ErrConfig for a zero rate, got %v", err)
	}
}
