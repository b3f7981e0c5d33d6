// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// gated is ready only once open is closed and records call order.
type gated struct {
	open   chan struct{}
	mu     sync.Mutex
	order  []int
	closed bool
}

func newGated() *gated {
	return &gated{open: make(chan struct{})}
}

func (g *gated) Ready(ctx context.Context) error {
	select {
	case <-g.open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gated) Call(ctx context.Context, req int) (int, error) {
	service.Dispatched(ctx)
	g.mu.Lock()
	g.order = append(g.order, req)
	g.mu.Unlock()
	return req * 10, nil
}

func (g *gated) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

type outcome struct {
	resp int
	err  error
}

// submit issues a call and waits until the buffer has accepted it.
func submit(t *testing.T, b *Buffer[int, int], req int) (<-chan outcome, <-chan struct{}) {
	t.Helper()
	accepted := make(chan struct{})
	out := make(chan outcome, 1)
	ctx := service.WithDispatch(context.Background(), func() { close(accepted) })
	go func() {
		resp, err := b.Call(ctx, req)
		out <- outcome{resp, err}
	}()
	return out, accepted
}

func TestBuffer_BoundAndOrder(t *testing.T) {
	const capacity = 5
	inner := newGated()
	b, err := New[int, int](inner, Config{Capacity: capacity})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	var outs []<-chan outcome
	for i := 0; i < capacity; i++ {
		out, accepted := submit(t, b, i)
		select {
		case <-accepted:
		case <-time.After(time.Second):
			t.Fatalf("request %d was not accepted", i)
		}
		outs = append(outs, out)
	}

	if b.Depth() != capacity {
		t.Errorf("Expected depth %d, got %d", capacity, b.Depth())
	}
	if err := b.Poll(); !errors.Is(err, merrors.ErrNotReady) {
		t.Errorf("Expected full buffer to be not ready, got %v", err)
	}

	sixth, accepted := submit(t, b, capacity)
	select {
	case <-accepted:
		t.Fatal("sixth request accepted beyond capacity")
	case <-time.After(50 * time.Millisecond):
	}
	if b.Depth() > capacity {
		t.Fatalf("Depth %d exceeds capacity", b.Depth())
	}
	outs = append(outs, sixth)

	close(inner.open)

	for i, out := range outs {
		select {
		case o := <-out:
			if o.err != nil {
				t.Errorf("request %d: unexpected error %v", i, o.err)
			}
			if o.resp != i*10 {
				t.Errorf("request %d: expected %d, got %d", i, i*10, o.resp)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d did not complete", i)
		}
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	for i, req := range inner.order {
		if req != i {
			t.Fatalf("Expected dispatch order 0..5, got %v", inner.order)
		}
	}
	if len(inner.order) != capacity+1 {
		t.Errorf("Expected %d dispatches, got %d", capacity+1, len(inner.order))
	}
}

func TestBuffer_Overloaded(t *testing.T) {
	inner := newGated()
	b, err := New[int, int](inner, Config{Capacity: 1, WaitTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	first, accepted := submit(t, b, 1)
	<-accepted

	start := time.Now()
	if _, err := b.Call(context.Background(), 2); !errors.Is(err, merrors.ErrOverloaded) {
		t.Errorf("Expected ErrOverloaded, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Expected the call to wait for the timeout")
	}

	close(inner.open)
	if o := <-first; o.err != nil {
		t.Errorf("Unexpected error %v", o.err)
	}
}

func TestBuffer_CanceledCallerSkipped(t *testing.T) {
	inner := newGated()
	b, err := New[int, int](inner, Config{Capacity: 2})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled request was not failed")
	}

	close(inner.open)
	if _, err := b.Call(context.Background(), 2); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.order) != 1 || inner.order[0] != 2 {
		t.Errorf("Expected only request 2 to reach the inner service, got %v", inner.order)
	}
}

func TestBuffer_Close(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	inner := newGated()
	b, err := New[int, int](inner, Config{Capacity: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var outs []<-chan outcome
	for i := 0; i < 3; i++ {
		out, accepted := submit(t, b, i)
		<-accepted
		outs = append(outs, out)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for i, out := range outs {
		select {
		case o := <-out:
			if !errors.Is(o.err, merrors.ErrUnavailable) {
				t.Errorf("request %d: expected ErrUnavailable, got %v", i, o.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("request %d was not failed by Close", i)
		}
	}

	if _, err := b.Call(context.Background(), 9); !errors.Is(err, merrors.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable after Close, got %v", err)
	}
	if err := b.Poll(); !errors.Is(err, merrors.ErrUnavailable) {
		t.Errorf("Expected Poll to report closed, got %v", err)
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if !inner.closed {
		t.Error("Expected inner service to be closed")
	}
	if len(inner.order) != 0 {
		t.Errorf("Expected nothing dispatched, got %v", inner.order)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"zero capacity", Config{}},
		{"negative timeout", Config{Capacity: 1, WaitTimeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New[int, int](newGated(), tt.config); !errors.Is(err, merrors.ErrConfig) {
				t.Errorf("Expected ErrConfig, got %v", err)
			}
		})
	}
}
