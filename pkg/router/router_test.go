// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

type closable struct {
	target service.Target
	closed atomic.Bool
}

func (c *closable) Ready(ctx context.Context) error {
	return nil
}

func (c *closable) Call(ctx context.Context, req string) (string, error) {
	return c.target.Addr + ":" + req, nil
}

func (c *closable) Close() error {
	c.closed.Store(true)
	return nil
}

type factory struct {
	builds atomic.Int32
	fail   atomic.Int32
	delay  time.Duration
	mu     sync.Mutex
	built  []*closable
}

func (f *factory) stack() service.Stack[string, string] {
	return service.NewStack(func(t service.Target) (service.Service[string, string], error) {
		f.builds.Add(1)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.fail.Load() > 0 {
			f.fail.Add(-1)
			return nil, errors.New("resolver unavailable")
		}
		c := &closable{target: t}
		f.mu.Lock()
		f.built = append(f.built, c)
		f.mu.Unlock()
		return c, nil
	})
}

func (f *factory) last() *closable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

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

var web = service.Target{Addr: "web.default:80", Protocol: service.HTTP1}

func TestRouter_SingleConstruction(t *testing.T) {
	f := &factory{delay: 20 * time.Millisecond}
	r := New(f.stack(), Config{Clock: clock.NewMock()})
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.Call(context.Background(), web, "req")
			if err != nil {
				t.Errorf("Call() error = %v", err)
				return
			}
			if resp != "web.default:80:req" {
				t.Errorf("Unexpected response %q", resp)
			}
		}()
	}
	wg.Wait()

	if n := f.builds.Load(); n != 1 {
		t.Errorf("Expected exactly one construction, got %d", n)
	}
	if r.Len() != 1 {
		t.Errorf("Expected one entry, got %d", r.Len())
	}

	other := service.Target{Addr: "api.default:80", Protocol: service.HTTP1}
	if _, err := r.Call(context.Background(), other, "req"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if r.Len() != 2 || f.builds.Load() != 2 {
		t.Errorf("Expected a separate entry per target, got %d entries and %d builds", r.Len(), f.builds.Load())
	}
}

func TestRouter_FailedBuildNotCached(t *testing.T) {
	f := &factory{}
	f.fail.Store(1)
	var observed []error
	r := New(f.stack(), Config{
		Clock:   clock.NewMock(),
		OnBuild: func(_ service.Target, err error) { observed = append(observed, err) },
	})
	defer r.Close()

	if _, err := r.Call(context.Background(), web, "req"); !errors.Is(err, merrors.ErrConfig) {
		t.Fatalf("Expected a config error from the failed build, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Expected failed build not to be cached, got %d entries", r.Len())
	}

	if _, err := r.Call(context.Background(), web, "req"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if f.builds.Load() != 2 {
		t.Errorf("Expected a fresh build after failure, got %d builds", f.builds.Load())
	}
	if len(observed) != 2 || observed[0] == nil || observed[1] != nil {
		t.Errorf("Unexpected build observations %v", observed)
	}
}

func TestRouter_ConcurrentFailedBuild(t *testing.T) {
	f := &factory{delay: 50 * time.Millisecond}
	f.fail.Store(100)
	r := New(f.stack(), Config{Clock: clock.NewMock()})
	defer r.Close()

	const callers = 20
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Call(context.Background(), web, "req")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var first error
	failed := 0
	for err := range errs {
		if !errors.Is(err, merrors.ErrConfig) {
			t.Errorf("Expected the build error, got %v", err)
			continue
		}
		failed++
		if first == nil {
			first = err
		} else if err.Error() != first.Error() {
			t.Errorf("Expected every caller to see %v, got %v", first, err)
		}
	}
	if failed != callers {
		t.Errorf("Expected %d failed callers, got %d", callers, failed)
	}
	if n := f.builds.Load(); n != 1 {
		t.Errorf("Expected concurrent callers to share one construction, got %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("Expected failed build not to be cached, got %d entries", r.Len())
	}
}

func TestRouter_IdleEviction(t *testing.T) {
	mock := clock.NewMock()
	f := &factory{}
	var evicted atomic.Int32
	r := New(f.stack(), Config{
		Clock:         mock,
		IdleTimeout:   time.Minute,
		SweepInterval: 10 * time.Second,
		OnEvict:       func(service.Target) { evicted.Add(1) },
	})
	defer r.Close()

	if _, err := r.Call(context.Background(), web, "req"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	first := f.last()

	mock.Add(30 * time.Second)
	time.Sleep(5 * time.Millisecond)
	if r.Len() != 1 || first.closed.Load() {
		t.Fatal("Entry evicted before the idle timeout")
	}

	mock.Add(40 * time.Second)
	eventually(t, func() bool { return r.Len() == 0 }, "idle entry was not evicted")
	eventually(t, first.closed.Load, "evicted entry was not closed")
	if evicted.Load() != 1 {
		t.Errorf("Expected one eviction, got %d", evicted.Load())
	}

	if _, err := r.Call(context.Background(), web, "req"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if f.builds.Load() != 2 {
		t.Errorf("Expected the entry to be rebuilt, got %d builds", f.builds.Load())
	}
	if f.last() == first {
		t.Error("Expected a fresh instance after eviction")
	}
}

func TestRouter_LeasedEntryKept(t *testing.T) {
	mock := clock.NewMock()
	f := &factory{}
	r := New(f.stack(), Config{Clock: mock, IdleTimeout: time.Minute, SweepInterval: 10 * time.Second})
	defer r.Close()

	lease, err := r.Acquire(context.Background(), web)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	mock.Add(5 * time.Minute)
	time.Sleep(5 * time.Millisecond)
	if r.Len() != 1 {
		t.Fatal("Entry with an outstanding lease was evicted")
	}

	lease.Release()
	lease.Release()

	mock.Add(30 * time.Second)
	time.Sleep(5 * time.Millisecond)
	if r.Len() != 1 {
		t.Fatal("Entry evicted before being idle for the timeout")
	}

	mock.Add(40 * time.Second)
	eventually(t, func() bool { return r.Len() == 0 }, "released entry was not evicted")
}

func TestRouter_Close(t *testing.T) {
	f := &factory{}
	r := New(f.stack(), Config{Clock: clock.NewMock()})

	for _, addr := range []string{"a:80", "b:80", "c:80"} {
		if _, err := r.Call(context.Background(), service.Target{Addr: addr}, "req"); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	}
	if len(r.Targets()) != 3 {
		t.Errorf("Expected 3 targets, got %d", len(r.Targets()))
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Expected no entries after Close, got %d", r.Len())
	}
	for _, c := range f.built {
		if !c.closed.Load() {
			t.Errorf("Entry %s not closed", c.target.Addr)
		}
	}

	if _, err := r.Call(context.Background(), web, "req"); !errors.Is(err, merrors.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable after Close, got %v", err)
	}
}
