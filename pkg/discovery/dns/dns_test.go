// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

type zone struct {
	mu     sync.Mutex
	a      map[string][]string
	rcode  int
	minTTL uint32
}

func (z *zone) set(name string, ips ...string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.a[dns.Fqdn(name)] = ips
}

func (z *zone) soa() *dns.SOA {
	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: "cluster.local.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
		Ns:      "ns.cluster.local.",
		Mbox:    "hostmaster.cluster.local.",
		Serial:  1,
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  z.minTTL,
	}
}

func (z *zone) serve(w dns.ResponseWriter, r *dns.Msg) {
	z.mu.Lock()
	defer z.mu.Unlock()

	m := new(dns.Msg)
	m.SetReply(r)
	q := r.Question[0]

	ips, ok := z.a[q.Name]
	switch {
	case z.rcode != dns.RcodeSuccess:
		m.Rcode = z.rcode
	case !ok:
		m.Rcode = dns.RcodeNameError
		m.Ns = append(m.Ns, z.soa())
	case q.Qtype == dns.TypeA:
		for _, ip := range ips {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
				A:   net.ParseIP(ip),
			})
		}
	default:
		m.Ns = append(m.Ns, z.soa())
	}

	w.WriteMsg(m)
}

func newServer(t *testing.T, z *zone) string {
	t.Helper()
	mux := dns.NewServeMux()
	mux.HandleFunc(".", z.serve)

	up := make(chan struct{})
	server := &dns.Server{
		Addr:              "127.0.0.1:0",
		Net:               "udp",
		Handler:           mux,
		NotifyStartedFunc: func() { close(up) },
	}
	go server.ListenAndServe()
	<-up
	t.Cleanup(func() { server.Shutdown() })

	return server.PacketConn.LocalAddr().String()
}

type recvResult struct {
	ev  discovery.Event
	err error
}

// recv waits for the next event, advancing the mock clock by step while
// the stream sleeps.
func recv(t *testing.T, st discovery.Stream, mock *clock.Mock, step time.Duration) (discovery.Event, error) {
	t.Helper()
	out := make(chan recvResult, 1)
	go func() {
		ev, err := st.Recv()
		out <- recvResult{ev, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case r := <-out:
			return r.ev, r.err
		case <-time.After(5 * time.Millisecond):
			mock.Add(step)
		}
	}
	t.Fatal("timed out waiting for a dns event")
	return discovery.Event{}, nil
}

func TestSource_Matches(t *testing.T) {
	tests := []struct {
		suffixes []string
		name     string
		want     bool
	}{
		{nil, "anything.example.com", true},
		{[]string{"."}, "web.default.svc.cluster.local", true},
		{[]string{"cluster.local"}, "web.default.svc.cluster.local", true},
		{[]string{"cluster.local."}, "cluster.local", true},
		{[]string{"cluster.local"}, "mycluster.local", false},
		{[]string{"svc.cluster.local"}, "example.com", false},
		{[]string{"example.com", "cluster.local"}, "Web.Example.Com.", true},
	}

	for _, tt := range tests {
		s, err := New(nil, Config{Server: "127.0.0.1", Suffixes: tt.suffixes})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if got := s.Matches(tt.name); got != tt.want {
			t.Errorf("Matches(%q) with %v = %v, want %v", tt.name, tt.suffixes, got, tt.want)
		}
	}
}

func TestSource_Subscribe(t *testing.T) {
	z := &zone{a: map[string][]string{}, minTTL: 10}
	z.set("web.default.svc.cluster.local", "10.0.0.1", "10.0.0.2")
	addr := newServer(t, z)

	mock := clock.NewMock()
	s, err := New(nil, Config{Server: addr, Suffixes: []string{"cluster.local"}, Clock: mock})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := s.Subscribe(ctx, service.Target{Addr: "web.default.svc.cluster.local:8080"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ev, err := recv(t, st, mock, 30*time.Second)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if ev.Kind != discovery.Add || len(ev.Endpoints) != 2 || ev.Endpoints[0].Addr != "10.0.0.1:8080" || ev.Endpoints[1].Addr != "10.0.0.2:8080" {
		t.Fatalf("Unexpected first event %+v", ev)
	}

	z.set("web.default.svc.cluster.local", "10.0.0.2", "10.0.0.3")

	ev, err = recv(t, st, mock, 30*time.Second)
	if err != nil || ev.Kind != discovery.Add || len(ev.Endpoints) != 1 || ev.Endpoints[0].Addr != "10.0.0.3:8080" {
		t.Errorf("Expected addition of 10.0.0.3, got %+v, %v", ev, err)
	}
	ev, err = recv(t, st, mock, 30*time.Second)
	if err != nil || ev.Kind != discovery.Remove || len(ev.Endpoints) != 1 || ev.Endpoints[0].Addr != "10.0.0.1:8080" {
		t.Errorf("Expected removal of 10.0.0.1, got %+v, %v", ev, err)
	}

	z.mu.Lock()
	delete(z.a, "web.default.svc.cluster.local.")
	z.mu.Unlock()

	ev, err = recv(t, st, mock, 30*time.Second)
	if err != nil || ev.Kind != discovery.NoEndpoints {
		t.Errorf("Expected NoEndpoints after NXDOMAIN, got %+v, %v", ev, err)
	}
	if sst := st.(*stream); sst.next != 10*time.Second {
		t.Errorf("Expected negative answer refreshed after the SOA minimum, got %v", sst.next)
	}

	cancel()
	if _, err := st.Recv(); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the stream to end with its context, got %v", err)
	}
}

func TestSource_Errors(t *testing.T) {
	z := &zone{a: map[string][]string{}, rcode: dns.RcodeServerFailure}
	addr := newServer(t, z)

	s, err := New(nil, Config{Server: addr, Suffixes: []string{"cluster.local"}, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	st, err := s.Subscribe(context.Background(), service.Target{Addr: "web.default.svc.cluster.local:80"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := st.Recv(); !errors.Is(err, merrors.ErrDiscovery) {
		t.Errorf("Expected ErrDiscovery on SERVFAIL, got %v", err)
	}

	for _, target := range []string{"10.0.0.1:80", "example.com:80"} {
		if _, err := s.Subscribe(context.Background(), service.Target{Addr: target}); !errors.Is(err, discovery.ErrInvalidTarget) {
			t.Errorf("%s: expected ErrInvalidTarget, got %v", target, err)
		}
	}

	if _, err := New(nil, Config{}); !errors.Is(err, merrors.ErrConfig) {
		t.Errorf("Expected ErrConfig without a server, got %v", err)
	}
}
