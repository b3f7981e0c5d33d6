// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dns resolves targets by polling A and AAAA records.
package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

// Exchanger sends DNS queries. *dns.Client implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Config holds DNS source configuration.
type Config struct {
	// Server is the resolver address (host:port).
	Server string
	// Suffixes restricts resolution to names under these domains. "."
	// matches every name. Empty means every name.
	Suffixes []string
	// MinTTL is the shortest refresh interval.
	MinTTL time.Duration
	// MaxTTL is the longest refresh interval.
	MaxTTL time.Duration
	// NegativeTTL is used for negative answers without an SOA record.
	NegativeTTL time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Source is a discovery.Source backed by DNS.
type Source struct {
	client   Exchanger
	config   Config
	suffixes []string
}

var _ discovery.Source = (*Source)(nil)

// New creates a new DNS source. A nil client uses a UDP dns.Client.
func New(client Exchanger, config Config) (*Source, error) {
	if config.Server == "" {
		return nil, fmt.Errorf("%w: dns server address is required", merrors.ErrConfig)
	}
	if _, _, err := net.SplitHostPort(config.Server); err != nil {
		config.Server = net.JoinHostPort(config.Server, "53")
	}
	if client == nil {
		client = &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	}
	if config.MinTTL <= 0 {
		config.MinTTL = time.Second
	}
	if config.MaxTTL < config.MinTTL {
		config.MaxTTL = 5 * time.Minute
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	s := &Source{client: client, config: config}
	for _, suffix := range config.Suffixes {
		s.suffixes = append(s.suffixes, normalize(suffix))
	}

	return s, nil
}

// Matches reports whether name falls under one of the configured suffixes.
func (s *Source) Matches(name string) bool {
	if len(s.suffixes) == 0 {
		return true
	}
	name = normalize(name)
	for _, suffix := range s.suffixes {
		if suffix == "" || name == suffix || strings.HasSuffix(name, "."+suffix) {
			return true
		}
	}
	return false
}

// Subscribe implements discovery.Source.
func (s *Source) Subscribe(ctx context.Context, target service.Target) (discovery.Stream, error) {
	host := target.Host()
	if net.ParseIP(host) != nil || !s.Matches(host) {
		return nil, fmt.Errorf("%w: %s is not resolvable through dns", discovery.ErrInvalidTarget, host)
	}
	return &stream{
		ctx:    ctx,
		source: s,
		name:   dns.Fqdn(host),
		port:   target.Port(),
	}, nil
}

type stream struct {
	ctx     context.Context
	source  *Source
	name    string
	port    int
	started bool
	next    time.Duration
	current map[string]struct{}
	pending []discovery.Event
}

// Recv implements discovery.Stream. The first call resolves immediately;
// later calls wait for the previous answer's TTL and only return once the
// address set changed.
func (s *stream) Recv() (discovery.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		if s.started {
			timer := s.source.config.Clock.Timer(s.next)
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				timer.Stop()
				return discovery.Event{}, s.ctx.Err()
			}
		}

		addrs, ttl, err := s.source.lookup(s.ctx, s.name, s.port)
		if err != nil {
			return discovery.Event{}, err
		}
		s.next = ttl
		s.diff(addrs)
		s.started = true
	}
}

// diff queues the events turning the current set into addrs.
func (s *stream) diff(addrs []string) {
	next := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		next[a] = struct{}{}
	}

	if len(next) == 0 {
		if !s.started || len(s.current) > 0 {
			s.pending = append(s.pending, discovery.Event{Kind: discovery.NoEndpoints})
		}
		s.current = next
		return
	}

	var added, removed []discovery.Endpoint
	for _, a := range addrs {
		if _, ok := s.current[a]; !ok {
			added = append(added, discovery.Endpoint{Addr: a, Weight: 1})
		}
	}
	for a := range s.current {
		if _, ok := next[a]; !ok {
			removed = append(removed, discovery.Endpoint{Addr: a})
		}
	}

	if len(added) > 0 {
		s.pending = append(s.pending, discovery.Event{Kind: discovery.Add, Endpoints: added})
	}
	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i].Addr < removed[j].Addr })
		s.pending = append(s.pending, discovery.Event{Kind: discovery.Remove, Endpoints: removed})
	}
	s.current = next
}

// lookup resolves A and AAAA records for name. Negative answers yield an
// empty set refreshed after the SOA minimum TTL.
func (s *Source) lookup(ctx context.Context, name string, port int) ([]string, time.Duration, error) {
	var addrs []string
	var ttl uint32
	negative := true
	negTTL := s.config.NegativeTTL

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(name, qtype)
		m.RecursionDesired = true

		resp, _, err := s.client.ExchangeContext(ctx, m, s.config.Server)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			return nil, 0, fmt.Errorf("%w: query %s: %w", merrors.ErrDiscovery, name, err)
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, s.clamp(soaTTL(resp, negTTL)), nil
		default:
			return nil, 0, fmt.Errorf("%w: query %s: %s", merrors.ErrDiscovery, name, dns.RcodeToString[resp.Rcode])
		}

		found := false
		for _, rr := range resp.Answer {
			var ip net.IP
			switch r := rr.(type) {
			case *dns.A:
				ip = r.A
			case *dns.AAAA:
				ip = r.AAAA
			default:
				continue
			}
			found = true
			addrs = append(addrs, net.JoinHostPort(ip.String(), fmt.Sprint(port)))
			if ttl == 0 || rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
			}
		}
		if found {
			negative = false
		} else {
			negTTL = soaTTL(resp, negTTL)
		}
	}

	if negative {
		return nil, s.clamp(negTTL), nil
	}
	sort.Strings(addrs)
	return addrs, s.clamp(time.Duration(ttl) * time.Second), nil
}

func (s *Source) clamp(d time.Duration) time.Duration {
	if d < s.config.MinTTL {
		return s.config.MinTTL
	}
	if d > s.config.MaxTTL {
		return s.config.MaxTTL
	}
	return d
}

// soaTTL returns the negative caching TTL advertised in the authority
// section, or def.
func soaTTL(resp *dns.Msg, def time.Duration) time.Duration {
	for _, rr := range resp.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			ttl := soa.Minttl
			if soa.Hdr.Ttl < ttl {
				ttl = soa.Hdr.Ttl
			}
			return time.Duration(ttl) * time.Second
		}
	}
	return def
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
