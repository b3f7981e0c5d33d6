// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package destination resolves targets through the mesh control plane's
// Destination gRPC service.
package destination

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	netpb "github.com/linkerd/linkerd2-proxy-api/go/net"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/absmach/meshproxy/pkg/discovery"
	merrors "github.com/absmach/meshproxy/pkg/errors"
	"github.com/absmach/meshproxy/pkg/service"
)

const defaultScheme = "k8s"

// Getter opens Destination.Get streams. pb.DestinationClient implements it.
type Getter interface {
	Get(ctx context.Context, in *pb.GetDestination, opts ...grpc.CallOption) (pb.Destination_GetClient, error)
}

// Config holds destination source configuration.
type Config struct {
	// Scheme is the destination scheme. Defaults to "k8s".
	Scheme string
	// ContextToken identifies the requesting proxy to the control plane.
	ContextToken string
}

// Source is a discovery.Source backed by the Destination API.
type Source struct {
	client Getter
	config Config
}

var _ discovery.Source = (*Source)(nil)

// New creates a new destination source.
func New(client Getter, config Config) *Source {
	if config.Scheme == "" {
		config.Scheme = defaultScheme
	}
	return &Source{client: client, config: config}
}

// Dial connects to the Destination API at addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, pb.DestinationClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial destination %s: %w", merrors.ErrConfig, addr, err)
	}
	return conn, pb.NewDestinationClient(conn), nil
}

// Subscribe implements discovery.Source.
func (s *Source) Subscribe(ctx context.Context, target service.Target) (discovery.Stream, error) {
	client, err := s.client.Get(ctx, &pb.GetDestination{
		Scheme:       s.config.Scheme,
		Path:         target.Addr,
		ContextToken: s.config.ContextToken,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &stream{client: client}, nil
}

type stream struct {
	client pb.Destination_GetClient
}

// Recv implements discovery.Stream. Updates carrying nothing usable are
// skipped.
func (s *stream) Recv() (discovery.Event, error) {
	for {
		upd, err := s.client.Recv()
		if err != nil {
			return discovery.Event{}, mapError(err)
		}

		if add := upd.GetAdd(); add != nil {
			return discovery.Event{Kind: discovery.Add, Endpoints: toEndpoints(add)}, nil
		}
		if rm := upd.GetRemove(); rm != nil {
			ev := discovery.Event{Kind: discovery.Remove}
			for _, a := range rm.GetAddrs() {
				addr, ok := toAddr(a)
				if !ok {
					continue
				}
				ev.Endpoints = append(ev.Endpoints, discovery.Endpoint{Addr: addr})
			}
			return ev, nil
		}
		if upd.GetNoEndpoints() != nil {
			return discovery.Event{Kind: discovery.NoEndpoints}, nil
		}
	}
}

func toEndpoints(set *pb.WeightedAddrSet) []discovery.Endpoint {
	setLabels := set.GetMetricLabels()

	eps := make([]discovery.Endpoint, 0, len(set.GetAddrs()))
	for _, wa := range set.GetAddrs() {
		addr, ok := toAddr(wa.GetAddr())
		if !ok {
			continue
		}

		labels := make(map[string]string, len(setLabels)+len(wa.GetMetricLabels()))
		for k, v := range setLabels {
			labels[k] = v
		}
		for k, v := range wa.GetMetricLabels() {
			labels[k] = v
		}

		ep := discovery.Endpoint{
			Addr:     addr,
			Weight:   wa.GetWeight(),
			Zone:     labels["zone"],
			Labels:   labels,
			Identity: wa.GetTlsIdentity().GetDnsLikeIdentity().GetName(),
		}
		if wa.GetProtocolHint().GetH2() != nil {
			ep.ProtocolHint = discovery.HintH2
		}
		eps = append(eps, ep)
	}

	return eps
}

func toAddr(a *netpb.TcpAddress) (string, bool) {
	var ip net.IP
	switch v := a.GetIp().GetIp().(type) {
	case *netpb.IPAddress_Ipv4:
		ip = make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(ip, v.Ipv4)
	case *netpb.IPAddress_Ipv6:
		ip = make(net.IP, net.IPv6len)
		binary.BigEndian.PutUint64(ip[:8], v.Ipv6.GetFirst())
		binary.BigEndian.PutUint64(ip[8:], v.Ipv6.GetLast())
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.FormatUint(uint64(a.GetPort()), 10)), true
}

func mapError(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", discovery.ErrInvalidTarget, status.Convert(err).Message())
	case codes.Canceled:
		return context.Canceled
	}
	return fmt.Errorf("%w: %w", merrors.ErrDiscovery, err)
}
