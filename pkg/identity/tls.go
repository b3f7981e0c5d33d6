// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// ALPN protocols offered by both ends.
var nextProtos = []string{"h2", "http/1.1"}

var errNoPeerCertificate = errors.New("peer presented no certificate")

// ClientConfig returns a TLS client configuration presenting the identity
// of p. The server must present expected; an empty expected accepts any
// identity issued by the roots.
func ClientConfig(p Provider, expected string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: nextProtos,
		ServerName: expected,
		// Chains are verified against the current roots in
		// VerifyPeerCertificate.
		InsecureSkipVerify: true,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return p.Certificate()
		},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeer(p, expected, rawCerts)
		},
	}
}

// ServerConfig returns a TLS server configuration presenting the identity
// of p. Under Required the client must present a valid identity; otherwise
// a client certificate is verified only when presented.
func ServerConfig(p Provider, mode Mode) *tls.Config {
	clientAuth := tls.RequestClientCert
	if mode == Required {
		clientAuth = tls.RequireAnyClientCert
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: nextProtos,
		ClientAuth: clientAuth,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return p.Certificate()
		},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 && mode != Required {
				return nil
			}
			return verifyPeer(p, "", rawCerts)
		},
	}
}

func verifyPeer(p Provider, expected string, rawCerts [][]byte) error {
	if len(rawCerts) == 0 {
		return errNoPeerCertificate
	}
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		chain = append(chain, c)
	}
	return verifyChain(chain, p.Roots(), expected)
}

// PeerIdentity returns the identity presented by the peer of state.
func PeerIdentity(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 || len(state.PeerCertificates[0].DNSNames) == 0 {
		return ""
	}
	return state.PeerCertificates[0].DNSNames[0]
}

// Handshaker performs identity handshakes under their own timeout.
type Handshaker struct {
	Provider Provider
	Mode     Mode
	Timeout  time.Duration
}

// Client performs the client side of the handshake on conn, requiring the
// server to present expected. Failures wrap ErrHandshakeFailed. conn is
// not closed on failure.
func (h Handshaker) Client(ctx context.Context, conn net.Conn, expected string) (*tls.Conn, error) {
	tc := tls.Client(conn, ClientConfig(h.Provider, expected))
	if err := h.handshake(ctx, tc); err != nil {
		return nil, merrors.New("handshake", expected, conn.RemoteAddr().String(), err)
	}
	return tc, nil
}

// Server performs the server side of the handshake on conn and returns
// the peer identity, empty when the client presented none.
func (h Handshaker) Server(ctx context.Context, conn net.Conn) (*tls.Conn, string, error) {
	tc := tls.Server(conn, ServerConfig(h.Provider, h.Mode))
	if err := h.handshake(ctx, tc); err != nil {
		return nil, "", merrors.New("handshake", h.Provider.Name(), conn.RemoteAddr().String(), err)
	}
	return tc, PeerIdentity(tc.ConnectionState()), nil
}

func (h Handshaker) handshake(ctx context.Context, tc *tls.Conn) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := tc.HandshakeContext(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %w: %w", merrors.ErrHandshakeFailed, merrors.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", merrors.ErrHandshakeFailed, err)
	}
	return nil
}
