// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package identity provides the local workload identity and the mutual TLS
// handshake that proves it to peers.
//
// The certificate, key and trust roots are consumed from files; issuing
// them is someone else's job. A FileProvider picks up rotated credentials
// from disk and every handshake reads the current ones.
package identity

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	merrors "github.com/absmach/meshproxy/pkg/errors"
)

// Credential file names inside the identity directory.
const (
	CertFile  = "tls.crt"
	KeyFile   = "tls.key"
	RootsFile = "roots.pem"
)

// Mode controls whether the identity handshake is used.
type Mode int

const (
	Disabled Mode = iota
	Opportunistic
	Required
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case Opportunistic:
		return "opportunistic"
	case Required:
		return "required"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "disabled":
		return Disabled, nil
	case "opportunistic":
		return Opportunistic, nil
	case "required":
		return Required, nil
	default:
		return Disabled, fmt.Errorf("%w: unknown identity mode %q", merrors.ErrConfig, s)
	}
}

// Provider supplies the local identity.
type Provider interface {
	// Certificate returns the current certificate chain and key.
	Certificate() (*tls.Certificate, error)
	// Roots returns the trust roots peers are verified against.
	Roots() *x509.CertPool
	// Name returns the local identity name.
	Name() string
}

// FileConfig configures a FileProvider.
type FileConfig struct {
	// Dir holds CertFile, KeyFile and RootsFile.
	Dir string
	// Name is the identity the certificate must carry as a DNS SAN.
	Name string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// OnReload observes every reload attempt.
	OnReload func(err error)
}

// FileProvider loads credentials from a directory.
type FileProvider struct {
	config FileConfig

	mu    sync.RWMutex
	cert  *tls.Certificate
	roots *x509.CertPool
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider loads and validates the credentials in config.Dir.
func NewFileProvider(config FileConfig) (*FileProvider, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("%w: identity directory is required", merrors.ErrConfig)
	}
	if config.Name == "" {
		return nil, fmt.Errorf("%w: identity name is required", merrors.ErrConfig)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	p := &FileProvider{config: config}
	if err := p.Load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads the credentials from disk. The leaf must chain to the roots
// and carry the configured name. On failure the current credentials are
// kept.
func (p *FileProvider) Load() error {
	certPEM, err := os.ReadFile(filepath.Join(p.config.Dir, CertFile))
	if err != nil {
		return fmt.Errorf("%w: %w", merrors.ErrConfig, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(p.config.Dir, KeyFile))
	if err != nil {
		return fmt.Errorf("%w: %w", merrors.ErrConfig, err)
	}
	rootsPEM, err := os.ReadFile(filepath.Join(p.config.Dir, RootsFile))
	if err != nil {
		return fmt.Errorf("%w: %w", merrors.ErrConfig, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("%w: invalid key pair: %w", merrors.ErrConfig, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootsPEM) {
		return fmt.Errorf("%w: no trust roots in %s", merrors.ErrConfig, RootsFile)
	}

	chain := make([]*x509.Certificate, 0, len(cert.Certificate))
	for _, raw := range cert.Certificate {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("%w: invalid certificate: %w", merrors.ErrConfig, err)
		}
		chain = append(chain, c)
	}
	if err := verifyChain(chain, roots, p.config.Name); err != nil {
		return fmt.Errorf("%w: %w", merrors.ErrConfig, err)
	}
	cert.Leaf = chain[0]

	p.mu.Lock()
	p.cert = &cert
	p.roots = roots
	p.mu.Unlock()

	return nil
}

// Certificate implements Provider.
func (p *FileProvider) Certificate() (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, fmt.Errorf("%w: no certificate loaded", merrors.ErrConfig)
	}
	return p.cert, nil
}

// Roots implements Provider.
func (p *FileProvider) Roots() *x509.CertPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roots
}

// Name implements Provider.
func (p *FileProvider) Name() string {
	return p.config.Name
}

// Expiry returns when the current certificate expires.
func (p *FileProvider) Expiry() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil || p.cert.Leaf == nil {
		return time.Time{}
	}
	return p.cert.Leaf.NotAfter
}

// Watch reloads the credentials whenever the directory changes. It blocks
// until ctx is done or the watcher fails.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(p.config.Dir); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			err := p.Load()
			if p.config.OnReload != nil {
				p.config.OnReload(err)
			}
			if err != nil {
				p.config.Logger.Warn("failed to reload identity",
					slog.String("dir", p.config.Dir),
					slog.String("error", err.Error()))
				continue
			}
			p.config.Logger.Info("reloaded identity",
				slog.String("name", p.config.Name),
				slog.Time("expiry", p.Expiry()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.config.Logger.Warn("identity watcher error", slog.String("error", err.Error()))
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// verifyChain verifies the leaf of chain against roots and, when name is
// not empty, that the leaf carries name as a DNS SAN.
func verifyChain(chain []*x509.Certificate, roots *x509.CertPool, name string) error {
	if len(chain) == 0 {
		return fmt.Errorf("no certificate presented")
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       name,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}
