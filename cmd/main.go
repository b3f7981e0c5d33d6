// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	"github.com/absmach/meshproxy"
	"github.com/absmach/meshproxy/pkg/backoff"
	"github.com/absmach/meshproxy/pkg/balancer"
	"github.com/absmach/meshproxy/pkg/buffer"
	"github.com/absmach/meshproxy/pkg/detect"
	"github.com/absmach/meshproxy/pkg/discovery"
	"github.com/absmach/meshproxy/pkg/discovery/destination"
	"github.com/absmach/meshproxy/pkg/discovery/dns"
	"github.com/absmach/meshproxy/pkg/endpoint"
	"github.com/absmach/meshproxy/pkg/handler"
	"github.com/absmach/meshproxy/pkg/health"
	"github.com/absmach/meshproxy/pkg/identity"
	"github.com/absmach/meshproxy/pkg/metrics"
	"github.com/absmach/meshproxy/pkg/proxy"
	"github.com/absmach/meshproxy/pkg/ratelimit"
	"github.com/absmach/meshproxy/pkg/retry"
	"github.com/absmach/meshproxy/pkg/router"
	"github.com/absmach/meshproxy/pkg/server/tcp"
	"github.com/absmach/meshproxy/pkg/service"
	"github.com/absmach/meshproxy/pkg/tap"
)

const envPrefix = "MESHPROXY_"

func main() {
	// .env file is optional
	_ = godotenv.Load()

	cfg, err := meshproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("", prometheus.DefaultRegisterer)
	checker := health.NewChecker(5*time.Second, nil)

	mode, _ := cfg.Mode()
	var handshaker *identity.Handshaker
	var provider *identity.FileProvider
	if mode != identity.Disabled {
		provider, err = identity.NewFileProvider(identity.FileConfig{
			Dir:    cfg.IdentityDir,
			Name:   cfg.IdentityName,
			Logger: logger,
			OnReload: func(err error) {
				m.ObserveReload(provider.Expiry(), err)
			},
		})
		if err != nil {
			logger.Error("failed to load identity", slog.String("error", err.Error()))
			os.Exit(1)
		}
		m.ObserveReload(provider.Expiry(), nil)
		checker.Register("identity", health.Expiry(provider.Expiry, time.Minute, nil))
		g.Go(func() error {
			return provider.Watch(ctx)
		})
		handshaker = &identity.Handshaker{Provider: provider, Mode: mode, Timeout: cfg.HandshakeTimeout}
	}

	source, closeSource, err := newSource(cfg, checker)
	if err != nil {
		logger.Error("failed to configure discovery", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeSource()

	bo := backoff.Config{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: cfg.BackoffJitter}
	outbound := proxy.StackConfig{
		Source:    source,
		Discovery: discovery.Config{Backoff: bo, StaleTimeout: cfg.StaleTimeout, Logger: logger},
		Balancer: balancer.Config{
			Decay:           cfg.EWMADecay,
			DefaultEstimate: cfg.DefaultEstimate,
			FailFast:        cfg.FailFast,
			Logger:          logger,
		},
		Endpoint: endpoint.Config{
			Connector:      &endpoint.Connector{Timeout: cfg.ConnectTimeout, Handshaker: handshaker, Logger: logger},
			Backoff:        bo,
			MaxConcurrency: cfg.MaxConcurrency,
			Logger:         logger,
		},
		Buffer: buffer.Config{Capacity: cfg.BufferCapacity, WaitTimeout: cfg.BufferWaitTimeout},
		Retry:  retry.Config{MaxAttempts: cfg.RetryMaxAttempts, Logger: logger},
		Budget: retry.BudgetConfig{
			Ratio:               cfg.RetryRatio,
			Window:              cfg.RetryWindow,
			MinRetriesPerSecond: cfg.RetryMinPerSec,
		},
		MaxBodyBytes: cfg.RetryMaxBody,
		Identity: func(t service.Target) identity.Mode {
			if cfg.RequiresIdentity(t.Addr) {
				return identity.Required
			}
			return mode
		},
		Metrics: m,
	}

	// Inbound traffic goes to the local workload as addressed, in plaintext.
	inbound := outbound
	inbound.Source = discovery.Passthrough{}
	inbound.Endpoint.Connector = &endpoint.Connector{Timeout: cfg.ConnectTimeout, Logger: logger}
	inbound.Identity = nil

	rc := router.Config{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
		OnBuild:       m.ObserveBuild,
		OnEvict:       m.ObserveEvict,
	}
	outHTTP := router.New(proxy.HTTPStack(outbound), rc)
	outOpaque := router.New(proxy.OpaqueStack(outbound), rc)
	inHTTP := router.New(proxy.HTTPStack(inbound), rc)
	inOpaque := router.New(proxy.OpaqueStack(inbound), rc)
	defer func() {
		if err := multierr.Combine(outHTTP.Close(), outOpaque.Close(), inHTTP.Close(), inOpaque.Close()); err != nil {
			logger.Warn("failed to close routes", slog.String("error", err.Error()))
		}
	}()

	tp := tap.New(tap.Config{Identity: cfg.TapIdentity, Logger: logger})
	var chain handler.Chain
	if cfg.AcceptRate > 0 {
		limiter, err := ratelimit.NewLimiter(ratelimit.Config{
			Rate:     cfg.AcceptRate,
			Burst:    cfg.AcceptBurst,
			OnReject: m.ObserveReject,
		})
		if err != nil {
			logger.Error("failed to create rate limiter", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer limiter.Close()
		chain = append(chain, limiter)
	}
	chain = append(chain, metrics.NewHandler(m), tp, handler.NewLog(logger))

	dc := detect.Config{Timeout: cfg.DetectTimeout}
	inProxy, err := proxy.New(proxy.Config{
		Direction:       proxy.Inbound,
		Detect:          dc,
		Handshaker:      handshaker,
		ForwardHost:     cfg.ForwardHost,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	}, inHTTP, inOpaque, chain)
	if err != nil {
		logger.Error("failed to create inbound proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}
	outProxy, err := proxy.New(proxy.Config{
		Direction:       proxy.Outbound,
		Detect:          dc,
		ResponseTimeout: cfg.ResponseTimeout,
		Logger:          logger,
	}, outHTTP, outOpaque, chain)
	if err != nil {
		logger.Error("failed to create outbound proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	startServer(ctx, g, tcp.Config{
		Address:         cfg.InboundAddress,
		Direction:       string(proxy.Inbound),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, inProxy, chain)
	startServer(ctx, g, tcp.Config{
		Address:         cfg.OutboundAddress,
		Direction:       string(proxy.Outbound),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, outProxy, chain)

	admin := newAdminServer(cfg, checker, tp, provider)
	g.Go(func() error {
		return serveAdmin(ctx, admin, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("meshproxy terminated with error: %s", err))
	} else {
		logger.Info("meshproxy stopped")
	}
}

func startServer(ctx context.Context, g *errgroup.Group, cfg tcp.Config, p *proxy.Proxy, h handler.Handler) {
	server := tcp.New(cfg, p, h)
	g.Go(func() error {
		return server.Listen(ctx)
	})
	cfg.Logger.Info("proxy started",
		slog.String("direction", cfg.Direction),
		slog.String("address", cfg.Address))
}

// newSource resolves statically configured authorities first, then names
// under the DNS suffixes, then everything else through the destination
// controller. Without a controller remaining targets pass through.
func newSource(cfg meshproxy.Config, checker *health.Checker) (discovery.Source, func(), error) {
	static, err := cfg.Static()
	if err != nil {
		return nil, nil, err
	}
	routes := discovery.Selector{{
		Match: func(t service.Target) bool {
			_, ok := static[t.Addr]
			return ok
		},
		Source: static,
	}}

	if cfg.DNSServer != "" {
		src, err := dns.New(nil, dns.Config{Server: cfg.DNSServer, Suffixes: cfg.DNSSuffixes})
		if err != nil {
			return nil, nil, err
		}
		routes = append(routes, discovery.Route{
			Match:  func(t service.Target) bool { return src.Matches(t.Host()) },
			Source: src,
		})
	}

	closeSource := func() {}
	if cfg.DestinationAddress != "" {
		conn, client, err := destination.Dial(cfg.DestinationAddress)
		if err != nil {
			return nil, nil, err
		}
		closeSource = func() { conn.Close() }
		checker.RegisterOptional("destination", connState(conn))
		routes = append(routes, discovery.Route{
			Source: destination.New(client, destination.Config{ContextToken: cfg.DestinationContext}),
		})
	}

	routes = append(routes, discovery.Route{Source: discovery.Passthrough{}})
	return routes, closeSource, nil
}

func connState(conn *grpc.ClientConn) health.CheckFunc {
	return func(context.Context) error {
		switch state := conn.GetState(); state {
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("destination controller connection is %s", state)
		default:
			return nil
		}
	}
}

func newAdminServer(cfg meshproxy.Config, checker *health.Checker, tp *tap.Tap, provider *identity.FileProvider) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.Handle("/tap", tp)

	srv := &http.Server{
		Addr:              cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// The tap identity is checked against client certificates, so the
	// admin server is served over TLS whenever one is configured.
	if cfg.TapIdentity != "" && provider != nil {
		srv.TLSConfig = identity.ServerConfig(provider, identity.Opportunistic)
	}
	return srv
}

func serveAdmin(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server started",
			slog.String("address", srv.Addr),
			slog.Bool("tls", srv.TLSConfig != nil))
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
