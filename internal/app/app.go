package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/config"
	"c3loc/go-ingest-server/internal/ingest"
	"c3loc/go-ingest-server/internal/listener"
	"c3loc/go-ingest-server/internal/notify"
	"c3loc/go-ingest-server/internal/proximity"
	"c3loc/go-ingest-server/internal/stats"
	"c3loc/go-ingest-server/internal/store"
)

// App wires together the ingest services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	stats  *stats.Registry

	store  *store.Store
	pool   *ingest.Pool
	server *listener.Server
	mdns   *zeroconf.Server

	ready      atomic.Bool
	listenAddr atomic.Pointer[string]
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, stats: stats.NewRegistry()}
}

// ListenAddr is the bound ingest address once Run has started the listener server.
func (a *App) ListenAddr() string {
	if p := a.listenAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabaseDriver, a.cfg.DatabaseDSN, a.cfg.MaxDBConnections)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	a.store = db
	a.logger.Info("store ready", "dialect", db.Dialect().String())

	verifier, err := codec.NewVerifier(a.cfg.SSRKey)
	if err != nil {
		return err
	}
	if verifier == nil {
		a.logger.Warn("no ssr key configured, secure relay reports will fail authentication")
	}

	var notifier ingest.Notifier
	if a.cfg.MQTTBroker != "" {
		client, err := notify.Dial(a.cfg.MQTTBroker, fmt.Sprintf("c3loc-ingest-%d", os.Getpid()))
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		notifier = notify.NewMQTT(client, a.cfg.MQTTTopicPrefix, a.stats, a.logger)
		a.logger.Info("alarm notifications enabled", "broker", a.cfg.MQTTBroker, "prefix", a.cfg.MQTTTopicPrefix)
	}

	proc := ingest.NewProcessor(db, ingest.Options{
		LAUUID:                a.cfg.LAUUID,
		Verifier:              verifier,
		LastSeenResolution:    a.cfg.LastSeenResolution,
		ListenerTouchInterval: a.cfg.ListenerTouchInterval,
	}, a.stats, notifier, a.logger)
	a.pool = ingest.NewPool(a.cfg.Workers, a.cfg.MaxQueuedPackets, proc.Process, a.stats, a.logger)
	resolver := proximity.New(db, proximity.Options{
		Period:     a.cfg.ProximityPeriod,
		Window:     a.cfg.ProximityWindow,
		Retention:  a.cfg.LogRetention,
		PruneEvery: a.cfg.PruneEvery,
	}, a.stats, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	// Workers outlive gctx so Stop can drain what the sessions already queued.
	if err := a.pool.Start(context.WithoutCancel(gctx)); err != nil {
		return err
	}

	a.server = listener.New(a.pool, a.cfg.MaxFrameSize, a.stats, a.logger)
	serverErrCh, err := a.server.Start(a.cfg.ListenAddress)
	if err != nil {
		_ = a.pool.Stop(a.cfg.ShutdownTimeout)
		return err
	}
	addr := a.server.Addr().String()
	a.listenAddr.Store(&addr)

	if a.cfg.MDNSEnabled {
		if tcp, ok := a.server.Addr().(*net.TCPAddr); ok {
			if err := a.startMDNS(tcp.Port); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
		}
		defer a.stopMDNS()
	}

	var httpServers []*http.Server
	if a.cfg.HTTPPort > 0 {
		mux := a.routes()
		if a.cfg.MetricsPort == 0 || a.cfg.MetricsPort == a.cfg.HTTPPort {
			mux.Handle("/metrics", a.metricsHandler())
		}
		httpServers = append(httpServers, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	if a.cfg.MetricsPort > 0 && a.cfg.MetricsPort != a.cfg.HTTPPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metricsHandler())
		httpServers = append(httpServers, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range httpServers {
		g.Go(func() error {
			a.logger.Info("http server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for err := range serverErrCh {
			return err
		}
		return nil
	})
	g.Go(func() error { return resolver.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range httpServers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
			}
		}
		a.logger.Info("stopping listener server", "sessions", a.server.Sessions())
		if err := a.server.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("listener server stopped")
		if err := a.pool.Stop(a.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("ingest workers: %w", err))
		}
		a.logger.Info("ingest workers stopped", "stats", a.pool.Stats())
		return errors.Join(errs...)
	})

	a.ready.Store(true)
	return g.Wait()
}
