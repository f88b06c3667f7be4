// Package app wires the parley server runtime: config, logging, storage,
// the realtime core and its HTTP surfaces.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"parley/cmd/internal/auth/session"
	conversationapi "parley/cmd/internal/conversation/api"
	"parley/cmd/internal/realtime"
)

// App is the parley server runtime. It owns the backend, the realtime core
// and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	backend   *backend
	telemetry func(context.Context) error
	metrics   *prometheus.Registry

	registry   *realtime.Registry
	dispatcher *realtime.Dispatcher
	ws         *realtime.WSGateway
	api        *conversationapi.Handler

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	telemetry, err := SetupTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		_ = telemetry(ctx)
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		backend:   b,
		telemetry: telemetry,
	}
	if err := a.wire(); err != nil {
		_ = b.Close()
		_ = telemetry(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	var reg prometheus.Registerer
	if a.cfg.MetricsEnabled {
		a.metrics = prometheus.NewRegistry()
		a.metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = a.metrics
	}
	metrics := realtime.NewMetrics(reg)

	tokens, err := session.NewTokenManager(a.cfg.Auth)
	if err != nil {
		return err
	}

	a.registry = realtime.NewRegistry(a.log, metrics)
	gate := realtime.NewGate(a.backend.store)
	a.dispatcher = realtime.NewDispatcher(a.registry, gate, a.backend.store, realtime.DispatcherOptions{
		Logger:  a.log,
		Metrics: metrics,
		Tracer:  otel.Tracer("parley/realtime"),
	})

	ctrl, err := realtime.NewController(realtime.ControllerDeps{
		Verifier:      tokens,
		Directory:     a.backend.dir,
		Registry:      a.registry,
		Gate:          gate,
		Dispatcher:    a.dispatcher,
		Logger:        a.log,
		SendQueueSize: a.cfg.WS.SendQueueSize,
	})
	if err != nil {
		return err
	}
	a.ws = realtime.NewWSGateway(a.log, ctrl, a.cfg.WS)

	a.api, err = conversationapi.NewHandler(a.log, conversationapi.Config{
		Development:  a.cfg.IsDevelopment(),
		MaxBodyBytes: a.cfg.MaxBodyBytes,
	}, ctrl, a.backend.store, a.backend.dir, a.dispatcher)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		cfg:     a.cfg,
		log:     a.log,
		backend: a.backend,
		metrics: a.metrics,
		ws:      a.ws,
		api:     a.api,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithTracing(h, otel.Tracer("parley/http"))
	h = WithRequestLogging(h, a.log)
	a.handler = h
	return nil
}

// Handler exposes the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = a.shutdown()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the server on ln. Shutdown order: stop accepting HTTP, close
// every realtime connection, drain in-flight durable writes, flush telemetry,
// release storage.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.cfg.Store,
		"env", a.cfg.Env,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		a.registry.Close()
		if err := a.dispatcher.Wait(shutdownCtx); err != nil {
			a.log.Error("dispatcher.drain.fail", "err", err)
			errs = append(errs, err)
		}
		if err := a.shutdownWith(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		a.log.Info("server.stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.shutdownWith(ctx)
}

func (a *App) shutdownWith(ctx context.Context) error {
	var errs []error
	if err := a.telemetry(ctx); err != nil {
		a.log.Error("telemetry.shutdown.fail", "err", err)
		errs = append(errs, err)
	}
	if err := a.backend.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
