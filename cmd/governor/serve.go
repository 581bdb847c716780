package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/helm-governor/pkg/api"
	"github.com/Mindburn-Labs/helm-governor/pkg/auth"
	"github.com/Mindburn-Labs/helm-governor/pkg/config"
	"github.com/Mindburn-Labs/helm-governor/pkg/dedupe"
	"github.com/Mindburn-Labs/helm-governor/pkg/observability"
	"github.com/Mindburn-Labs/helm-governor/pkg/reconcile"
)

// jwtIssuer is the issuer claim on operator tokens.
const jwtIssuer = "helm-governor"

func runServer(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	port := cmd.String("port", "", "API port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *port != "" {
		cfg.Port = *port
	}
	setupLogging(cfg, stderr)
	logger := slog.Default().With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sHELM Governor starting...%s\n", ColorBold+ColorBlue, ColorReset)

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	a, err := openApp(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	limiter := api.NewRateLimiter(cfg.IngestRPS, cfg.IngestBurst)
	validator := auth.NewJWTValidator(cfg.JWTSecret, jwtIssuer)
	if validator == nil {
		logger.Warn("JWT_SECRET not set: admin endpoints accept the operator named in the request")
	}

	server, err := api.NewServer(api.Deps{
		Ingest:      a.ingest,
		Ledger:      a.ledger,
		Executor:    a.exec,
		Supervisor:  a.sup,
		Observer:    a.observer,
		Controls:    a.controls,
		Gaps:        a.gaps,
		Reconciler:  a.reconciler,
		Metrics:     a.metrics.Handler(),
		Admin:       auth.Require(validator),
		IngestLimit: limiter.Middleware,
	})
	if err != nil {
		logger.Error("api init failed", "error", err)
		return 1
	}

	handler := auth.Correlate(
		api.LoggingMiddleware(logger)(
			telemetry.Middleware(server.Routes()),
		),
	)
	apiSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.db.PingContext(r.Context()); err != nil {
			api.WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop stopped", "loop", name, "error", err)
			}
		}()
	}

	background("observer", func(ctx context.Context) error { return a.observer.Run(ctx, cfg.ObserveInterval) })
	background("supervisor", func(ctx context.Context) error { return a.sup.Run(ctx, cfg.ControlInterval) })
	background("dedupe sweeper", dedupe.NewSweeper(a.dedupe, cfg.SweepInterval).Run)
	background("rate limiter cleanup", func(ctx context.Context) error { limiter.RunCleanup(ctx); return nil })
	if a.reconciler != nil && len(cfg.ReconcileSources) > 0 {
		sched := reconcile.NewScheduler(a.reconciler, cfg.ReconcileSources, 2*cfg.ReconcileInterval)
		background("reconciliation", func(ctx context.Context) error { return sched.Run(ctx, cfg.ReconcileInterval) })
	}

	for name, srv := range map[string]*http.Server{"api": apiSrv, "health": healthSrv} {
		name, srv := name, srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server failed", "server", name, "error", err)
				stop()
			}
		}()
	}

	logger.Info("governor ready", "port", cfg.Port, "lite_mode", cfg.LiteMode())
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	wg.Wait()
	return 0
}
