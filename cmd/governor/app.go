package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/config"
	"github.com/Mindburn-Labs/helm-governor/pkg/controller"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
	"github.com/Mindburn-Labs/helm-governor/pkg/database"
	"github.com/Mindburn-Labs/helm-governor/pkg/dedupe"
	"github.com/Mindburn-Labs/helm-governor/pkg/ingest"
	"github.com/Mindburn-Labs/helm-governor/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
	"github.com/Mindburn-Labs/helm-governor/pkg/metrics"
	"github.com/Mindburn-Labs/helm-governor/pkg/observer"
	"github.com/Mindburn-Labs/helm-governor/pkg/reconcile"
	"github.com/Mindburn-Labs/helm-governor/pkg/risk"
)

// activityWindow is how far back the ledger activity source looks.
const activityWindow = 15 * time.Minute

// app holds every wired component. Admin commands and the server share it.
type app struct {
	cfg *config.Config
	db  *database.DB

	canon    *canonicalize.Canonicalizer
	ledger   *ledger.Store
	dedupe   dedupe.Store
	sqlDedup *dedupe.SQLStore
	redis    *dedupe.RedisStore
	controls controlstate.Store
	history  *observer.SQLHistory
	gaps     *reconcile.GapStore

	ctl      *controller.Controller
	exec     *killswitch.Executor
	observer *observer.Observer
	sup      *killswitch.Supervisor
	ingest   *ingest.Service
	metrics  *metrics.Registry

	reconciler *reconcile.Job
}

// openApp connects storage, creates schemas and wires the components.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.LiteMode() {
		slog.Info("DATABASE_URL not set, running in lite mode", "path", cfg.DatabaseTarget())
	}
	db, err := database.Open(ctx, cfg.DatabaseTarget())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.ledger = ledger.NewStore(a.db)
	a.sqlDedup = dedupe.NewSQLStore(a.db, cfg.DedupeWindow)
	sqlControls := controlstate.NewSQLStore(a.db)
	a.controls = sqlControls
	a.history = observer.NewSQLHistory(a.db)
	a.gaps = reconcile.NewGapStore(a.db)

	for name, init := range map[string]func(context.Context) error{
		"ledger":        a.ledger.Init,
		"dedupe":        a.sqlDedup.Init,
		"control state": sqlControls.Init,
		"state history": a.history.Init,
		"gaps":          a.gaps.Init,
	} {
		if err := init(ctx); err != nil {
			return fmt.Errorf("init %s schema: %w", name, err)
		}
	}

	if a.canon, err = canonicalize.New(); err != nil {
		return err
	}

	rules := risk.DefaultRules()
	if cfg.RiskRulesFile != "" {
		if rules, err = risk.LoadRules(cfg.RiskRulesFile); err != nil {
			return err
		}
	}
	scorer, err := risk.NewScorer(rules)
	if err != nil {
		return err
	}

	tuning := controller.DefaultTuning()
	if cfg.TuningFile != "" {
		if tuning, err = controller.LoadTuning(cfg.TuningFile); err != nil {
			return err
		}
	}
	if a.ctl, err = controller.New(tuning); err != nil {
		return err
	}

	a.exec = killswitch.NewExecutor(a.controls, killswitch.Policy{
		Confirmation:  cfg.KillConfirmation,
		HaltIngestion: cfg.FreezeHaltsIngestion,
	})
	source := observer.NewLedgerActivitySource(a.ledger, activityWindow, 0)
	a.observer = observer.New(source, a.history)
	a.sup = killswitch.NewSupervisor(a.exec, a.observer, a.ctl, a.controls).WithRecorder(a.metrics)

	var admitter ingest.Admitter
	if cfg.RedisAddr != "" {
		a.redis = dedupe.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupeWindow)
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.dedupe = a.redis
		admitter = ingest.NewChainAdmitter(a.redis, a.ledger)
	} else {
		a.dedupe = a.sqlDedup
		admitter = ingest.NewTxAdmitter(a.sqlDedup, a.ledger)
	}
	a.ingest = ingest.NewService(a.canon, admitter,
		ingest.WithGate(a.exec),
		ingest.WithScorer(scorer),
		ingest.WithRecorder(a.metrics),
	)

	if cfg.ReconcileEndpoint != "" {
		src := reconcile.NewHTTPSource(cfg.ReconcileEndpoint)
		a.reconciler = reconcile.NewJob(a.ledger, a.canon, a.gaps, src).WithRecorder(a.metrics)
	}
	return a.metrics.WatchControl(a.controls, a.observer, a.ctl)
}

func (a *app) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	return a.db.Close()
}

// withApp loads configuration, opens the app and runs fn. It reports errors to
// stderr and returns the exit code.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(cfg, stderr)

	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	if err := fn(ctx, a); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h).With("service", "helm-governor"))
}
