package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/deeprun/config"
	"github.com/c360studio/deeprun/engine"
	"github.com/c360studio/deeprun/filesession"
	"github.com/c360studio/deeprun/jobqueue"
	"github.com/c360studio/deeprun/planner"
	"github.com/c360studio/deeprun/runlock"
	"github.com/c360studio/deeprun/store"
	"github.com/c360studio/deeprun/telemetry"
	"github.com/c360studio/deeprun/vcs"
)

// App wires every component package behind the CLI, grounded on the
// teacher's cmd/semspec App: one struct holding the long-lived
// connections, a Start that brings them up in dependency order, and a
// Shutdown that tears them back down.
type App struct {
	cfg config.NormalizedExecutionConfig
	dsn string

	store      *store.Store
	queuePool  *pgxpool.Pool
	queue      *jobqueue.Queue
	lock       *runlock.Lock
	recorder   *telemetry.Recorder
	engine     *engine.Engine
	logger     *slog.Logger
	metricsReg *prometheus.Registry
}

// NewApp constructs an App from an unconnected config; Start performs the
// actual dial-out and resolves the effective config once projectRoot is
// known (a project's own deeprun.yaml, if present, must be layered in
// before env).
func NewApp(dsn string, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: config.BuildFallback(), dsn: dsn, logger: logger}
}

// Start connects to Postgres (twice: once for store.Store's pooled sqlx
// handle, once more for jobqueue.Queue, which drives its claims off a raw
// pgxpool.Pool that store.Store does not expose), wires the run lock and
// learning recorder, and assembles the Engine.
func (a *App) Start(ctx context.Context, projectRoot string) error {
	if a.dsn == "" {
		return fmt.Errorf("no --dsn given and DEEPRUN_DSN is unset")
	}

	cfg, err := config.BuildFallbackFrom(filepath.Join(projectRoot, config.ProjectConfigFile))
	if err != nil {
		return fmt.Errorf("build execution config: %w", err)
	}
	a.cfg = cfg

	s, err := store.Open(ctx, a.dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = s

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	pool, err := pgxpool.New(ctx, a.dsn)
	if err != nil {
		return fmt.Errorf("open jobqueue pool: %w", err)
	}
	a.queuePool = pool
	a.metricsReg = prometheus.NewRegistry()
	a.queue = jobqueue.NewWithRegistry(pool, a.logger, 4, 5*time.Minute, a.metricsReg)

	a.lock = runlock.New(s, a.cfg.RunLockStaleSeconds)

	a.recorder = telemetry.NewRecorder(projectRoot, s, a.logger)
	if natsURL := os.Getenv("DEEPRUN_NATS_URL"); natsURL != "" {
		if err := a.recorder.ConnectNATS(natsURL); err != nil {
			a.logger.Warn("learning telemetry NATS connect failed, continuing without it", "error", err)
		}
	}

	registry := planner.NewDefaultModelRegistry()
	facade := planner.New(planner.NewStaticProvider("unconfigured"), registry, a.logger)

	a.engine = engine.New(
		s,
		a.lock,
		func(worktreePath string) engine.FileSession {
			limits := a.cfg.FileSession
			return engine.WrapSession(filesession.Begin(worktreePath, limits, nil))
		},
		noopExecutor{},
		noopLightValidator{},
		noopHeavyValidator{},
		facade,
		a.recorder,
		engineConfigFrom(a.cfg),
		time.Now,
		a.logger,
	)

	return nil
}

// Shutdown releases every connection Start opened.
func (a *App) Shutdown() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.queuePool != nil {
		a.queuePool.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// ServeMetrics starts a best-effort HTTP listener exposing the jobqueue's
// Prometheus counters at /metrics. A listen failure (e.g. port already
// bound) is logged and never fatal to the worker loop it runs alongside.
func (a *App) ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("metrics listener stopped", "addr", addr, "error", err)
		}
	}()
}

// Repo opens (or, on first use, initializes) the git repository a run's
// worktrees attach to.
func (a *App) Repo(ctx context.Context, repoRoot string) (*vcs.Repository, error) {
	return vcs.Init(ctx, repoRoot)
}

func engineConfigFrom(cfg config.NormalizedExecutionConfig) engine.Config {
	return engine.Config{
		LightValidationMode:        string(cfg.LightValidationMode),
		HeavyValidationMode:        string(cfg.HeavyValidationMode),
		CorrectionPolicyMode:       policyModeFrom(cfg.CorrectionPolicyMode),
		CorrectionConvergenceMode:  string(cfg.CorrectionConvergenceMode),
		GoalMaxCorrections:         cfg.GoalMaxCorrections,
		OptimizationMaxCorrections: cfg.OptimizationMaxCorrections,
		MaxHeavyCorrectionAttempts: cfg.OptimizationMaxCorrections,
		FileLimits: correctionLimitsFrom(cfg),
	}
}
