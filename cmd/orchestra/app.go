package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/orchestra/internal/adviser"
	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/expressions"
	"github.com/rendis/orchestra/internal/interrupt"
	"github.com/rendis/orchestra/internal/metrics"
	"github.com/rendis/orchestra/internal/planfile"
	"github.com/rendis/orchestra/internal/restraint"
	"github.com/rendis/orchestra/internal/scheduler"
	"github.com/rendis/orchestra/internal/steps"
	"github.com/rendis/orchestra/internal/store"
	"github.com/rendis/orchestra/internal/streaming"
	"github.com/rendis/orchestra/internal/tracing"
	"github.com/rendis/orchestra/internal/validation"
	"github.com/rendis/orchestra/internal/waiter"
	orchestramcp "github.com/rendis/orchestra/pkg/mcp"
)

// app owns every long-lived component of a running server.
type app struct {
	cfg    Config
	logger *slog.Logger

	store      *store.LibSQLStore
	events     *store.EventLog
	steps      *steps.Registry
	validator  *validation.PlanValidator
	waiter     *waiter.Waiter
	transport  dispatch.Transport
	engine     *engine.Engine
	interrupts *interrupt.Service
	restraints *restraint.Service
	scheduler  *scheduler.Scheduler
	server     *orchestramcp.OrchestraServer
	metrics    *http.Server

	stopTracing func(context.Context) error
}

// newRegistries builds the step and adviser registries shared by the
// server and the validate command.
func newRegistries() (*steps.Registry, *adviser.Registry, *expressions.Engines, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("expression engines: %w", err)
	}
	reg := steps.NewRegistry()
	if err := steps.RegisterBuiltins(reg, engines); err != nil {
		return nil, nil, nil, fmt.Errorf("builtin steps: %w", err)
	}
	return reg, adviser.NewDefaultRegistry(), engines, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.stopTracing, err = tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.store, err = store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.events = store.NewEventLog(a.store)

	reg, advisers, engines, err := newRegistries()
	if err != nil {
		return nil, err
	}
	a.steps = reg
	a.waiter = waiter.New(a.store, logger)
	a.restraints = restraint.NewService(a.store, a.waiter, a.events, logger)
	if err := restraint.RegisterSteps(reg, a.restraints); err != nil {
		return nil, fmt.Errorf("restraint steps: %w", err)
	}
	a.validator, err = validation.NewPlanValidator(validation.Lookups{
		Steps:    reg,
		Advisers: advisers,
		Guards:   engines.CEL,
	})
	if err != nil {
		return nil, fmt.Errorf("plan validator: %w", err)
	}

	a.transport, err = newTransport(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.NewEngine(engine.Deps{
		Store:      a.store,
		Events:     a.events,
		Hub:        streaming.NewMemoryHub(),
		Steps:      reg,
		Advisers:   adviser.NewEvaluator(advisers, engines.CEL),
		Resolver:   expressions.NewResolver(engines.Expr),
		Validator:  a.validator,
		Waiter:     a.waiter,
		Dispatcher: dispatch.NewDispatcher(a.transport, cfg.Dispatch, logger),
		Observers:  []engine.PlanObserver{a.restraints},
		Logger:     logger,
	}, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	a.interrupts = interrupt.NewService(a.store, a.engine, a.events, logger)

	sessions := orchestramcp.NewSessionRegistry()
	a.server = orchestramcp.NewOrchestraServer(orchestramcp.OrchestraServerDeps{
		Engine:     a.engine,
		Interrupts: a.interrupts,
		Restraints: a.restraints,
		Events:     a.events,
		Plans:      planfile.Supplier{Dir: cfg.PlanDir},
		Steps:      reg,
		Sessions:   sessions,
		Logger:     logger,
	})
	a.engine.AddObserver(orchestramcp.NewPlanFinishedNotifier(sessions,
		orchestramcp.NewMCPNotifier(a.server.MCPServer(), sessions)))

	a.scheduler = scheduler.NewScheduler(time.Second, logger)
	if err := scheduler.RegisterMaintenance(a.scheduler, cfg.Scheduler, scheduler.Maintainers{
		Restraints: a.restraints,
		Delays:     a.waiter,
		Interrupts: a.interrupts,
		Plans:      a.engine,
	}); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return a, nil
}

func newTransport(ctx context.Context, cfg Config, logger *slog.Logger) (dispatch.Transport, error) {
	switch cfg.Transport {
	case "", "memory":
		return dispatch.NewMemoryTransport(logger), nil
	case "redis":
		t, err := dispatch.NewRedisTransport(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// run serves MCP on stdio until ctx is cancelled or stdin closes.
func (a *app) run(ctx context.Context) error {
	if n, err := a.interrupts.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupts: %w", err)
	} else if n > 0 {
		a.logger.Info("requeued interrupts", slog.Int("count", n))
	}
	if _, err := a.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover engine: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if src, ok := a.transport.(dispatch.ResultSource); ok {
		go func() {
			if err := src.Consume(ctx, a.engine.HandleTaskResult); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("task result consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if a.cfg.MetricsAddr != "" {
		a.metrics = &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	a.logger.Info("orchestra started",
		slog.String("version", version),
		slog.String("db_path", a.cfg.DBPath),
		slog.String("transport", a.transport.Name()),
	)
	return a.server.Serve(ctx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if err := metrics.WritePrometheus(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// close stops components in reverse order of construction. Nil members
// are skipped so it is safe on a partially built app.
func (a *app) close(ctx context.Context) {
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.engine != nil {
		a.engine.Shutdown()
	}
	if a.transport != nil {
		_ = a.transport.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}
}
