// Package governor is the public API for embedding the amendment governance
// server.
//
// The server watches task outcomes of governed agents, proposes amendments
// to their instructions, routes each proposal through safety checks and
// human approval, and reverts amendments that fail their evaluation window:
//
//	app, err := governor.New(
//	    governor.WithVersion(version),
//	    governor.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/cognalith/governor/api"
	"github.com/cognalith/governor/internal/approval"
	"github.com/cognalith/governor/internal/config"
	"github.com/cognalith/governor/internal/knowledge"
	"github.com/cognalith/governor/internal/mcp"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/patterns"
	"github.com/cognalith/governor/internal/ratelimit"
	"github.com/cognalith/governor/internal/scheduler"
	"github.com/cognalith/governor/internal/server"
	govsvc "github.com/cognalith/governor/internal/service/governor"
	"github.com/cognalith/governor/internal/storage"
	"github.com/cognalith/governor/internal/storage/sqlite"
	"github.com/cognalith/governor/internal/telemetry"
	"github.com/cognalith/governor/migrations"
)

const (
	shutdownHTTPTimeout      = 15 * time.Second
	shutdownSchedulerTimeout = 30 * time.Second
)

// App is the governor server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	svc          *govsvc.Service
	listener     *knowledge.Listener // nil without a notify connection
	sched        *scheduler.Scheduler
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the governor. It opens the store, applies migrations,
// bootstraps the configured agents and wires every subsystem. It does NOT
// start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("governor starting", "version", version, "port", cfg.Port, "store", cfg.StoreDriver, "approval_mode", cfg.ApprovalMode)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, db, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	fail := func(err error) (*App, error) {
		store.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	approvalMode, err := approval.ParseMode(cfg.ApprovalMode)
	if err != nil {
		return fail(err)
	}
	cacheMode, err := knowledge.ParseMode(cfg.KnowledgeCacheMode)
	if err != nil {
		return fail(err)
	}

	assembly := govsvc.Assembly{
		ApprovalMode: approvalMode,
		CacheMode:    cacheMode,
		Contradicts:  o.contradictions,
		Detector: patterns.Options{
			LookbackTasks: cfg.DetectorLookbackTasks,
			LookbackDays:  cfg.DetectorLookbackDays,
			MinSample:     cfg.DetectorMinSample,
		},
		Metrics: telemetry.NewGovernance(nil),
		Logger:  logger,
	}
	// Cache invalidations are broadcast only over a dedicated notify
	// connection. A typed-nil *storage.DB must not reach the interface.
	if db != nil && db.HasNotify() {
		assembly.Notifier = db
	}
	svc, kc := govsvc.Assemble(store, assembly)

	if err := svc.Bootstrap(context.Background(), agentsFromConfig(cfg)); err != nil {
		return fail(fmt.Errorf("bootstrap agents: %w", err))
	}

	var listener *knowledge.Listener
	if assembly.Notifier != nil {
		listener = knowledge.NewListener(db, kc, logger)
	} else {
		logger.Info("knowledge: cross-instance invalidation disabled (no notify connection)")
	}

	var jobs []scheduler.Job
	if cfg.SchedulerEnabled {
		jobs = scheduler.GovernanceJobs(svc, cfg.ReviewInterval, cfg.SweepInterval)
	} else {
		logger.Info("scheduler: disabled")
	}
	sched := scheduler.New(logger, jobs...)

	limiter := ratelimit.NewMemoryLimiter(cfg.TriggerRateLimit, cfg.TriggerBurst)
	logger.Info("rate limiting: manual triggers", "rps", cfg.TriggerRateLimit, "burst", cfg.TriggerBurst)

	mcpSrv := mcp.New(svc, logger, version)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		svc:          svc,
		listener:     listener,
		sched:        sched,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.listener != nil {
		go a.listener.Start(ctx)
	}
	a.sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Review runs one review cycle over every agent without starting the
// server. Used by the one-shot CLI commands.
func (a *App) Review(ctx context.Context) ([]model.BatchItem, error) {
	results, err := a.svc.ReviewCycle(ctx)
	if err != nil {
		return nil, err
	}
	return model.BatchItems(results), nil
}

// Sweep reverts every amendment whose evaluation window has expired.
func (a *App) Sweep(ctx context.Context) ([]model.Reversion, error) {
	return a.svc.Sweep(ctx)
}

// Shutdown stops in order: (1) stop accepting HTTP requests and drain
// in-flight ones, (2) stop the scheduler and wait for running jobs. It then
// closes the store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("governor shutting down")

	var errs []error

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	httpCancel()

	// Phase 2: scheduler drain.
	schedCtx, schedCancel := context.WithTimeout(ctx, shutdownSchedulerTimeout)
	a.sched.Stop(schedCtx)
	schedCancel()

	a.Close(ctx)
	a.logger.Info("governor stopped")
	return errors.Join(errs...)
}

// Close releases the store, the limiter and the OTEL providers without
// touching the HTTP server. One-shot commands call Close instead of Run.
func (a *App) Close(ctx context.Context) {
	_ = a.limiter.Close()
	_ = a.otelShutdown(ctx)
	a.store.Close(ctx)
}

// Migrate applies the embedded PostgreSQL migrations and returns. The
// sqlite store applies its schema on open, so Migrate only opens and
// closes it.
func Migrate(ctx context.Context, opts ...Option) error {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	_ = godotenv.Load()

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	store, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	store.Close(ctx)
	logger.Info("migrations applied", "store", cfg.StoreDriver)
	return nil
}

// loadConfig reads configuration from the environment, then applies option
// overrides and validates the result.
func loadConfig(o resolvedOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storeDriver != "" {
		cfg.StoreDriver = o.storeDriver
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.approvalMode != "" {
		cfg.ApprovalMode = o.approvalMode
	}
	if o.disableScheduler {
		cfg.SchedulerEnabled = false
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore opens the configured store. For postgres it also applies the
// embedded migrations and returns the *storage.DB so callers can use its
// notify connection; for sqlite the second return value is nil.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.StoreTimeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, cfg.StoreTimeout, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return db, db, nil
	}
}

func agentsFromConfig(cfg config.Config) []model.Agent {
	defs := cfg.AgentDefinitions()
	out := make([]model.Agent, len(defs))
	for i, d := range defs {
		out[i] = model.Agent{
			Role:              d.Role,
			DisplayName:       d.DisplayName,
			BaseKnowledge:     d.BaseKnowledge,
			StandardKnowledge: d.StandardKnowledge,
		}
	}
	return out
}
