package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/config"
	"github.com/upb/analytics-control-plane/handlers"
	"github.com/upb/analytics-control-plane/internal/observability"
	"github.com/upb/analytics-control-plane/middleware"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/repositories/memory"
	"github.com/upb/analytics-control-plane/repositories/postgres"
	"github.com/upb/analytics-control-plane/services/audit"
	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/services/compiler"
	"github.com/upb/analytics-control-plane/services/execution"
	"github.com/upb/analytics-control-plane/services/governance"
	"github.com/upb/analytics-control-plane/services/pipeline"
	"github.com/upb/analytics-control-plane/services/policy"
)

// Governance is the catalog, rule set and compiler stack. The gateway and the offline
// CLI share it.
type Governance struct {
	Catalogs *catalog.Store
	Rules    *policy.Store
	Policy   *policy.PolicyService
	Compiler *compiler.CompilerService
	Reloader *governance.Reloader
}

// NewGovernance loads the catalog and rule set named by cfg (embedded defaults when the
// paths are empty) and builds the compiler around them.
func NewGovernance(cfg config.GovernanceConfig, logger *zap.Logger) (*Governance, error) {
	catalogs, err := catalog.NewStore(cfg.CatalogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	rules, err := policy.NewStore(cfg.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule set: %w", err)
	}

	var cache *compiler.QueryCache
	if cfg.QueryCacheSize > 0 {
		if cache, err = compiler.NewQueryCache(cfg.QueryCacheSize); err != nil {
			return nil, err
		}
	}
	compilerService := compiler.NewCompilerService(compiler.NewCompiler(compiler.Options{MaxLimit: cfg.MaxLimit}), cache, logger)

	return &Governance{
		Catalogs: catalogs,
		Rules:    rules,
		Policy:   policy.NewPolicyService(rules, policy.NewEngine(cfg.MinGroupSize), logger),
		Compiler: compilerService,
		Reloader: governance.NewReloader(catalogs, rules, compilerService, logger),
	}, nil
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB // nil with the memory store

	RepoFactory  *postgres.RepositoryFactory
	Repositories *repositories.Repositories

	Governance   *Governance
	Executor     *execution.SQLExecutor // nil when compile-only
	Recorder     *audit.Recorder
	Orchestrator *pipeline.Orchestrator

	AuthMiddleware *middleware.AuthMiddleware

	QueryHandler    *handlers.QueryHandler
	EvidenceHandler *handlers.EvidenceHandler
	CatalogHandler  *handlers.CatalogHandler
	AdminHandler    *handlers.AdminHandler
	HealthHandler   *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	gov, err := NewGovernance(cfg.Governance, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize governance: %w", err)
	}
	deps.Governance = gov

	if err := deps.initEvidenceStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize evidence store: %w", err)
	}

	if err := deps.initExecutor(ctx, cfg); err != nil {
		_ = deps.closeStore()
		return nil, fmt.Errorf("failed to initialize analytics engine: %w", err)
	}

	deps.Recorder = audit.NewRecorder(deps.Repositories.Evidence, deps.Repositories.Transactions, audit.Config{
		BufferSize:   cfg.Audit.BufferSize,
		WorkerCount:  cfg.Audit.WorkerCount,
		BatchSize:    cfg.Audit.BatchSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}, logger)
	if err := deps.Recorder.Start(); err != nil {
		_ = deps.closeStore()
		return nil, fmt.Errorf("failed to start evidence recorder: %w", err)
	}

	deps.initPipeline(cfg)
	deps.initHandlers(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("catalog_version", gov.Catalogs.Current().Version()),
		zap.String("ruleset_version", gov.Rules.Current().Version()),
		zap.String("evidence_store", cfg.Evidence.Store),
		zap.String("analytics_engine", cfg.Analytics.LogString()),
	)
	return deps, nil
}

// initEvidenceStore connects the evidence repositories
func (d *Dependencies) initEvidenceStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Evidence.Store == config.StoreMemory {
		d.Repositories = memory.NewStore().Repositories()
		d.Logger.Warn("using the in-memory evidence store, evidence is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg.Evidence.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize evidence schema: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()
	d.Repositories = factory.NewRepositories()
	return nil
}

// initExecutor connects the analytics engine when one is configured
func (d *Dependencies) initExecutor(ctx context.Context, cfg *config.Config) error {
	if !cfg.ExecutionEnabled() {
		d.Logger.Info("no analytics engine configured, running compile-only")
		return nil
	}
	executor, err := execution.Open(ctx, cfg.Analytics.DatabaseURL, execution.PoolConfig{
		MaxOpenConns:    cfg.Analytics.MaxOpenConns,
		MaxIdleConns:    cfg.Analytics.MaxIdleConns,
		ConnMaxLifetime: cfg.Analytics.ConnMaxLifetime,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.Executor = executor
	return nil
}

func (d *Dependencies) initPipeline(cfg *config.Config) {
	pd := pipeline.Deps{
		Snapshots: d.Governance.Reloader,
		Policy:    d.Governance.Policy,
		Compiler:  d.Governance.Compiler,
		Recorder:  d.Recorder,
		Counters:  observability.NewCounters(),
	}
	// A nil *SQLExecutor must not become a non-nil interface.
	if d.Executor != nil {
		pd.Executor = d.Executor
	}
	d.Orchestrator = pipeline.NewOrchestrator(pd, pipeline.Config{
		ExecutionTimeout: cfg.Analytics.ExecutionTimeout,
		Resolve:          catalog.Options{DefaultLimit: cfg.Governance.DefaultLimit},
	}, d.Logger)
}

func (d *Dependencies) initHandlers(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), d.Logger)

	d.QueryHandler = handlers.NewQueryHandler(d.Orchestrator, d.Logger)
	d.EvidenceHandler = handlers.NewEvidenceHandler(d.Repositories.Evidence, d.Logger)
	d.CatalogHandler = handlers.NewCatalogHandler(d.Governance.Catalogs, d.Logger)
	d.AdminHandler = handlers.NewAdminHandler(d.Governance.Reloader, handlers.StatsSources{
		Pipeline: d.Orchestrator.Stats,
		Cache:    d.Governance.Compiler.Stats,
		Recorder: d.Recorder.GetStats,
	}, d.Logger)

	var db *sql.DB
	if d.DB != nil {
		db = d.DB.DB
	}
	d.HealthHandler = handlers.NewHealthHandler(db, func() bool { return d.Recorder.GetStats().Running }, d.Logger)
}

func (d *Dependencies) closeStore() error {
	if d.RepoFactory == nil {
		return nil
	}
	return d.RepoFactory.Close()
}

// Close gracefully shuts down all dependencies. Queued evidence is drained before the
// evidence database is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Recorder != nil {
		if err := d.Recorder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop evidence recorder: %w", err))
		}
	}

	if d.Executor != nil {
		if err := d.Executor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close analytics engine: %w", err))
		}
	}

	if err := d.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	} else if d.RepoFactory != nil {
		d.Logger.Info("database connection closed")
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
