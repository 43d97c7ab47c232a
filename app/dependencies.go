package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/traffic-control-plane/auth"
	"github.com/upb/traffic-control-plane/config"
	"github.com/upb/traffic-control-plane/handlers"
	"github.com/upb/traffic-control-plane/internal/clock"
	"github.com/upb/traffic-control-plane/internal/observability"
	"github.com/upb/traffic-control-plane/middleware"
	"github.com/upb/traffic-control-plane/repositories"
	"github.com/upb/traffic-control-plane/repositories/postgres"
	"github.com/upb/traffic-control-plane/services/audit"
	"github.com/upb/traffic-control-plane/services/circuit"
	"github.com/upb/traffic-control-plane/services/controlplane"
	"github.com/upb/traffic-control-plane/services/flags"
	"github.com/upb/traffic-control-plane/services/ratelimit"
	"go.uber.org/zap"
)

// metricsSink is everything the components and HTTP layer report to
type metricsSink interface {
	ratelimit.Metrics
	circuit.Metrics
	flags.Metrics
	audit.Metrics
	middleware.HTTPRecorder
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *observability.Metrics // nil when metrics are disabled
	Policy  *config.Policy

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	AuditEvents repositories.AuditRepository
	TxManager   repositories.TransactionManager

	// Control plane components
	Limiter      *ratelimit.Limiter
	Breakers     *circuit.Registry
	Flags        *flags.Store
	Pipeline     *audit.Pipeline
	ControlPlane *controlplane.Service

	// HTTP
	AuthMiddleware      *middleware.AuthMiddleware
	RateLimitMiddleware *middleware.RateLimitMiddleware
	HealthHandler       *handlers.HealthHandler
	FlagHandler         *handlers.FlagHandler
	AuditHandler        *handlers.AuditHandler

	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.wire(cfg); err != nil {
		_ = deps.RepoFactory.Close()
		return nil, err
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// NewDependenciesFromDB wires the application over an already opened pool.
// The audit schema is not created.
func NewDependenciesFromDB(cfg *config.Config, db *postgres.DB, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		RepoFactory: postgres.NewRepositoryFactoryFromDB(db, nil, logger),
	}

	if err := deps.wire(cfg); err != nil {
		return nil, err
	}
	return deps, nil
}

func (d *Dependencies) wire(cfg *config.Config) error {
	if err := d.initPolicy(cfg); err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	d.initRepositories()

	sink := d.initMetrics(cfg)
	if err := d.initComponents(cfg, sink); err != nil {
		return fmt.Errorf("failed to initialize control plane: %w", err)
	}

	d.initAuth(cfg)
	d.initHandlers()
	return nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	// Initialize the audit schema on whichever database holds it
	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return nil
}

func (d *Dependencies) initPolicy(cfg *config.Config) error {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	d.Policy = policy

	d.Logger.Info("policy loaded",
		zap.String("file", cfg.PolicyFile),
		zap.Int("routes", len(policy.RateLimits.Routes)),
		zap.Int("breakers", len(policy.Breakers)),
		zap.Int("flags", len(policy.Flags)))
	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	repos := d.RepoFactory.NewRepositories()

	d.AuditEvents = repos.AuditEvents
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
}

func (d *Dependencies) initMetrics(cfg *config.Config) metricsSink {
	if !cfg.Observability.MetricsEnabled {
		return observability.NopMetrics{}
	}
	d.Metrics = observability.NewMetrics()
	return d.Metrics
}

func (d *Dependencies) initComponents(cfg *config.Config, sink metricsSink) error {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}

	d.Limiter = ratelimit.NewLimiter(d.Policy.LimiterConfig(cfg.RateLimit), d.Clock, sink, d.Logger)
	d.Breakers = circuit.NewRegistry(d.Policy.Breakers, d.Clock, sink, d.Logger)

	store, err := flags.NewStore(d.Policy.Flags, d.Clock, sink, d.Logger)
	if err != nil {
		return err
	}
	d.Flags = store

	// Audit writes share the database breaker with reads, so a failing
	// database stops both.
	writer := controlplane.NewGuardedWriter(d.AuditEvents, d.Breakers, config.DependencyDatabase)
	d.Pipeline = audit.NewPipeline(writer, audit.Config{
		QueueSize:      cfg.Audit.QueueSize,
		BatchSize:      cfg.Audit.BatchSize,
		FlushInterval:  cfg.Audit.FlushInterval,
		Backpressure:   audit.BackpressurePolicy(cfg.Audit.Backpressure),
		EnqueueTimeout: cfg.Audit.EnqueueTimeout,
		WriteTimeout:   cfg.Audit.WriteTimeout,
		MaxRetries:     cfg.Audit.MaxRetries,
		RetryBackoff:   cfg.Audit.RetryBackoff,
	}, sink, d.Logger)

	d.ControlPlane = controlplane.NewService(controlplane.Components{
		Limiter:  d.Limiter,
		Breakers: d.Breakers,
		Flags:    d.Flags,
		Audit:    d.Pipeline,
	}, d.Clock, d.Logger)

	d.RateLimitMiddleware = middleware.NewRateLimitMiddleware(d.ControlPlane, d.Logger)
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("jwt secret not configured, protected endpoints disabled")
		// Use reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return
	}

	validator := auth.NewHMACValidator(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		Leeway: 30 * time.Second,
	})
	d.AuthMiddleware = middleware.NewAuthMiddleware(&hmacTokenValidatorAdapter{validator: validator}, d.Logger)
	d.Logger.Info("bearer token auth initialized", zap.String("issuer", cfg.Auth.Issuer))
}

func (d *Dependencies) initHandlers() {
	d.HealthHandler = handlers.NewHealthHandler(d.DB.DB, d.ControlPlane, d.Pipeline, d.Logger)
	d.FlagHandler = handlers.NewFlagHandler(d.ControlPlane, d.Flags, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.ControlPlane, d.AuditEvents, config.DependencyDatabase, d.Logger)
}

// hmacTokenValidatorAdapter adapts auth.HMACValidator to middleware.TokenValidator
type hmacTokenValidatorAdapter struct {
	validator *auth.HMACValidator
}

func (a *hmacTokenValidatorAdapter) ValidateToken(ctx context.Context, token string) (*middleware.Claims, error) {
	parsed, err := a.validator.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{
		Subject: parsed.Subject,
		UserID:  parsed.UserID,
		Email:   parsed.Email,
		Roles:   parsed.Roles,
		Tier:    parsed.Tier,
	}, nil
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, auth.ErrNotConfigured
}

// Start launches the audit drain and the limiter cleanup worker
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Pipeline.Start(); err != nil {
		return fmt.Errorf("failed to start audit pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancelWorkers = cancel
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		d.Limiter.StartCleanupWorker(ctx, d.Config.RateLimit.CleanupInterval)
	}()

	return nil
}

// Close gracefully shuts down all dependencies. Pending audit events are
// flushed before the database is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	// Workers run only after Start
	if d.cancelWorkers != nil {
		d.cancelWorkers()
		d.cancelWorkers = nil
		d.workers.Wait()

		timeout := d.Config.Audit.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
			timeout = time.Until(deadline)
		}
		if err := d.Pipeline.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain audit pipeline: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
