// Package app is the composition root: it wires configuration,
// storage, the event bus, the stage runners, and the audit manager
// into one dependency container consumed by the HTTP layer.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/internal/knowledge"
	"github.com/upb/audit-control-plane/internal/llm"
	"github.com/upb/audit-control-plane/internal/observability"
	"github.com/upb/audit-control-plane/internal/scanner"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"github.com/upb/audit-control-plane/repositories/postgres"
	"github.com/upb/audit-control-plane/repositories/sqlite"
	"github.com/upb/audit-control-plane/services/agents"
	"github.com/upb/audit-control-plane/services/audit"
	"github.com/upb/audit-control-plane/services/eventbus"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

// Store is the storage backend behind the repositories, health-checked
// by the readiness endpoint.
type Store interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	Store  Store

	// Repositories
	Events     repositories.EventLogRepository
	Sessions   repositories.SessionRepository
	Findings   repositories.FindingRepository
	LLMConfigs repositories.LLMConfigRepository

	// Core services
	Bus     *eventbus.Bus
	Manager *audit.Manager
	Scanner *scanner.Client

	// Observability
	Registry    *prometheus.Registry
	HTTPMetrics *observability.HTTPMetrics
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	deps.initBus(cfg)
	deps.initManager(cfg)

	if cfg.Observability.MetricsEnabled {
		deps.HTTPMetrics = observability.NewHTTPMetrics(deps.Registry)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initStorage selects the backend: PostgreSQL when DATABASE_URL is
// set, the embedded SQLite store otherwise.
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.UsePostgres() {
		db, err := postgres.NewDB(cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		if err := db.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize postgres schema: %w", err)
		}
		d.Store = db
		d.Events = postgres.NewEventLogRepository(db, d.Logger)
		d.Sessions = postgres.NewSessionRepository(db, d.Logger)
		d.Findings = postgres.NewFindingRepository(db, d.Logger)
		d.LLMConfigs = postgres.NewLLMConfigRepository(db, d.Logger)
	} else {
		store, err := sqlite.Open(cfg.Database.SQLitePath, d.Logger)
		if err != nil {
			return err
		}
		if err := store.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize sqlite schema: %w", err)
		}
		d.Store = store
		d.Events = sqlite.NewEventLogRepository(store)
		d.Sessions = sqlite.NewSessionRepository(store)
		d.Findings = sqlite.NewFindingRepository(store)
		d.LLMConfigs = sqlite.NewLLMConfigRepository(store)
	}

	d.Logger.Info("storage initialized",
		zap.String("backend", cfg.Database.LogString()))
	return nil
}

func (d *Dependencies) initBus(cfg *config.Config) {
	opts := []eventbus.Option{}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, eventbus.WithMetrics(eventbus.NewPrometheusMetrics(d.Registry)))
	}
	if cfg.Kafka.Enabled() {
		opts = append(opts, eventbus.WithTransport(
			eventbus.NewKafkaTransport(cfg.Kafka.Brokers, cfg.Kafka.Topic, d.Logger)))
	}
	d.Bus = eventbus.New(cfg.EventBus, d.Events, d.Logger, opts...)
}

func (d *Dependencies) initManager(cfg *config.Config) {
	d.Scanner = scanner.NewClient(scanner.Options{
		BaseURL:    cfg.Scanner.BaseURL,
		Timeout:    cfg.Scanner.Timeout,
		MaxRetries: cfg.Scanner.MaxRetries,
	}, d.Logger)

	d.Manager = audit.NewManager(audit.Deps{
		Pipeline:   cfg.Pipeline,
		Logger:     d.Logger,
		Bus:        d.Bus,
		Sessions:   d.Sessions,
		Findings:   d.Findings,
		Events:     d.Events,
		LLMConfigs: d.LLMConfigs,
		Runners:    d.buildRunners,
	})
}

// buildRunners assembles the stage runner registry for one audit. The
// LLM client is bound to the resolved stored config when present,
// falling back to the provider defaults from the environment.
func (d *Dependencies) buildRunners(stored *models.LLMConfig) *pipeline.Registry {
	llmOpts := llm.Options{
		Provider:   d.Config.LLM.Provider,
		Model:      d.Config.LLM.Model,
		APIKey:     d.Config.LLM.APIKey,
		BaseURL:    d.Config.LLM.BaseURL,
		Timeout:    d.Config.LLM.Timeout,
		MaxRetries: d.Config.LLM.MaxRetries,
		RateLimit:  d.Config.LLM.RateLimit,
		RateBurst:  d.Config.LLM.RateBurst,
	}
	if stored != nil {
		llmOpts.Provider = stored.Provider
		llmOpts.Model = stored.Model
		if stored.APIKey != "" {
			llmOpts.APIKey = stored.APIKey
		}
		if stored.APIEndpoint != "" {
			llmOpts.BaseURL = stored.APIEndpoint
		}
	}
	client := llm.NewClient(llmOpts, d.Logger)
	if client.MockMode() {
		d.Logger.Warn("no llm credentials configured, analysis runs in mock mode")
	}

	registry := pipeline.NewRegistry()
	registry.Register(agents.NewReconRunner(d.Scanner, d.Bus, d.Logger))
	registry.Register(agents.NewScanRunner(d.Scanner, d.Bus, d.Logger))
	registry.Register(agents.NewAnalysisRunner(client, d.Bus, knowledge.NewStaticRetriever(), d.Logger))
	registry.Register(agents.NewVerificationRunner(client, d.Bus, d.Logger))
	return registry
}

// Start brings up the background machinery.
func (d *Dependencies) Start() error {
	return d.Bus.Start()
}

// Shutdown winds everything down: active audits first, then the bus,
// then storage.
func (d *Dependencies) Shutdown(ctx context.Context) {
	d.Manager.Shutdown(ctx)
	d.Bus.Stop()
	if err := d.Store.Close(); err != nil {
		d.Logger.Warn("failed to close storage", zap.Error(err))
	}
}
