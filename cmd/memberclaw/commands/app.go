package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jholhewres/memberclaw/pkg/memberclaw/assistant"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/copilot"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/database"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/members"
	"github.com/jholhewres/memberclaw/pkg/memberclaw/scheduler"
)

// app holds the wired core shared by serve and chat.
type app struct {
	cfg       *copilot.Config
	logger    *slog.Logger
	db        *database.DB
	store     *members.Store
	sessions  *copilot.SessionRegistry
	gateway   *copilot.Gateway
	registry  *prometheus.Registry
	scheduler *scheduler.Scheduler
}

// openStore opens the member database and applies pending migrations.
func openStore(ctx context.Context, cfg *copilot.Config, logger *slog.Logger) (*database.DB, *members.Store, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	store := members.NewStore(db, members.Config{
		EmailDomain:      cfg.Members.EmailDomain,
		PasswordResetTTL: cfg.Members.PasswordResetTTL,
	}, logger)
	applied, err := store.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", "applied", applied)
	}
	return db, store, nil
}

// buildApp wires database, tools, assistant client, registry, orchestrator
// and gateway. sender delivers every reply and notice.
func buildApp(ctx context.Context, cfg *copilot.Config, sender copilot.ReplySender, logger *slog.Logger) (*app, error) {
	// Audit BEFORE resolving: checks the raw config value for hardcoded keys.
	copilot.AuditSecrets(cfg, logger)
	copilot.ResolveAPIKey(cfg, logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db, store: store}

	var metrics *copilot.Metrics
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = copilot.MustNewMetrics(a.registry)
	}

	tools := copilot.NewToolExecutor(logger)
	tools.Configure(cfg.Tools)
	tools.SetMetrics(metrics)
	store.RegisterTools(tools)
	tools.Freeze()
	logger.Info("tools registered", "count", len(tools.ToolNames()))

	client := assistant.NewOpenAIClient(cfg.Assistant, logger)

	a.sessions = copilot.NewSessionRegistry(cfg.Session, client, store, logger)
	a.sessions.SetMetrics(metrics)

	orch := copilot.NewOrchestrator(cfg.Turn, client, tools, logger)
	orch.SetMetrics(metrics)

	a.gateway, err = copilot.NewGateway(cfg.Reply, a.sessions, orch, store, sender, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.gateway.SetMetrics(metrics)

	a.scheduler = scheduler.New(time.Minute, logger)
	if err := a.scheduler.Add("prune-sessions", cfg.Maintenance.PruneSchedule, func(context.Context) error {
		a.sessions.Prune()
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	if err := a.scheduler.Add("purge-password-resets", cfg.Maintenance.PruneSchedule, func(ctx context.Context) error {
		_, err := store.PurgeExpiredPasswordResets(ctx)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
}
