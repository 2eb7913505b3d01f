// Package app builds the component graph shared by the server and the
// operator CLI from a loaded config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/albapepper/matchwatch/internal/activity"
	"github.com/albapepper/matchwatch/internal/api"
	"github.com/albapepper/matchwatch/internal/api/handler"
	"github.com/albapepper/matchwatch/internal/audit"
	"github.com/albapepper/matchwatch/internal/backoff"
	"github.com/albapepper/matchwatch/internal/config"
	"github.com/albapepper/matchwatch/internal/db"
	"github.com/albapepper/matchwatch/internal/decision"
	"github.com/albapepper/matchwatch/internal/detector"
	"github.com/albapepper/matchwatch/internal/email"
	"github.com/albapepper/matchwatch/internal/maintenance"
	"github.com/albapepper/matchwatch/internal/pipeline"
	"github.com/albapepper/matchwatch/internal/queue"
	"github.com/albapepper/matchwatch/internal/render"
	"github.com/albapepper/matchwatch/internal/store"
	"github.com/albapepper/matchwatch/internal/store/memstore"
	"github.com/albapepper/matchwatch/internal/suppression"
	"github.com/albapepper/matchwatch/internal/webhook"
)

// Store is every persistence method the components use. Both the Postgres
// and in-memory stores satisfy it.
type Store interface {
	detector.SnapshotStore
	decision.Store
	queue.Store
	webhook.Store
	audit.Store
	suppression.Store
	maintenance.Store
	pipeline.EntitySource
}

var (
	_ Store = (*store.Postgres)(nil)
	_ Store = (*memstore.Store)(nil)
)

// App is the wired component graph.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       Store
	Pool        *db.Pool // nil with the memory store
	Audit       *audit.Log
	Suppression *suppression.List
	Queue       *queue.Queue
	Decision    *decision.Engine
	Detector    *detector.Detector
	Webhooks    *webhook.Processor
	Verifier    *webhook.Verifier // nil when no secret is configured
	Pipeline    *pipeline.Pipeline
}

// New connects the store and builds every component.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		logger.Info("Connecting to database...")
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
		a.Pool = pool
		a.Store = store.New(pool.Pool)
	case config.DriverMemory:
		logger.Warn("Using in-memory store; state is lost on exit")
		a.Store = memstore.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	provider, err := newProvider(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	renderer, err := render.New()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load templates: %w", err)
	}

	if cfg.WebhookSecret != "" {
		a.Verifier, err = webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("webhook secret: %w", err)
		}
	} else if cfg.IsProduction() {
		a.Close()
		return nil, fmt.Errorf("WEBHOOK_SECRET must be set in production")
	} else if !cfg.WebhookAllowUnsigned {
		a.Close()
		return nil, fmt.Errorf("WEBHOOK_SECRET is empty; set WEBHOOK_ALLOW_UNSIGNED=true to accept unsigned webhooks")
	} else {
		logger.Warn("WEBHOOK_ALLOW_UNSIGNED set; accepting unsigned webhooks")
	}

	a.Audit = audit.New(a.Store, logger)
	a.Suppression = suppression.New(a.Store, logger)

	a.Decision = decision.New(a.Store, a.Audit, decision.Options{
		Cooldown: cfg.CooldownWindow,
		Logger:   logger,
	})

	a.Detector = detector.New(
		activity.NewClient(cfg.ActivityBaseURL, cfg.ActivityUserAgent, cfg.ActivityTimeout, logger),
		a.Store,
		detector.Options{
			Sizer: detector.SizerConfig{
				Min:         cfg.DetectorMinWorkers,
				Max:         cfg.DetectorMaxWorkers,
				Initial:     cfg.DetectorInitialWorkers,
				LatencyLow:  cfg.DetectorLatencyLow,
				LatencyHigh: cfg.DetectorLatencyHigh,
			},
			RequestsPerSec: cfg.ActivityRequestsPerSec,
			Burst:          cfg.ActivityBurst,
			Cooldown:       cfg.RateLimitCooldown,
			FetchTimeout:   cfg.ActivityTimeout,
			FetchAttempts:  cfg.ActivityFetchAttempts,
			Logger:         logger,
		},
	)

	a.Queue = queue.New(a.Store, renderer, provider, a.Audit, a.Suppression, queue.Options{
		BatchSize:          cfg.ClaimBatchSize,
		Workers:            cfg.DispatchWorkers,
		SendTimeout:        cfg.SendTimeout,
		ProviderRatePerSec: cfg.ProviderRatePerSec,
		MaxAttempts:        cfg.MaxAttempts,
		Policy: backoff.Policy{
			Base:       cfg.BackoffBase,
			Multiplier: cfg.BackoffMultiplier,
			Max:        cfg.BackoffMax,
			Jitter:     cfg.BackoffJitter,
		},
		Logger: logger,
	})

	a.Webhooks = webhook.NewProcessor(a.Store, a.Audit, a.Suppression, logger)

	cleanCfg := maintenance.DefaultConfig()
	cleanCfg.AuditRetention = cfg.AuditRetention
	cleanCfg.StatusChangeRetention = cfg.StatusChangeRetention

	a.Pipeline = pipeline.New(a.Store, a.Detector, a.Decision, a.Queue,
		maintenance.New(a.Store, cleanCfg, logger),
		pipeline.Options{
			DetectInterval:  cfg.DetectInterval,
			DrainInterval:   cfg.DrainInterval,
			CleanupInterval: cfg.CleanupInterval,
			ReleaseInterval: cfg.ReleaseInterval,
			StaleClaimAfter: cfg.StaleClaimAfter,
			Priority:        cfg.DefaultPriority,
			PublicBaseURL:   cfg.PublicBaseURL,
			Logger:          logger,
		})

	return a, nil
}

func newProvider(cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case "resend":
		logger.Info("Email provider: Resend", "from", cfg.EmailFrom)
		return email.NewResendProvider(cfg.ResendAPIKey, cfg.ResendBaseURL, cfg.EmailFrom, logger), nil
	case "mock", "":
		logger.Warn("Email provider: mock; nothing will be delivered")
		return email.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
}

// Router returns the HTTP handler for the API server.
func (a *App) Router() http.Handler {
	deps := handler.Deps{
		Audit:       a.Audit,
		Queue:       a.Queue,
		Suppression: a.Suppression,
		Webhooks:    a.Webhooks,
		Verifier:    a.Verifier,
		StoreDriver: a.Config.StoreDriver,
		Logger:      a.Logger,
	}
	if a.Pool != nil {
		deps.HealthCheck = a.Pool.HealthCheck
	}
	return api.NewRouter(deps, a.Config)
}

// Close releases the database pool, if any.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}
