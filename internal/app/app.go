// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the serve and crawl commands.
package app

import (
	"context"
	"errors"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/localbiz-harvester/internal/clock/system"
	"github.com/JakeFAU/localbiz-harvester/internal/config"
	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/enrich"
	"github.com/JakeFAU/localbiz-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/localbiz-harvester/internal/id/uuid"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
	"github.com/JakeFAU/localbiz-harvester/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/localbiz-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/localbiz-harvester/internal/session"
	"github.com/JakeFAU/localbiz-harvester/internal/storage/memory"
	"github.com/JakeFAU/localbiz-harvester/internal/storage/postgres"
	"github.com/JakeFAU/localbiz-harvester/internal/telemetry"
)

// App holds the shared services built once at startup: the harvesting
// controller, the record repository, the optional record publisher and the
// tracer provider.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	controller *crawler.Controller
	records    crawler.RecordRepository
	pgStore    *postgres.RecordStore
	publisher  *pubsubpublisher.Publisher
	tracer     *sdktrace.TracerProvider
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Controller returns the harvesting engine.
func (a *App) Controller() *crawler.Controller {
	return a.controller
}

// Records returns the repository emitted records are saved to.
func (a *App) Records() crawler.RecordRepository {
	return a.records
}

// NewApp builds the application services from cfg. It fails fast when an
// optional backend is configured but unreachable.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, version)
		if err != nil {
			return nil, fmt.Errorf("init tracer provider: %w", err)
		}
		a.tracer = tp
	}

	if cfg.Database.DSN != "" {
		store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
			DSN:             cfg.Database.DSN,
			Table:           cfg.Database.RecordsTable,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			a.closeQuietly(ctx)
			return nil, fmt.Errorf("init record store: %w", err)
		}
		a.pgStore = store
		if cfg.Database.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				a.closeQuietly(ctx)
				return nil, fmt.Errorf("ensure record schema: %w", err)
			}
		}
		a.records = store
		logger.Info("using postgres record store", zap.String("table", cfg.Database.RecordsTable))
	} else {
		a.records = memory.NewRecordStore()
		logger.Info("using in-memory record store")
	}

	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsubpublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			a.closeQuietly(ctx)
			return nil, fmt.Errorf("init record publisher: %w", err)
		}
		a.publisher = pub
		logger.Info("publishing records", zap.String("topic", cfg.PubSub.Topic))
	}

	enricher := enrich.New(cfg.EnrichConfig(), logger.Named("enrich"))
	browser := headless.NewChromedp(cfg.HeadlessConfig(), logger.Named("browser"))
	extractor := crawler.NewDetailExtractor(cfg.ExtractTable(), enricher, logger.Named("detail"))
	a.controller = crawler.NewController(browser, extractor, cfg.ControllerConfig(), logger.Named("controller"))
	return a, nil
}

// RecordSinks returns the sinks that persist and publish record events.
func (a *App) RecordSinks() []progress.Sink {
	out := []progress.Sink{sinks.NewRecordSink(a.records, a.logger.Named("records"))}
	if a.publisher != nil {
		out = append(out, sinks.NewPublishSink(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("publish")))
	}
	return out
}

// NewHub starts an event hub delivering to the record sinks plus extra.
func (a *App) NewHub(ctx context.Context, extra ...progress.Sink) *progress.Hub {
	p := a.cfg.Progress
	all := append(append([]progress.Sink(nil), extra...), a.RecordSinks()...)
	return progress.NewHub(progress.Config{
		BufferSize:     p.BufferSize,
		MaxBatchEvents: p.MaxBatchEvents,
		MaxBatchWait:   p.MaxBatchWait,
		SinkTimeout:    p.SinkTimeout,
		BaseContext:    ctx,
		Logger:         a.logger.Named("hub"),
	}, all...)
}

// NewRegistry creates a session registry running sessions on this App's
// controller. Sessions run under base and report to events.
func (a *App) NewRegistry(base context.Context, events *progress.Hub) *session.Registry {
	return session.New(base, a.controller, events, session.Options{
		Defaults: session.Defaults{
			MaxResults:            a.cfg.Crawl.DefaultMaxResults,
			PerSiteTimeoutSeconds: a.cfg.Crawl.DefaultPerSiteTimeoutSeconds,
		},
		MaxActive: a.cfg.Server.MaxSessions,
		Ready:     events.Running,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Logger:    a.logger.Named("session"),
	})
}

// Close shuts down every service in the container.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeQuietly(ctx context.Context) {
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("partial init cleanup failed", zap.Error(err))
	}
}
