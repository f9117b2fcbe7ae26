package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/ocr-ingest/internal/config"
	"github.com/kirillkom/ocr-ingest/internal/core/ports"
	"github.com/kirillkom/ocr-ingest/internal/core/usecase"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/ocr/pdftext"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/ocr/remote"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/queue/inprocess"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/queue/nats"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/resilience"
	"github.com/kirillkom/ocr-ingest/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/ocr-ingest/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Queue    ports.EnrichmentQueue
	Consumer ports.EnrichmentConsumer

	IngestUC    *usecase.IngestFileUseCase
	CatalogUC   *usecase.CatalogUseCase
	EnrichUC    *usecase.EnrichFileUseCase
	ReconcileUC *usecase.ReconcileUseCase
	Exporter    *xlsx.Exporter

	// HealthChecks probe the dependencies this process talks to.
	HealthChecks map[string]func(context.Context) error

	closeFn func()
}

// New wires every component. workerMetrics may be nil.
func New(ctx context.Context, cfg config.Config, workerMetrics *metrics.WorkerMetrics) (*App, error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	closers = append(closers, func() { _ = db.Close() })

	repo := postgres.NewFileRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		closeAll()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	blobs, err := localfs.New(cfg.StoragePath)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("init blob storage: %w", err)
	}

	checks := map[string]func(context.Context) error{
		"postgres": func(ctx context.Context) error { return pingDB(ctx, db) },
	}

	var (
		queue    ports.EnrichmentQueue
		consumer ports.EnrichmentConsumer
	)
	switch cfg.QueueDriver {
	case config.QueueDriverInProcess:
		q := inprocess.New(slog.Default(),
			inprocess.WithWorkers(cfg.EnrichWorkers),
			inprocess.WithQueueSize(cfg.EnrichQueueSize),
			inprocess.WithJobTimeout(cfg.EnrichJobTimeout),
			inprocess.WithRedelivery(cfg.EnrichMaxDeliver, 5*time.Second),
		)
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			q.Shutdown(shutdownCtx)
		})
		queue, consumer = q, q
	default:
		q, err := nats.NewWithOptions(ctx, cfg.NATSURL, cfg.NATSSubject, nats.Options{
			Stream:             cfg.NATSStream,
			ResilienceExecutor: resilience.NewExecutor(resilience.PublishConfig()),
			Consumer: nats.ConsumerOptions{
				Durable:    cfg.NATSConsumer,
				Workers:    cfg.EnrichWorkers,
				JobTimeout: cfg.EnrichJobTimeout,
				MaxDeliver: cfg.EnrichMaxDeliver,
			},
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		closers = append(closers, q.Close)
		checks["nats"] = func(context.Context) error {
			if !q.Healthy() {
				return errors.New("not connected")
			}
			return nil
		}
		queue, consumer = q, q
	}

	ocrExecutor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.EnrichRetryMaxAttempts,
		RetryInitialBackoff: cfg.EnrichRetryInitialBackoff,
		RetryMaxBackoff:     cfg.EnrichRetryMaxBackoff,
		RetryJitter:         0.2,
		BreakerEnabled:      cfg.EnrichBreakerEnabled,
	})
	var enrichOpts []usecase.EnrichOption
	var reconcileObserver usecase.ReconcileObserver
	if workerMetrics != nil {
		ocrExecutor.WithRetryObserver(workerMetrics.RecordRetry)
		enrichOpts = append(enrichOpts, usecase.WithEnrichmentObserver(workerMetrics))
		reconcileObserver = workerMetrics
	}
	if cfg.EnrichPDFTextLayer {
		enrichOpts = append(enrichOpts, usecase.WithTextLayer(pdftext.NewExtractor(0)))
	}
	ocrClient := remote.NewWithOptions(cfg.OCRURL, remote.Options{
		Timeout:            cfg.OCRTimeout,
		ResilienceExecutor: ocrExecutor,
	})

	app := &App{
		Config:   cfg,
		Queue:    queue,
		Consumer: consumer,

		IngestUC:  usecase.NewIngestFileUseCase(repo, blobs, queue),
		CatalogUC: usecase.NewCatalogUseCase(repo, blobs),
		EnrichUC: usecase.NewEnrichFileUseCase(repo, blobs, ocrClient, usecase.EnrichmentPolicy{
			Lease:      cfg.EnrichLease,
			MaxClaims:  cfg.EnrichMaxClaims,
			OCRTimeout: cfg.OCRTimeout,
		}, enrichOpts...),
		ReconcileUC: usecase.NewReconcileUseCase(repo, blobs, queue, usecase.ReconcilePolicy{
			StaleAfter:  cfg.ReconcileStaleAfter,
			OrphanGrace: cfg.OrphanGrace,
		}, reconcileObserver),
		Exporter: xlsx.NewExporter(slog.Default()),

		HealthChecks: checks,
		closeFn:      closeAll,
	}
	return app, nil
}

// RunWorkers consumes enrichment jobs until ctx is cancelled.
func (a *App) RunWorkers(ctx context.Context) error {
	slog.Info("enrich_workers_started", "driver", a.Config.QueueDriver, "workers", a.Config.EnrichWorkers)
	return a.Consumer.Consume(ctx, a.EnrichUC.HandleJob)
}

// RunReconciler requeues stale records and sweeps orphan blobs until ctx is cancelled.
func (a *App) RunReconciler(ctx context.Context) {
	a.ReconcileUC.Run(ctx, a.Config.ReconcileInterval)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func pingDB(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
