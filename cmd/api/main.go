package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	httpadapter "github.com/kirillkom/ocr-ingest/internal/adapters/http"
	"github.com/kirillkom/ocr-ingest/internal/bootstrap"
	"github.com/kirillkom/ocr-ingest/internal/config"
	"github.com/kirillkom/ocr-ingest/internal/observability/logging"
	"github.com/kirillkom/ocr-ingest/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, "api", cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	var workerMetrics *metrics.WorkerMetrics
	inProcess := cfg.QueueDriver == config.QueueDriverInProcess
	if inProcess {
		workerMetrics = metrics.NewWorkerMetricsWithRegistry("api", httpMetrics.Registry())
	}

	app, err := bootstrap.New(ctx, cfg, workerMetrics)
	if err != nil {
		slog.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	opts := []httpadapter.RouterOption{httpadapter.WithMetrics(httpMetrics)}
	for name, check := range app.HealthChecks {
		opts = append(opts, httpadapter.WithHealthCheck(name, check))
	}
	handler, err := httpadapter.NewRouter(cfg, app.IngestUC, app.CatalogUC, app.Exporter, opts...).Handler()
	if err != nil {
		slog.Error("router_error", "error", err)
		os.Exit(1)
	}

	var background sync.WaitGroup
	if inProcess {
		background.Add(2)
		go func() {
			defer background.Done()
			if err := app.RunWorkers(ctx); err != nil {
				slog.Error("enrich_workers_failed", "error", err)
			}
		}()
		go func() {
			defer background.Done()
			app.RunReconciler(ctx)
		}()
	}

	listener, err := net.Listen("tcp", ":"+cfg.APIPort)
	if err != nil {
		slog.Error("listen_error", "port", cfg.APIPort, "error", err)
		os.Exit(1)
	}
	if cfg.APIMaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.APIMaxConnections)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort, "queue_driver", cfg.QueueDriver)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api_shutdown_error", "error", err)
	}
	background.Wait()
}
