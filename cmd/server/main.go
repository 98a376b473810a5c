package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cesargomez89/clinicaletl/internal/analytics"
	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/config"
	"github.com/cesargomez89/clinicaletl/internal/constants"
	httpapp "github.com/cesargomez89/clinicaletl/internal/http"
	"github.com/cesargomez89/clinicaletl/internal/logger"
	"github.com/cesargomez89/clinicaletl/internal/metrics"
	"github.com/cesargomez89/clinicaletl/internal/quality"
	"github.com/cesargomez89/clinicaletl/internal/report"
	"github.com/cesargomez89/clinicaletl/internal/retry"
	"github.com/cesargomez89/clinicaletl/internal/source"
	"github.com/cesargomez89/clinicaletl/internal/store"
	"github.com/cesargomez89/clinicaletl/internal/transform"
	"github.com/cesargomez89/clinicaletl/internal/units"
	"github.com/cesargomez89/clinicaletl/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		appLogger.Error("Failed to init DB", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	catalog := units.Default()
	if cfg.UnitCatalogPath != "" {
		catalog, err = units.LoadFile(cfg.UnitCatalogPath)
		if err != nil {
			appLogger.Error("Failed to load unit catalog", "path", cfg.UnitCatalogPath, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, cfg)
	if err != nil {
		appLogger.Error("Failed to init data source", "driver", cfg.SourceDriver, "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.RetryAttempts
	engine := transform.NewEngine(db, transform.Options{
		Catalog:   catalog,
		Evaluator: quality.NewEvaluator(cfg.QualityPolicy()),
		Metrics:   m,
		Logger:    appLogger,
		Retry:     retryCfg,
	})

	jobService := app.NewJobService(db, appLogger, m)

	w := worker.NewWorker(db, jobService, engine, src, m, worker.Config{
		Concurrency:    cfg.WorkerConcurrency,
		RowConcurrency: cfg.RowConcurrency,
		ChunkSize:      cfg.ChunkSize,
		PollInterval:   cfg.PollInterval,
	}, appLogger)
	w.Start()
	defer w.Stop()

	exporter := analytics.NewExporter(db, cfg.AnalyticsDuckDBPath, appLogger)
	reports := report.NewGenerator(db, m, appLogger)

	schedCfg := report.SchedulerConfig{Interval: cfg.ReportInterval}
	if exporter.Enabled() {
		schedCfg.AfterRun = func(ctx context.Context) error {
			_, err := exporter.Export(ctx)
			if errors.Is(err, analytics.ErrExportRunning) {
				return nil
			}
			return err
		}
	}
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		reports.StartScheduler(ctx, schedCfg)
	}()

	h := httpapp.NewHandler(jobService, engine, db, reports, exporter, catalog, m, httpapp.Options{
		IngestRateLimit: cfg.IngestRateLimit,
		IngestBurst:     cfg.IngestBurst,
		MaxUploadBytes:  cfg.MaxUploadBytes,
	}, appLogger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapp.NewRouter(h),
	}

	go func() {
		appLogger.Info("Server listening", "addr", srv.Addr, "db_driver", cfg.DBDriver, "source", cfg.SourceDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	appLogger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}
	bg.Wait()

	appLogger.Info("Server exiting")
}

func openSource(ctx context.Context, cfg *config.Config) (source.Opener, error) {
	if cfg.SourceDriver != constants.SourceS3 {
		return source.NewDir(cfg.DataDir), nil
	}
	s3, err := source.NewS3(ctx, source.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PathStyle:       cfg.S3PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}
