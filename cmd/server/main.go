package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"invoiceflow/internal/api"
	"invoiceflow/internal/config"
	"invoiceflow/internal/db"
	"invoiceflow/internal/dispatch"
	"invoiceflow/internal/gcp"
	"invoiceflow/internal/ingest"
	"invoiceflow/internal/jobs"
	"invoiceflow/internal/metrics"
	"invoiceflow/internal/models"
	"invoiceflow/internal/notify"
	"invoiceflow/internal/ocr"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Google clients (mail source + blob storage)
	// ------------------------------------------------
	auth := gcp.NewAuth(store, cfg.GoogleClientID, cfg.GoogleClientSecret)
	mailSource := gcp.NewGmailSource(auth, cfg.MailRateLimit, logger)
	blobStore := gcp.NewDriveStore(auth, logger)

	// ------------------------------------------------
	// Vendor classifier
	// ------------------------------------------------
	var extraRules []ingest.Rule
	if cfg.VendorRulesPath != "" {
		extraRules, err = ingest.LoadRules(cfg.VendorRulesPath)
		if err != nil {
			logger.Fatal("failed to load vendor rules", zap.Error(err))
		}
	}
	classifier := ingest.NewClassifier(extraRules)

	// ------------------------------------------------
	// Ingestion Engine
	// ------------------------------------------------
	engine := &ingest.Engine{
		Source:     mailSource,
		Blobs:      blobStore,
		Ledger:     store,
		Classifier: classifier,
		Provider:   gcp.Provider,
		RootFolder: cfg.DriveRootFolder,
		Log:        logger,
	}

	// ------------------------------------------------
	// OCR client + Vendor Batch Dispatcher
	// ------------------------------------------------
	ocrClient := ocr.NewClient(cfg.OCRBaseURL, time.Duration(cfg.OCRTimeout)*time.Second, logger)

	dispatcher := &dispatch.Dispatcher{
		Store:    store,
		OCR:      ocrClient,
		Provider: gcp.Provider,
		Workers:  cfg.DispatchWorkers,
		Log:      logger,
		States:   ocrClient,
	}

	// ------------------------------------------------
	// Failure notifications
	// ------------------------------------------------
	notifier := &notify.Notifier{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
		Log:      logger,
	}

	// ------------------------------------------------
	// Job Orchestrator
	// ------------------------------------------------
	orchestrator := jobs.New(store, logger, cfg.MaxRetries,
		time.Duration(cfg.JobTimeoutMinutes)*time.Minute)

	orchestrator.Register(models.JobEmailFetch, engine.JobHandler())
	orchestrator.Register(models.JobVendorSync, dispatcher.SyncHandler())
	orchestrator.Register(models.JobOCRRetry, dispatcher.RetryHandler())
	orchestrator.Register(models.JobManualRetry, dispatcher.RetryHandler())

	orchestrator.OnTerminalFailure(func(job *models.Job) {
		if !notifier.Enabled() {
			return
		}
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), time.Minute)
		defer notifyCancel()

		cred, err := store.GetCredential(notifyCtx, job.UserID, gcp.Provider)
		if err != nil {
			logger.Warn("cannot resolve notification address",
				zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		_ = notifier.JobFailed(notifyCtx, cred.Email, job)
	})

	go orchestrator.RunReconciler(ctx, time.Minute,
		time.Duration(cfg.StaleJobMinutes)*time.Minute)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:     store,
		Jobs:      orchestrator,
		Pipeline:  ocrClient,
		Summaries: blobStore,
		Provider:  gcp.Provider,
		Log:       logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: api.WithRequestLogging(logger, apiHandler.Routes()),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Let in-flight background jobs finish
	orchestrator.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
