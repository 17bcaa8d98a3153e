// GrantStream ingestion server — provides the admin HTTP API, manages queue
// workers, and runs the funding opportunity pipeline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/grantstream-io/grantstream/pkg/agent"
	"github.com/grantstream-io/grantstream/pkg/api"
	"github.com/grantstream-io/grantstream/pkg/cleanup"
	"github.com/grantstream-io/grantstream/pkg/config"
	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/pkg/dedup"
	"github.com/grantstream-io/grantstream/pkg/extract"
	"github.com/grantstream-io/grantstream/pkg/llm"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
	"github.com/grantstream-io/grantstream/pkg/queue"
	"github.com/grantstream-io/grantstream/pkg/services"
	"github.com/grantstream-io/grantstream/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting GrantStream",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize()
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. One-time startup orphan cleanup
	if err := queue.CleanupStartupOrphans(ctx, dbClient.Client, podID); err != nil {
		slog.Error("Failed to cleanup startup orphans", "error", err)
		// Non-fatal — continue
	}

	// 4. Domain services
	sourceService := services.NewSourceService(dbClient.Client)
	runService := services.NewRunService(dbClient.Client)
	opportunityService := services.NewOpportunityService(dbClient.Client)
	systemConfigService := services.NewSystemConfigService(dbClient.Client)
	slog.Info("Services initialized")

	// 5. LM client and pipeline agents
	llmConfig, err := llm.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load LM config", "error", err)
		os.Exit(1)
	}
	llmClient := llm.NewAnthropicClient(llmConfig)
	slog.Info("LM client initialized", "model", llmConfig.Model)

	log := slog.Default()
	coordinator := pipeline.NewCoordinator(pipeline.Deps{
		Client:       dbClient.Client,
		Lock:         database.NewSourceLock(dbClient.DB()),
		Sources:      sourceService,
		SystemConfig: systemConfigService,
		Detector:     dedup.NewDetector(dbClient.Client, cfg.Pipeline.FreshnessWindow, log),
		DirectUpdate: dedup.NewDirectUpdateHandler(dbClient.Client, log),
		Analyzer:     agent.NewLMSourceAnalyzer(llmClient, log),
		Extractor:    extract.NewHTTPExtractor(dbClient.Client, nil, nil, log),
		Analysis:     agent.NewLMAnalysisAgent(llmClient, log),
		Filter:       agent.NewRelevanceFilter(agent.DefaultMinRelevance),
		Storage:      agent.NewEntStorageAgent(dbClient.Client, log),
		Breakers:     pipeline.NewBreakerRegistry(),
	}, cfg.Pipeline, log, podID)

	// 6. Start worker pool (before HTTP server)
	executor := queue.NewCoordinatorExecutor(coordinator)
	workerPool := queue.NewWorkerPool(podID, dbClient.Client, cfg.Queue, cfg.Pipeline.RunTimeout, executor)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Retention cleanup
	cleanupService := cleanup.NewService(cfg.Retention, dbClient.Client)
	cleanupService.Start(ctx)

	// 8. HTTP server (non-blocking)
	apiServer := api.NewServer(dbClient, sourceService, runService, opportunityService, systemConfigService, workerPool)
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("GrantStream started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down due to server error", "error", err)
	}

	// 10. Graceful shutdown: stop taking requests, drain workers, stop cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	workerPool.Stop()
	cleanupService.Stop()

	slog.Info("GrantStream stopped")
}
