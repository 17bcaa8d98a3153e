// GrantStream batch runner — processes one source, or every active source,
// synchronously through the pipeline and exits. Intended for cron-driven
// deployments without the long-running server.
//
// Exit codes: 0 all sources processed; 1 validation error; 2 partial failure;
// 3 unrecoverable error.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/grantstream-io/grantstream/pkg/agent"
	"github.com/grantstream-io/grantstream/pkg/config"
	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/pkg/dedup"
	"github.com/grantstream-io/grantstream/pkg/extract"
	"github.com/grantstream-io/grantstream/pkg/llm"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
	"github.com/grantstream-io/grantstream/pkg/services"
	"github.com/grantstream-io/grantstream/pkg/version"
)

const (
	exitOK            = 0
	exitValidation    = 1
	exitPartial       = 2
	exitUnrecoverable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	sourceID := flag.String("source", "", "Process a single source by id (default: all active sources)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting GrantStream batch runner", "version", version.Full())

	ctx := context.Background()

	cfg, err := config.Initialize()
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitValidation
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		return exitValidation
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return exitUnrecoverable
	}
	defer func() { _ = dbClient.Close() }()

	llmConfig, err := llm.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load LM config", "error", err)
		return exitValidation
	}
	llmClient := llm.NewAnthropicClient(llmConfig)

	log := slog.Default()
	sourceService := services.NewSourceService(dbClient.Client)
	coordinator := pipeline.NewCoordinator(pipeline.Deps{
		Client:       dbClient.Client,
		Lock:         database.NewSourceLock(dbClient.DB()),
		Sources:      sourceService,
		SystemConfig: services.NewSystemConfigService(dbClient.Client),
		Detector:     dedup.NewDetector(dbClient.Client, cfg.Pipeline.FreshnessWindow, log),
		DirectUpdate: dedup.NewDirectUpdateHandler(dbClient.Client, log),
		Analyzer:     agent.NewLMSourceAnalyzer(llmClient, log),
		Extractor:    extract.NewHTTPExtractor(dbClient.Client, nil, nil, log),
		Analysis:     agent.NewLMAnalysisAgent(llmClient, log),
		Filter:       agent.NewRelevanceFilter(agent.DefaultMinRelevance),
		Storage:      agent.NewEntStorageAgent(dbClient.Client, log),
		Breakers:     pipeline.NewBreakerRegistry(),
	}, cfg.Pipeline, log, "batch-runner")

	var targets []string
	if *sourceID != "" {
		if _, err := sourceService.GetSource(ctx, *sourceID); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				slog.Error("Source not found", "source_id", *sourceID)
				return exitValidation
			}
			slog.Error("Failed to load source", "source_id", *sourceID, "error", err)
			return exitUnrecoverable
		}
		targets = []string{*sourceID}
	} else {
		sources, err := sourceService.ListSources(ctx, true)
		if err != nil {
			slog.Error("Failed to list active sources", "error", err)
			return exitUnrecoverable
		}
		if len(sources) == 0 {
			slog.Info("No active sources to process")
			return exitOK
		}
		for _, src := range sources {
			targets = append(targets, src.ID)
		}
	}

	succeeded, failed := 0, 0
	for _, id := range targets {
		result := coordinator.ProcessSource(ctx, id, "")
		if result.Status == "success" {
			succeeded++
			slog.Info("Source processed",
				"source_id", id,
				"run_id", result.RunID,
				"opportunities_processed", result.OpportunitiesProcessed)
			continue
		}
		failed++
		slog.Error("Source processing failed",
			"source_id", id,
			"run_id", result.RunID,
			"failed_stage", result.FailedStage,
			"error", result.Error)
	}

	slog.Info("Batch run complete", "succeeded", succeeded, "failed", failed)

	switch {
	case failed == 0:
		return exitOK
	case succeeded > 0:
		return exitPartial
	default:
		return exitUnrecoverable
	}
}
