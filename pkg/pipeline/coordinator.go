package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/config"
	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/pkg/dedup"
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/services"
)

// Skip reasons for stages that receive empty input.
const (
	skipReasonNoExtracted = "no_extracted_opportunities"
	skipReasonNoNew       = "no_new_opportunities"
	skipReasonNoUpdate    = "no_update_opportunities"
)

// Deps wires the coordinator's collaborators. All fields are required except
// Breakers.
type Deps struct {
	Client       *ent.Client
	Lock         *database.SourceLock
	Sources      *services.SourceService
	SystemConfig *services.SystemConfigService
	Detector     *dedup.Detector
	DirectUpdate *dedup.DirectUpdateHandler
	Analyzer     SourceAnalyzer
	Extractor    DataExtractor
	Analysis     AnalysisAgent
	Filter       FilterFunction
	Storage      StorageAgent
	Breakers     *BreakerRegistry
}

// Coordinator drives one source through the seven pipeline stages, branching
// on the duplicate detector's verdicts, with RunManager bookkeeping around
// every transition.
type Coordinator struct {
	deps  Deps
	cfg   *config.PipelineConfig
	log   *slog.Logger
	podID string
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps, cfg *config.PipelineConfig, log *slog.Logger, podID string) *Coordinator {
	if deps.Client == nil {
		panic("NewCoordinator: client must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultPipelineConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	if deps.Breakers == nil {
		deps.Breakers = NewBreakerRegistry()
	}
	return &Coordinator{deps: deps, cfg: cfg, log: log, podID: podID}
}

// runState accumulates per-run totals across stages.
type runState struct {
	source *ent.ApiSource
	force  bool
	// forceSourceFlag remembers whether the per-source flag contributed, so
	// a failed run can roll it back.
	forceSourceFlag bool
	forceGlobalFlag bool

	extracted []*models.ExtractedOpportunity
	detection *dedup.DetectionResult

	totalTokens   int
	totalAPICalls int
	stored        int
	updated       int
	startedAt     time.Time
}

// ProcessSource runs the full pipeline for one source. Errors come back in
// the Result rather than as a returned error; only the bookkeeping itself
// can make this function fail hard.
func (c *Coordinator) ProcessSource(ctx context.Context, sourceID, injectedRunID string) *Result {
	if _, err := uuid.Parse(sourceID); err != nil {
		return &Result{
			Status:   "error",
			Pipeline: PipelineVersion,
			SourceID: sourceID,
			Error:    fmt.Sprintf("invalid source id %q", sourceID),
		}
	}

	rm := NewRunManager(c.deps.Client, c.cfg, c.log, c.podID)
	state := &runState{startedAt: time.Now()}

	lock, lockErr := c.deps.Lock.TryAcquire(ctx, sourceID)
	if lockErr != nil {
		// Lock subsystem unreachable counts as not acquired.
		c.log.Warn("source lock unavailable", "source_id", sourceID, "error", lockErr)
		lock = nil
	}
	defer func() {
		if lock != nil {
			if err := c.deps.Lock.Release(context.WithoutCancel(ctx), lock); err != nil {
				c.log.Warn("failed to release source lock", "source_id", sourceID, "error", err)
			}
		}
	}()

	source, err := c.deps.Sources.GetSource(ctx, sourceID)
	if err != nil {
		return &Result{
			Status:   "error",
			Pipeline: PipelineVersion,
			SourceID: sourceID,
			RunID:    injectedRunID,
			Error:    fmt.Sprintf("failed to load source: %v", err),
		}
	}
	state.source = source

	state.forceSourceFlag = source.ForceFullReprocessing
	globalForce, err := c.deps.SystemConfig.GetGlobalForceFullReprocessing(ctx)
	if err != nil {
		c.log.Warn("failed to read global force flag, using process default",
			"error", err)
		globalForce = c.cfg.GlobalForceFullReprocessing
	}
	state.forceGlobalFlag = globalForce
	state.force = state.forceSourceFlag || state.forceGlobalFlag

	runID, err := rm.StartRun(ctx, sourceID, map[string]any{
		"pipeline_version":          PipelineVersion,
		"optimization_enabled":      true,
		"early_duplicate_detection": true,
		"metrics_collection":        true,
		"force_full_reprocessing":   state.force,
	}, injectedRunID)
	if err != nil {
		return &Result{
			Status:   "error",
			Pipeline: PipelineVersion,
			SourceID: sourceID,
			RunID:    injectedRunID,
			Error:    fmt.Sprintf("failed to start run: %v", err),
		}
	}

	if lock == nil || !lock.Acquired {
		if err := rm.SetConcurrentProcessingDetected(ctx); err != nil {
			c.log.Warn("failed to flag concurrent processing", "run_id", runID, "error", err)
		}
	}
	if state.force {
		if err := rm.SetForceFullReprocessingUsed(ctx); err != nil {
			c.log.Warn("failed to flag force full reprocessing", "run_id", runID, "error", err)
		}
	}

	if result := c.runStages(ctx, rm, state); result != nil {
		return result
	}

	totalTime := time.Since(state.startedAt)
	processed := state.stored + state.updated
	bypassed := 0
	if state.detection != nil {
		bypassed = state.detection.Metrics.LLMProcessingBypassed()
	}
	cost := float64(state.totalTokens) * c.cfg.CostPerTokenUSD

	if err := rm.UpdateOptimizationMetrics(ctx, OptimizationTotals{
		TotalOpportunities:      processed,
		BypassedLLM:             bypassed,
		TotalTokens:             state.totalTokens,
		TotalAPICalls:           state.totalAPICalls,
		EstimatedCostUSD:        cost,
		SuccessfulOpportunities: processed,
	}); err != nil {
		c.log.Warn("failed to update optimization metrics", "run_id", runID, "error", err)
	}

	finalResults := map[string]any{
		"opportunities_processed": processed,
		"new_stored":              state.stored,
		"updates_applied":         state.updated,
		"llm_bypassed":            bypassed,
		"total_tokens":            state.totalTokens,
		"total_api_calls":         state.totalAPICalls,
		"estimated_cost_usd":      cost,
	}
	if err := rm.CompleteRun(ctx, totalTime, finalResults); err != nil {
		if err == ErrAlreadyTerminal {
			return c.errorResult(rm, state, err, "")
		}
		c.log.Error("failed to complete run", "run_id", runID, "error", err)
	}

	c.finishFlags(ctx, state, true)
	if err := c.deps.Sources.TouchLastChecked(ctx, state.source.ID, time.Now().UTC()); err != nil {
		c.log.Warn("failed to touch last_checked", "source_id", state.source.ID, "error", err)
	}

	return &Result{
		Status:                 "success",
		Pipeline:               PipelineVersion,
		RunID:                  runID,
		SourceID:               sourceID,
		OpportunitiesProcessed: processed,
		TotalTokensUsed:        state.totalTokens,
		EstimatedCostUSD:       cost,
		ExecutionTimeMs:        totalTime.Milliseconds(),
		FinalResults:           finalResults,
	}
}

// runStages executes stages 1-7 plus the update branch. A non-nil Result is
// the error result to return to the caller.
func (c *Coordinator) runStages(ctx context.Context, rm *RunManager, state *runState) *Result {
	analysis, result := c.stageSourceOrchestrator(ctx, rm, state)
	if result != nil {
		return result
	}

	if result := c.stageDataExtraction(ctx, rm, state, analysis); result != nil {
		return result
	}

	if result := c.stageDuplicateDetection(ctx, rm, state); result != nil {
		return result
	}

	if result := c.branchNew(ctx, rm, state); result != nil {
		return result
	}
	if result := c.branchUpdate(ctx, rm, state); result != nil {
		return result
	}
	c.recordSkipPaths(ctx, rm, state)

	return nil
}

func (c *Coordinator) stageSourceOrchestrator(ctx context.Context, rm *RunManager, state *runState) (*AnalysisResult, *Result) {
	stage := StageSourceOrchestrator
	c.stageProcessing(ctx, rm, StageUpdate{StageName: stage, Status: StageStatusProcessing, InputCount: 0})

	analysis, _, err := RetryStage(ctx, stage, ConservativeRetry, rm, func(ctx context.Context) (*AnalysisResult, error) {
		out, err := c.deps.Breakers.Execute(state.source.ID, stage, func() (any, error) {
			return c.deps.Analyzer.Analyze(ctx, state.source)
		})
		if err != nil {
			return nil, err
		}
		return out.(*AnalysisResult), nil
	})
	if err != nil {
		return nil, c.failStage(ctx, rm, state, stage, err, StageUpdate{InputCount: 0})
	}

	state.totalTokens += analysis.TokensUsed
	state.totalAPICalls += analysis.APICalls
	c.stageCompleted(ctx, rm, StageUpdate{
		StageName:    stage,
		Status:       StageStatusCompleted,
		InputCount:   0,
		OutputCount:  1,
		TokensUsed:   analysis.TokensUsed,
		APICallsMade: analysis.APICalls,
		StageResults: map[string]any{
			"endpoint":   analysis.Endpoint,
			"workflow":   analysis.Workflow,
			"confidence": analysis.Confidence,
		},
	})
	return analysis, nil
}

func (c *Coordinator) stageDataExtraction(ctx context.Context, rm *RunManager, state *runState, analysis *AnalysisResult) *Result {
	stage := StageDataExtraction
	c.stageProcessing(ctx, rm, StageUpdate{StageName: stage, Status: StageStatusProcessing, InputCount: 1})

	extraction, _, err := RetryStage(ctx, stage, DefaultRetry, rm, func(ctx context.Context) (*ExtractionResult, error) {
		out, err := c.deps.Breakers.Execute(state.source.ID, stage, func() (any, error) {
			return c.deps.Extractor.Extract(ctx, state.source, analysis)
		})
		if err != nil {
			return nil, err
		}
		return out.(*ExtractionResult), nil
	})
	if err != nil {
		return c.failStage(ctx, rm, state, stage, err, StageUpdate{InputCount: 1})
	}

	state.extracted = extraction.Opportunities
	state.totalTokens += extraction.TotalTokens
	state.totalAPICalls += extraction.APICalls

	rate := 0.0
	if extraction.TotalFound > 0 {
		rate = float64(len(extraction.Opportunities)) / float64(extraction.TotalFound)
	}
	c.stageCompleted(ctx, rm, StageUpdate{
		StageName:    stage,
		Status:       StageStatusCompleted,
		InputCount:   1,
		OutputCount:  len(extraction.Opportunities),
		TokensUsed:   extraction.TotalTokens,
		APICallsMade: extraction.APICalls,
		StageResults: map[string]any{
			"totalAvailable":         extraction.TotalFound,
			"apiFetchedResults":      extraction.TotalRetrieved,
			"extractedOpportunities": len(extraction.Opportunities),
			"extractionRate":         rate,
			"raw_response_id":        extraction.RawResponseID,
		},
	})
	return nil
}

func (c *Coordinator) stageDuplicateDetection(ctx context.Context, rm *RunManager, state *runState) *Result {
	stage := StageEarlyDuplicateDetector
	extracted := len(state.extracted)

	if extracted == 0 {
		state.detection = &dedup.DetectionResult{}
		c.stageSkipped(ctx, rm, stage, skipReasonNoExtracted, 0)
		if err := rm.RecordDetectionSession(ctx, state.detection.Metrics); err != nil {
			c.log.Warn("failed to record detection session", "error", err)
		}
		return nil
	}

	c.stageProcessing(ctx, rm, StageUpdate{StageName: stage, Status: StageStatusProcessing, InputCount: extracted})

	detection, _, err := RetryStage(ctx, stage, ConservativeRetry, rm, func(ctx context.Context) (*dedup.DetectionResult, error) {
		return c.deps.Detector.Detect(ctx, state.source.ID, state.extracted, state.force)
	})
	if err != nil {
		return c.failStage(ctx, rm, state, stage, err, StageUpdate{InputCount: extracted})
	}
	state.detection = detection

	// Output is what keeps flowing: NEW records to analysis, UPDATE records
	// to direct update. SKIPs and validation failures stop here.
	outputCount := detection.Metrics.New + detection.Metrics.Update
	c.stageCompleted(ctx, rm, StageUpdate{
		StageName:   stage,
		Status:      StageStatusCompleted,
		InputCount:  extracted,
		OutputCount: outputCount,
		StageResults: map[string]any{
			"new":                 detection.Metrics.New,
			"update":              detection.Metrics.Update,
			"skip":                detection.Metrics.Skip,
			"validation_failures": detection.Metrics.ValidationFailures,
			"id_matches":          detection.Metrics.IDMatches,
			"title_matches":       detection.Metrics.TitleMatches,
			"freshness_skips":     detection.Metrics.FreshnessSkips,
			"bypassed":            state.force,
		},
	})

	if err := rm.RecordDetectionSession(ctx, detection.Metrics); err != nil {
		c.log.Warn("failed to record detection session", "error", err)
	}
	return nil
}

// branchNew runs analysis, filter, and storage over the NEW records.
func (c *Coordinator) branchNew(ctx context.Context, rm *RunManager, state *runState) *Result {
	newRecords := state.detection.NewOpportunities
	if len(newRecords) == 0 {
		c.stageSkipped(ctx, rm, StageAnalysis, skipReasonNoNew, 0)
		c.stageSkipped(ctx, rm, StageFilter, skipReasonNoNew, 0)
		c.stageSkipped(ctx, rm, StageStorage, skipReasonNoNew, 0)
		return nil
	}
	branchStart := time.Now()

	// Stage 5: analysis.
	c.stageProcessing(ctx, rm, StageUpdate{StageName: StageAnalysis, Status: StageStatusProcessing, InputCount: len(newRecords)})
	enhancement, _, err := RetryStage(ctx, StageAnalysis, DefaultRetry, rm, func(ctx context.Context) (*EnhancementResult, error) {
		return c.deps.Analysis.Enhance(ctx, newRecords, state.source)
	})
	if err != nil {
		return c.failStage(ctx, rm, state, StageAnalysis, err, StageUpdate{InputCount: len(newRecords)})
	}
	state.totalTokens += enhancement.TotalTokens
	state.totalAPICalls += enhancement.TotalAPICalls
	c.validateHandoff(StageAnalysis, len(newRecords), len(enhancement.Opportunities))
	c.stageCompleted(ctx, rm, StageUpdate{
		StageName:    StageAnalysis,
		Status:       StageStatusCompleted,
		InputCount:   len(newRecords),
		OutputCount:  len(enhancement.Opportunities),
		TokensUsed:   enhancement.TotalTokens,
		APICallsMade: enhancement.TotalAPICalls,
	})

	// Stage 6: filter. Pure, so no retry loop.
	c.stageProcessing(ctx, rm, StageUpdate{StageName: StageFilter, Status: StageStatusProcessing, InputCount: len(enhancement.Opportunities)})
	filterResult := c.deps.Filter(enhancement.Opportunities)
	c.stageCompleted(ctx, rm, StageUpdate{
		StageName:   StageFilter,
		Status:      StageStatusCompleted,
		InputCount:  len(enhancement.Opportunities),
		OutputCount: len(filterResult.Included),
		StageResults: map[string]any{
			"included": len(filterResult.Included),
			"excluded": filterResult.Excluded,
		},
	})

	// Stage 7: storage.
	if len(filterResult.Included) == 0 {
		c.stageSkipped(ctx, rm, StageStorage, skipReasonNoNew, 0)
	} else {
		c.stageProcessing(ctx, rm, StageUpdate{StageName: StageStorage, Status: StageStatusProcessing, InputCount: len(filterResult.Included)})
		storageResult, _, err := RetryStage(ctx, StageStorage, AggressiveRetry, rm, func(ctx context.Context) (*StorageResult, error) {
			return c.deps.Storage.Store(ctx, filterResult.Included, state.source, state.force)
		})
		if err != nil {
			return c.failStage(ctx, rm, state, StageStorage, err, StageUpdate{InputCount: len(filterResult.Included)})
		}
		stored := storageResult.NewOpportunities + storageResult.Updated
		state.stored = stored
		c.validateHandoff(StageStorage, len(filterResult.Included), stored+storageResult.Failed)
		c.stageCompleted(ctx, rm, StageUpdate{
			StageName:   StageStorage,
			Status:      StageStatusCompleted,
			InputCount:  len(filterResult.Included),
			OutputCount: stored,
			StageResults: map[string]any{
				"new_opportunities": storageResult.NewOpportunities,
				"updated":           storageResult.Updated,
				"failed":            storageResult.Failed,
			},
		})
		c.recordNewPaths(ctx, rm, state, enhancement.Opportunities, filterResult, storageResult, time.Since(branchStart))
		return nil
	}

	c.recordNewPaths(ctx, rm, state, enhancement.Opportunities, filterResult, &StorageResult{StoredIDs: map[string]string{}}, time.Since(branchStart))
	return nil
}

// branchUpdate runs direct updates over the UPDATE candidates.
func (c *Coordinator) branchUpdate(ctx context.Context, rm *RunManager, state *runState) *Result {
	candidates := state.detection.ToUpdate
	if len(candidates) == 0 {
		c.stageSkipped(ctx, rm, StageDirectUpdate, skipReasonNoUpdate, 0)
		return nil
	}
	branchStart := time.Now()

	c.stageProcessing(ctx, rm, StageUpdate{StageName: StageDirectUpdate, Status: StageStatusProcessing, InputCount: len(candidates)})
	updateResult, _, err := RetryStage(ctx, StageDirectUpdate, DefaultRetry, rm, func(ctx context.Context) (*dedup.UpdateResult, error) {
		return c.deps.DirectUpdate.Apply(ctx, candidates)
	})
	if err != nil {
		return c.failStage(ctx, rm, state, StageDirectUpdate, err, StageUpdate{InputCount: len(candidates)})
	}

	state.updated = updateResult.Metrics.Successful
	c.stageCompleted(ctx, rm, StageUpdate{
		StageName:   StageDirectUpdate,
		Status:      StageStatusCompleted,
		InputCount:  len(candidates),
		OutputCount: updateResult.Metrics.TotalProcessed,
		StageResults: map[string]any{
			"successful": updateResult.Metrics.Successful,
			"failed":     updateResult.Metrics.Failed,
			"skipped":    updateResult.Metrics.Skipped,
		},
	})

	c.recordUpdatePaths(ctx, rm, candidates, updateResult, time.Since(branchStart))
	return nil
}

func (c *Coordinator) recordNewPaths(ctx context.Context, rm *RunManager, state *runState, enhanced []*models.ExtractedOpportunity, filterResult *FilterResult, storageResult *StorageResult, branchTime time.Duration) {
	included := make(map[string]bool, len(filterResult.Included))
	for _, opp := range filterResult.Included {
		included[opp.APIOpportunityID] = true
	}

	perRecord := branchTime
	if len(enhanced) > 0 {
		perRecord = branchTime / time.Duration(len(enhanced))
	}

	for _, opp := range enhanced {
		record := PathRecord{
			APIOpportunityID: opp.APIOpportunityID,
			Title:            opp.Title,
			PathType:         dedup.PathNew,
			PathReason:       dedup.ReasonNoDuplicateFound,
			ProcessingTime:   perRecord,
		}
		if state.force {
			record.PathReason = dedup.ReasonForceFullReprocessing
		}
		if opp.Analysis != nil {
			record.TokensUsed = opp.Analysis.TokensUsed
			record.CostUSD = float64(opp.Analysis.TokensUsed) * c.cfg.CostPerTokenUSD
			score := opp.Analysis.RelevanceScore
			record.QualityScore = &score
		}

		switch {
		case !included[opp.APIOpportunityID]:
			record.FinalOutcome = "filtered_out"
			record.StagesProcessed = []string{StageEarlyDuplicateDetector, StageAnalysis, StageFilter}
		case storageResult.StoredIDs[opp.APIOpportunityID] != "":
			record.FinalOutcome = "stored"
			record.StagesProcessed = []string{StageEarlyDuplicateDetector, StageAnalysis, StageFilter, StageStorage}
		default:
			record.FinalOutcome = "failed"
			record.StagesProcessed = []string{StageEarlyDuplicateDetector, StageAnalysis, StageFilter, StageStorage}
		}

		if err := rm.RecordOpportunityPath(ctx, record); err != nil {
			c.log.Warn("failed to record opportunity path", "api_opportunity_id", opp.APIOpportunityID, "error", err)
		}
	}
}

func (c *Coordinator) recordUpdatePaths(ctx context.Context, rm *RunManager, candidates []*dedup.UpdateCandidate, updateResult *dedup.UpdateResult, branchTime time.Duration) {
	succeeded := make(map[string]bool, len(updateResult.Successful))
	for _, id := range updateResult.Successful {
		succeeded[id] = true
	}

	perRecord := branchTime
	if len(candidates) > 0 {
		perRecord = branchTime / time.Duration(len(candidates))
	}

	for _, candidate := range candidates {
		record := PathRecord{
			APIOpportunityID:      candidate.Record.APIOpportunityID,
			Title:                 candidate.Record.Title,
			PathType:              dedup.PathUpdate,
			PathReason:            candidate.Reason,
			StagesProcessed:       []string{StageEarlyDuplicateDetector, StageDirectUpdate},
			DuplicateDetected:     true,
			ExistingOpportunityID: candidate.Existing.ID,
			ChangesDetected:       candidate.ChangesDetected,
			DetectionMethod:       candidate.Method,
			ProcessingTime:        perRecord,
		}
		if succeeded[candidate.Existing.ID] {
			record.FinalOutcome = "updated"
		} else {
			record.FinalOutcome = "failed"
		}

		if err := rm.RecordOpportunityPath(ctx, record); err != nil {
			c.log.Warn("failed to record opportunity path", "api_opportunity_id", candidate.Record.APIOpportunityID, "error", err)
		}
	}
}

func (c *Coordinator) recordSkipPaths(ctx context.Context, rm *RunManager, state *runState) {
	for _, candidate := range state.detection.ToSkip {
		record := PathRecord{
			APIOpportunityID: candidate.Record.APIOpportunityID,
			Title:            candidate.Record.Title,
			PathType:         dedup.PathSkip,
			PathReason:       candidate.Reason,
			StagesProcessed:  []string{StageEarlyDuplicateDetector},
			FinalOutcome:     "skipped",
			DetectionMethod:  candidate.Method,
		}
		if candidate.Existing != nil {
			record.DuplicateDetected = true
			record.ExistingOpportunityID = candidate.Existing.ID
		}

		if err := rm.RecordOpportunityPath(ctx, record); err != nil {
			c.log.Warn("failed to record opportunity path", "api_opportunity_id", candidate.Record.APIOpportunityID, "error", err)
		}
	}
}

// validateHandoff checks the count invariant between consecutive main-path
// stages. A mismatch is logged, never fatal.
func (c *Coordinator) validateHandoff(stage string, inputCount, accounted int) {
	if inputCount != accounted {
		c.log.Warn("stage count handoff mismatch",
			"stage", stage, "input_count", inputCount, "accounted", accounted)
	}
}

func (c *Coordinator) stageProcessing(ctx context.Context, rm *RunManager, u StageUpdate) {
	if err := rm.UpdateStage(ctx, u); err != nil {
		c.log.Warn("failed to update stage", "stage", u.StageName, "status", u.Status, "error", err)
	}
}

func (c *Coordinator) stageCompleted(ctx context.Context, rm *RunManager, u StageUpdate) {
	if err := rm.UpdateStage(ctx, u); err != nil {
		c.log.Warn("failed to update stage", "stage", u.StageName, "status", u.Status, "error", err)
	}
}

func (c *Coordinator) stageSkipped(ctx context.Context, rm *RunManager, stageName, reason string, inputCount int) {
	err := rm.UpdateStage(ctx, StageUpdate{
		StageName:    stageName,
		Status:       StageStatusSkipped,
		InputCount:   inputCount,
		OutputCount:  0,
		StageResults: map[string]any{"reason": reason},
	})
	if err != nil {
		c.log.Warn("failed to mark stage skipped", "stage", stageName, "error", err)
	}
}

// failStage records the stage failure, rolls back the force flag, fails the
// run, and builds the error result for the caller.
func (c *Coordinator) failStage(ctx context.Context, rm *RunManager, state *runState, stageName string, cause error, u StageUpdate) *Result {
	classified := Classify(cause, stageName)

	u.StageName = stageName
	u.Status = StageStatusFailed
	u.ErrorMessage = classified.Message
	if err := rm.UpdateStage(ctx, u); err != nil {
		c.log.Warn("failed to mark stage failed", "stage", stageName, "error", err)
	}

	c.finishFlags(ctx, state, false)

	if err := rm.FailRun(ctx, classified, stageName); err != nil && err != ErrAlreadyTerminal {
		c.log.Error("failed to fail run", "run_id", rm.RunID(), "error", err)
	}

	return c.errorResult(rm, state, classified, stageName)
}

func (c *Coordinator) errorResult(rm *RunManager, state *runState, cause error, failedStage string) *Result {
	return &Result{
		Status:          "error",
		Pipeline:        PipelineVersion,
		RunID:           rm.RunID(),
		SourceID:        state.source.ID,
		Error:           cause.Error(),
		FailedStage:     failedStage,
		ExecutionTimeMs: time.Since(state.startedAt).Milliseconds(),
	}
}

// finishFlags settles the per-source force-reprocessing flag after a
// terminal transition: success clears it, failure re-sets it so the next run
// retries the full pass. The global flag spans sources, so one source's
// completion never clears it; only the admin surface does.
func (c *Coordinator) finishFlags(ctx context.Context, state *runState, succeeded bool) {
	if !state.force {
		return
	}

	if succeeded {
		if state.forceSourceFlag {
			if err := c.deps.Sources.SetForceReprocessing(ctx, state.source.ID, false); err != nil {
				c.log.Warn("failed to clear force flag", "source_id", state.source.ID, "error", err)
			}
		}
		return
	}

	if state.forceSourceFlag {
		if err := c.deps.Sources.SetForceReprocessing(ctx, state.source.ID, true); err != nil {
			c.log.Warn("failed to restore force flag", "source_id", state.source.ID, "error", err)
		}
	}
}
