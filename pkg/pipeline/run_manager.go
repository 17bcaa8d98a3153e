package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/detectionsession"
	"github.com/grantstream-io/grantstream/ent/opportunitypath"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/ent/pipelinestage"
	"github.com/grantstream-io/grantstream/pkg/config"
	"github.com/grantstream-io/grantstream/pkg/dedup"
)

// OrphanReason marks runs failed by the orphan sweep rather than by their
// own coordinator.
const OrphanReason = "orphaned_run_cleanup"

// StageUpdate is one upsert of a stage row.
type StageUpdate struct {
	StageName          string
	Status             string
	StageResults       map[string]any
	PerformanceMetrics map[string]any
	TokensUsed         int
	APICallsMade       int
	InputCount         int
	OutputCount        int
	JobID              string
	ErrorMessage       string
	// ExecutionTimeMs overrides the computed completed-started delta.
	ExecutionTimeMs *int64
}

// PathRecord is one opportunity's journey through a run.
type PathRecord struct {
	APIOpportunityID      string
	Title                 string
	PathType              dedup.PathType
	PathReason            string
	StagesProcessed       []string
	FinalOutcome          string
	TokensUsed            int
	ProcessingTime        time.Duration
	CostUSD               float64
	DuplicateDetected     bool
	ExistingOpportunityID string
	ChangesDetected       []string
	DetectionMethod       string
	QualityScore          *float64
}

// OptimizationTotals are the run-level accumulators fed to metric
// recomputation after the branches finish.
type OptimizationTotals struct {
	TotalOpportunities      int
	BypassedLLM             int
	TotalTokens             int
	TotalAPICalls           int
	EstimatedCostUSD        float64
	SuccessfulOpportunities int
}

// RunManager owns all datastore writes for one pipeline run: the run row,
// its stage rows, opportunity paths, and the detection session. Terminal
// transitions are single-writer: an in-process flag plus a conditional
// status update guard against a concurrent completer (worker vs timeout
// guard vs orphan sweep).
type RunManager struct {
	client *ent.Client
	cfg    *config.PipelineConfig
	log    *slog.Logger

	runID    string
	sourceID string
	podID    string

	mu               sync.Mutex
	terminal         bool
	currentStage     string
	timeoutGuard     *time.Timer
	failureBreakdown map[string]int
	totals           OptimizationTotals
	runStartedAt     time.Time
}

// NewRunManager creates a RunManager for a single run. Call StartRun before
// any other method.
func NewRunManager(client *ent.Client, cfg *config.PipelineConfig, log *slog.Logger, podID string) *RunManager {
	if client == nil {
		panic("NewRunManager: client must not be nil")
	}
	if cfg == nil {
		cfg = config.DefaultPipelineConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &RunManager{
		client:           client,
		cfg:              cfg,
		log:              log,
		podID:            podID,
		failureBreakdown: make(map[string]int),
	}
}

// RunID returns the id of the managed run; empty before StartRun.
func (m *RunManager) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runID
}

// SLATargets derives the scoring targets from configuration.
func (m *RunManager) SLATargets() SLATargets {
	return SLATargets{
		OpportunitiesPerMinute: m.cfg.SLATargetOppsPerMinute,
		SuccessRatePercentage:  m.cfg.SLATargetSuccessRate,
		CostPerOpportunityUSD:  m.cfg.SLATargetCostPerOpportunity,
		TotalTime:              m.cfg.SLATargetTotalTime,
	}
}

// StartRun claims (or creates) the run row and moves it to processing.
// Idempotent when an injected run id already points at a processing run,
// which happens when a worker re-enters after a transient failure.
func (m *RunManager) StartRun(ctx context.Context, sourceID string, configuration map[string]any, injectedRunID string) (string, error) {
	now := time.Now().UTC()

	runID := injectedRunID
	if runID == "" {
		runID = uuid.New().String()
		create := m.client.PipelineRun.Create().
			SetID(runID).
			SetSourceID(sourceID).
			SetPipelineVersion(PipelineVersion).
			SetStatus(pipelinerun.StatusStarted)
		if configuration != nil {
			create.SetConfiguration(configuration)
		}
		if _, err := create.Save(ctx); err != nil {
			return "", fmt.Errorf("failed to create run: %w", err)
		}
	}

	upd := m.client.PipelineRun.Update().
		Where(
			pipelinerun.ID(runID),
			pipelinerun.StatusEQ(pipelinerun.StatusStarted),
		).
		SetStatus(pipelinerun.StatusProcessing).
		SetStartedAt(now).
		SetLastHeartbeatAt(now)
	if configuration != nil {
		upd.SetConfiguration(configuration)
	}
	if m.podID != "" {
		upd.SetPodID(m.podID)
	}

	n, err := upd.Save(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to claim run: %w", err)
	}
	if n == 0 {
		run, err := m.client.PipelineRun.Get(ctx, runID)
		if err != nil {
			return "", fmt.Errorf("failed to load run %s: %w", runID, err)
		}
		if run.Status != pipelinerun.StatusProcessing {
			return "", fmt.Errorf("run %s is already terminal (%s)", runID, run.Status)
		}
		now = run.StartedAt.UTC()
	}

	m.mu.Lock()
	m.runID = runID
	m.sourceID = sourceID
	m.runStartedAt = now
	m.terminal = false
	m.mu.Unlock()

	m.armTimeoutGuard()

	m.log.Info("pipeline run started",
		"run_id", runID, "source_id", sourceID, "pipeline_version", PipelineVersion)
	return runID, nil
}

// armTimeoutGuard fails the run if it is still non-terminal when the run
// timeout expires. Armed once per StartRun.
func (m *RunManager) armTimeoutGuard() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timeoutGuard != nil {
		m.timeoutGuard.Stop()
	}
	m.timeoutGuard = time.AfterFunc(m.cfg.RunTimeout, func() {
		m.mu.Lock()
		stage := m.currentStage
		done := m.terminal
		m.mu.Unlock()
		if done {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := fmt.Errorf("run timed out after %s", m.cfg.RunTimeout)
		if stage != "" {
			m.markStageFailed(ctx, stage, err.Error())
		}
		if failErr := m.FailRun(ctx, err, stage); failErr != nil {
			m.log.Error("timeout guard could not fail run", "run_id", m.RunID(), "error", failErr)
		}
	})
}

// markStageFailed force-fails an in-flight stage row, leaving its counters
// as the last UpdateStage wrote them. The timeout guard uses it so a run
// stuck mid-stage does not leave that stage at processing forever.
func (m *RunManager) markStageFailed(ctx context.Context, stageName, message string) {
	existing, err := m.client.PipelineStage.Query().
		Where(
			pipelinestage.RunID(m.RunID()),
			pipelinestage.StageName(stageName),
		).
		Only(ctx)
	if err != nil {
		m.log.Warn("failed to load stage for timeout", "stage", stageName, "error", err)
		return
	}
	if isTerminalStageStatus(string(existing.Status)) {
		return
	}

	now := time.Now().UTC()
	upd := existing.Update().
		SetStatus(pipelinestage.StatusFailed).
		SetErrorMessage(message).
		SetCompletedAt(now)
	if existing.StartedAt != nil {
		upd.SetExecutionTimeMs(now.Sub(*existing.StartedAt).Milliseconds())
	}
	if _, err := upd.Save(ctx); err != nil {
		m.log.Warn("failed to mark stage failed on timeout", "stage", stageName, "error", err)
	}
}

func (m *RunManager) disarmTimeoutGuard() {
	if m.timeoutGuard != nil {
		m.timeoutGuard.Stop()
		m.timeoutGuard = nil
	}
}

// Heartbeat refreshes the run's liveness marker so the orphan sweep leaves
// it alone.
func (m *RunManager) Heartbeat(ctx context.Context) error {
	_, err := m.client.PipelineRun.Update().
		Where(
			pipelinerun.ID(m.RunID()),
			pipelinerun.StatusEQ(pipelinerun.StatusProcessing),
		).
		SetLastHeartbeatAt(time.Now().UTC()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	return nil
}

// UpdateStage upserts one stage row. Entering processing stamps started_at;
// any terminal status stamps completed_at and derives execution_time_ms.
func (m *RunManager) UpdateStage(ctx context.Context, u StageUpdate) error {
	runID := m.RunID()
	now := time.Now().UTC()

	if u.Status == StageStatusProcessing {
		m.mu.Lock()
		m.currentStage = u.StageName
		m.mu.Unlock()
	}

	existing, err := m.client.PipelineStage.Query().
		Where(
			pipelinestage.RunID(runID),
			pipelinestage.StageName(u.StageName),
		).
		Only(ctx)
	if err != nil && !ent.IsNotFound(err) {
		return fmt.Errorf("failed to load stage %s: %w", u.StageName, err)
	}

	cost := float64(u.TokensUsed) * m.cfg.CostPerTokenUSD

	if existing == nil {
		create := m.client.PipelineStage.Create().
			SetID(uuid.New().String()).
			SetRunID(runID).
			SetStageName(u.StageName).
			SetStageOrder(StageOrder(u.StageName)).
			SetStatus(pipelinestage.Status(u.Status)).
			SetInputCount(u.InputCount).
			SetOutputCount(u.OutputCount).
			SetTokensUsed(u.TokensUsed).
			SetAPICallsMade(u.APICallsMade).
			SetEstimatedCostUsd(cost)
		if u.Status != StageStatusPending {
			create.SetStartedAt(now)
		}
		if isTerminalStageStatus(u.Status) {
			create.SetCompletedAt(now)
			if u.ExecutionTimeMs != nil {
				create.SetExecutionTimeMs(*u.ExecutionTimeMs)
			} else {
				create.SetExecutionTimeMs(0)
			}
		}
		if u.StageResults != nil {
			create.SetStageResults(u.StageResults)
		}
		if u.PerformanceMetrics != nil {
			create.SetPerformanceMetrics(u.PerformanceMetrics)
		}
		if u.JobID != "" {
			create.SetJobID(u.JobID)
		}
		if u.ErrorMessage != "" {
			create.SetErrorMessage(u.ErrorMessage)
		}
		if _, err := create.Save(ctx); err != nil {
			return fmt.Errorf("failed to create stage %s: %w", u.StageName, err)
		}
		return nil
	}

	upd := existing.Update().
		SetStatus(pipelinestage.Status(u.Status)).
		SetInputCount(u.InputCount).
		SetOutputCount(u.OutputCount).
		SetTokensUsed(u.TokensUsed).
		SetAPICallsMade(u.APICallsMade).
		SetEstimatedCostUsd(cost)

	startedAt := existing.StartedAt
	if u.Status == StageStatusProcessing && startedAt == nil {
		upd.SetStartedAt(now)
		startedAt = &now
	}
	if isTerminalStageStatus(u.Status) {
		upd.SetCompletedAt(now)
		switch {
		case u.ExecutionTimeMs != nil:
			upd.SetExecutionTimeMs(*u.ExecutionTimeMs)
		case startedAt != nil:
			upd.SetExecutionTimeMs(now.Sub(*startedAt).Milliseconds())
		default:
			upd.SetExecutionTimeMs(0)
		}
	}
	if u.StageResults != nil {
		upd.SetStageResults(u.StageResults)
	}
	if u.PerformanceMetrics != nil {
		upd.SetPerformanceMetrics(u.PerformanceMetrics)
	}
	if u.JobID != "" {
		upd.SetJobID(u.JobID)
	}
	if u.ErrorMessage != "" {
		upd.SetErrorMessage(u.ErrorMessage)
	}

	if _, err := upd.Save(ctx); err != nil {
		return fmt.Errorf("failed to update stage %s: %w", u.StageName, err)
	}
	return nil
}

func isTerminalStageStatus(status string) bool {
	switch status {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// AddRetryAttempt appends a retry entry to the stage's history.
func (m *RunManager) AddRetryAttempt(ctx context.Context, stageName string, attempt int, delay time.Duration, reason string) {
	m.appendRetryHistory(ctx, stageName, map[string]any{
		"event":    "retry",
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"reason":   reason,
	})
}

// RecordStageFailure appends a failure entry to the stage's retry history.
// Breakdown accounting happens once, in FailRun, so an exhausted retry
// budget followed by the terminal transition counts a single failure.
func (m *RunManager) RecordStageFailure(ctx context.Context, stageName string, attempt int, classified *ClassifiedError, elapsed time.Duration) {
	m.appendRetryHistory(ctx, stageName, map[string]any{
		"event":      "failure",
		"attempt":    attempt,
		"category":   string(classified.Category),
		"retryable":  classified.Retryable,
		"message":    classified.Message,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// RecordRecovery appends a recovery entry after a stage succeeds on a retry.
func (m *RunManager) RecordRecovery(ctx context.Context, stageName string, attempts int) {
	m.appendRetryHistory(ctx, stageName, map[string]any{
		"event":    "recovery",
		"attempts": attempts,
	})
}

// appendRetryHistory is best-effort: retry bookkeeping must never fail a
// run, so errors are logged and dropped.
func (m *RunManager) appendRetryHistory(ctx context.Context, stageName string, entry map[string]any) {
	entry["at"] = time.Now().UTC().Format(time.RFC3339)
	runID := m.RunID()

	existing, err := m.client.PipelineStage.Query().
		Where(
			pipelinestage.RunID(runID),
			pipelinestage.StageName(stageName),
		).
		Only(ctx)
	if err != nil {
		if !ent.IsNotFound(err) {
			m.log.Warn("failed to load stage for retry history", "stage", stageName, "error", err)
			return
		}
		_, err = m.client.PipelineStage.Create().
			SetID(uuid.New().String()).
			SetRunID(runID).
			SetStageName(stageName).
			SetStageOrder(StageOrder(stageName)).
			SetStatus(pipelinestage.StatusPending).
			SetRetryHistory([]map[string]any{entry}).
			Save(ctx)
		if err != nil {
			m.log.Warn("failed to create stage for retry history", "stage", stageName, "error", err)
		}
		return
	}

	history := append(existing.RetryHistory, entry)
	if _, err := existing.Update().SetRetryHistory(history).Save(ctx); err != nil {
		m.log.Warn("failed to append retry history", "stage", stageName, "error", err)
	}
}

// RecordOpportunityPath writes one opportunity's analytics record.
func (m *RunManager) RecordOpportunityPath(ctx context.Context, p PathRecord) error {
	create := m.client.OpportunityPath.Create().
		SetID(uuid.New().String()).
		SetRunID(m.RunID()).
		SetSourceID(m.sourceID).
		SetAPIOpportunityID(p.APIOpportunityID).
		SetTitle(p.Title).
		SetPathType(opportunitypath.PathType(p.PathType)).
		SetPathReason(p.PathReason).
		SetStagesProcessed(p.StagesProcessed).
		SetFinalOutcome(opportunitypath.FinalOutcome(p.FinalOutcome)).
		SetTokensUsed(p.TokensUsed).
		SetProcessingTimeMs(p.ProcessingTime.Milliseconds()).
		SetCostUsd(p.CostUSD).
		SetDuplicateDetected(p.DuplicateDetected).
		SetDuplicateDetectionMethod(p.DetectionMethod)
	if p.ExistingOpportunityID != "" {
		create.SetExistingOpportunityID(p.ExistingOpportunityID)
	}
	if p.ChangesDetected != nil {
		create.SetChangesDetected(p.ChangesDetected)
	}
	if p.QualityScore != nil {
		create.SetQualityScore(*p.QualityScore)
	}

	if _, err := create.Save(ctx); err != nil {
		return fmt.Errorf("failed to record opportunity path: %w", err)
	}
	return nil
}

// RecordDetectionSession writes the run's duplicate-detection accounting.
// One session per run, enforced by a unique index.
func (m *RunManager) RecordDetectionSession(ctx context.Context, metrics dedup.Metrics) error {
	_, err := m.client.DetectionSession.Create().
		SetID(uuid.New().String()).
		SetRunID(m.RunID()).
		SetSourceID(m.sourceID).
		SetTotalOpportunitiesChecked(metrics.TotalChecked).
		SetNewOpportunities(metrics.New).
		SetDuplicatesToUpdate(metrics.Update).
		SetDuplicatesToSkip(metrics.Skip).
		SetDetectionTimeMs(metrics.DetectionTime.Milliseconds()).
		SetDatabaseQueriesMade(metrics.DatabaseQueries).
		SetLlmProcessingBypassed(metrics.LLMProcessingBypassed()).
		SetIDMatches(metrics.IDMatches).
		SetTitleMatches(metrics.TitleMatches).
		SetValidationFailures(metrics.ValidationFailures).
		SetFreshnessSkips(metrics.FreshnessSkips).
		Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return m.updateDetectionSession(ctx, metrics)
		}
		return fmt.Errorf("failed to record detection session: %w", err)
	}
	return nil
}

func (m *RunManager) updateDetectionSession(ctx context.Context, metrics dedup.Metrics) error {
	_, err := m.client.DetectionSession.Update().
		Where(detectionsession.RunID(m.RunID())).
		SetTotalOpportunitiesChecked(metrics.TotalChecked).
		SetNewOpportunities(metrics.New).
		SetDuplicatesToUpdate(metrics.Update).
		SetDuplicatesToSkip(metrics.Skip).
		SetDetectionTimeMs(metrics.DetectionTime.Milliseconds()).
		SetDatabaseQueriesMade(metrics.DatabaseQueries).
		SetLlmProcessingBypassed(metrics.LLMProcessingBypassed()).
		SetIDMatches(metrics.IDMatches).
		SetTitleMatches(metrics.TitleMatches).
		SetValidationFailures(metrics.ValidationFailures).
		SetFreshnessSkips(metrics.FreshnessSkips).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to update detection session: %w", err)
	}
	return nil
}

// UpdateOptimizationMetrics writes accumulated totals and recomputes the
// derived throughput/cost/SLA metrics on the run row.
func (m *RunManager) UpdateOptimizationMetrics(ctx context.Context, totals OptimizationTotals) error {
	m.mu.Lock()
	m.totals = totals
	failures := 0
	for _, n := range m.failureBreakdown {
		failures += n
	}
	elapsed := time.Since(m.runStartedAt).Milliseconds()
	m.mu.Unlock()

	opm := OpportunitiesPerMinute(totals.TotalOpportunities, elapsed)
	tokensPerOpp := TokensPerOpportunity(totals.TotalTokens, totals.TotalOpportunities)
	costPerOpp := CostPerOpportunity(totals.EstimatedCostUSD, totals.TotalOpportunities)
	successRate := SuccessRate(failures, totals.TotalOpportunities)
	sla := SLACompliance(m.SLATargets(), opm, successRate, costPerOpp, elapsed)

	_, err := m.client.PipelineRun.Update().
		Where(pipelinerun.ID(m.RunID())).
		SetOpportunitiesProcessed(totals.TotalOpportunities).
		SetTokensUsed(totals.TotalTokens).
		SetAPICalls(totals.TotalAPICalls).
		SetOpportunitiesBypassedLlm(totals.BypassedLLM).
		SetEstimatedCostUsd(totals.EstimatedCostUSD).
		SetOpportunitiesPerMinute(opm).
		SetTokensPerOpportunity(tokensPerOpp).
		SetCostPerOpportunityUsd(costPerOpp).
		SetSuccessRatePercentage(successRate).
		SetSLACompliancePercentage(sla).
		SetSLAGrade(SLAGrade(sla)).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to update optimization metrics: %w", err)
	}
	return nil
}

// SetConcurrentProcessingDetected marks the run as having raced another run
// of the same source past the advisory lock.
func (m *RunManager) SetConcurrentProcessingDetected(ctx context.Context) error {
	_, err := m.client.PipelineRun.Update().
		Where(pipelinerun.ID(m.RunID())).
		SetConcurrentProcessingDetected(true).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to flag concurrent processing: %w", err)
	}
	return nil
}

// SetForceFullReprocessingUsed records that this run bypassed duplicate
// detection.
func (m *RunManager) SetForceFullReprocessingUsed(ctx context.Context) error {
	_, err := m.client.PipelineRun.Update().
		Where(pipelinerun.ID(m.RunID())).
		SetForceFullReprocessingUsed(true).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to flag force full reprocessing: %w", err)
	}
	return nil
}

// CompleteRun makes the single terminal transition to completed. A run that
// is already terminal (timed out, orphan-swept) is left untouched and the
// call reports ErrAlreadyTerminal.
func (m *RunManager) CompleteRun(ctx context.Context, totalTime time.Duration, finalResults map[string]any) error {
	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return ErrAlreadyTerminal
	}
	m.terminal = true
	m.disarmTimeoutGuard()
	m.mu.Unlock()

	now := time.Now().UTC()
	upd := m.client.PipelineRun.Update().
		Where(
			pipelinerun.ID(m.RunID()),
			pipelinerun.StatusIn(pipelinerun.StatusStarted, pipelinerun.StatusProcessing),
		).
		SetStatus(pipelinerun.StatusCompleted).
		SetCompletedAt(now).
		SetTotalExecutionTimeMs(totalTime.Milliseconds())
	if finalResults != nil {
		upd.SetFinalResults(finalResults)
	}

	n, err := upd.Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n == 0 {
		return ErrAlreadyTerminal
	}

	m.log.Info("pipeline run completed",
		"run_id", m.RunID(), "source_id", m.sourceID,
		"execution_time_ms", totalTime.Milliseconds())
	return nil
}

// FailRun makes the single terminal transition to failed, recording the
// classified error, the failing stage, and the failure breakdown, then
// recomputes success and SLA metrics with the failures counted.
func (m *RunManager) FailRun(ctx context.Context, cause error, failedStage string) error {
	classified := Classify(cause, failedStage)

	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return ErrAlreadyTerminal
	}
	m.terminal = true
	m.disarmTimeoutGuard()
	m.failureBreakdown[string(classified.Category)]++
	breakdown := make(map[string]int, len(m.failureBreakdown))
	failures := 0
	for k, v := range m.failureBreakdown {
		breakdown[k] = v
		failures += v
	}
	totals := m.totals
	elapsed := time.Since(m.runStartedAt)
	m.mu.Unlock()

	opm := OpportunitiesPerMinute(totals.TotalOpportunities, elapsed.Milliseconds())
	costPerOpp := CostPerOpportunity(totals.EstimatedCostUSD, totals.TotalOpportunities)
	successRate := SuccessRate(failures, totals.TotalOpportunities)
	sla := SLACompliance(m.SLATargets(), opm, successRate, costPerOpp, elapsed.Milliseconds())

	now := time.Now().UTC()
	n, err := m.client.PipelineRun.Update().
		Where(
			pipelinerun.ID(m.RunID()),
			pipelinerun.StatusIn(pipelinerun.StatusStarted, pipelinerun.StatusProcessing),
		).
		SetStatus(pipelinerun.StatusFailed).
		SetCompletedAt(now).
		SetTotalExecutionTimeMs(elapsed.Milliseconds()).
		SetFailedStage(failedStage).
		SetFailureBreakdown(breakdown).
		SetErrorDetails(map[string]any{
			"category":  string(classified.Category),
			"message":   classified.Message,
			"stage":     failedStage,
			"retryable": classified.Retryable,
		}).
		SetSuccessRatePercentage(successRate).
		SetSLACompliancePercentage(sla).
		SetSLAGrade(SLAGrade(sla)).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	if n == 0 {
		return ErrAlreadyTerminal
	}

	m.log.Warn("pipeline run failed",
		"run_id", m.RunID(), "source_id", m.sourceID,
		"failed_stage", failedStage, "category", string(classified.Category),
		"error", classified.Message)
	return nil
}

// CleanupOrphanedRuns fails runs stuck in started or processing whose
// heartbeat (or creation, if never claimed) is older than the threshold.
// Returns the number of runs swept.
func CleanupOrphanedRuns(ctx context.Context, client *ent.Client, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	orphans, err := client.PipelineRun.Query().
		Where(
			pipelinerun.StatusIn(pipelinerun.StatusStarted, pipelinerun.StatusProcessing),
			pipelinerun.Or(
				pipelinerun.And(
					pipelinerun.LastHeartbeatAtNotNil(),
					pipelinerun.LastHeartbeatAtLT(cutoff),
				),
				pipelinerun.And(
					pipelinerun.LastHeartbeatAtIsNil(),
					pipelinerun.CreatedAtLT(cutoff),
				),
			),
		).
		All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to query orphaned runs: %w", err)
	}

	swept := 0
	now := time.Now().UTC()
	for _, run := range orphans {
		n, err := client.PipelineRun.Update().
			Where(
				pipelinerun.ID(run.ID),
				pipelinerun.StatusIn(pipelinerun.StatusStarted, pipelinerun.StatusProcessing),
			).
			SetStatus(pipelinerun.StatusFailed).
			SetCompletedAt(now).
			SetFailedStage(run.FailedStage).
			SetErrorDetails(map[string]any{
				"category": string(CategoryTimeout),
				"message":  OrphanReason,
				"reason":   OrphanReason,
			}).
			Save(ctx)
		if err != nil {
			return swept, fmt.Errorf("failed to sweep orphaned run %s: %w", run.ID, err)
		}
		swept += n
	}
	return swept, nil
}
