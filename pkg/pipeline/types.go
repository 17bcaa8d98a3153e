package pipeline

// PipelineVersion tags every run written by this coordinator.
const PipelineVersion = "v2"

// Stage names, in execution order. api_fetch only appears for sources whose
// extraction needs a separate fetch pass; direct_update runs on the UPDATE
// branch after the main path.
const (
	StageSourceOrchestrator     = "source_orchestrator"
	StageAPIFetch               = "api_fetch"
	StageDataExtraction         = "data_extraction"
	StageEarlyDuplicateDetector = "early_duplicate_detector"
	StageAnalysis               = "analysis"
	StageFilter                 = "filter"
	StageStorage                = "storage"
	StageDirectUpdate           = "direct_update"
)

var stageOrder = map[string]int{
	StageSourceOrchestrator:     1,
	StageAPIFetch:               2,
	StageDataExtraction:         3,
	StageEarlyDuplicateDetector: 4,
	StageAnalysis:               5,
	StageFilter:                 6,
	StageStorage:                7,
	StageDirectUpdate:           8,
}

// StageOrder returns the fixed position of a stage in the pipeline, or 0 for
// unknown names.
func StageOrder(name string) int {
	return stageOrder[name]
}

// Stage statuses, mirroring the pipeline_stages schema enum.
const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
	StageStatusSkipped    = "skipped"
)

// Result is the structured outcome of one processSource invocation. Errors
// are reported here rather than re-raised at the process boundary.
type Result struct {
	Status                 string         `json:"status"` // "success" or "error"
	Pipeline               string         `json:"pipeline"`
	RunID                  string         `json:"run_id"`
	SourceID               string         `json:"source_id"`
	OpportunitiesProcessed int            `json:"opportunities_processed"`
	TotalTokensUsed        int            `json:"total_tokens_used"`
	EstimatedCostUSD       float64        `json:"estimated_cost_usd"`
	ExecutionTimeMs        int64          `json:"execution_time_ms"`
	FinalResults           map[string]any `json:"final_results,omitempty"`
	Error                  string         `json:"error,omitempty"`
	FailedStage            string         `json:"failed_stage,omitempty"`
}
