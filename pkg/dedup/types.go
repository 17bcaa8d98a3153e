package dedup

import (
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/models"
)

// PathType is the class assigned to an extracted record by the detector.
type PathType string

const (
	PathNew    PathType = "new"
	PathUpdate PathType = "update"
	PathSkip   PathType = "skip"
)

// Classification reasons, recorded on opportunity paths.
const (
	ReasonNoDuplicateFound      = "no_duplicate_found"
	ReasonFreshNoUpdateNeeded   = "fresh_no_update_needed"
	ReasonNoChangesDetected     = "no_changes_detected"
	ReasonFieldsChanged         = "fields_changed"
	ReasonForceFullReprocessing = "force_full_reprocessing"
	ReasonValidationFailure     = "validation_failure"
)

// Duplicate match methods, recorded for analytics.
const (
	MethodAPIOpportunityID = "api_opportunity_id"
	MethodNormalizedTitle  = "normalized_title"
)

// UpdateCandidate pairs an extracted record with the stored row it should
// update and the fields that differ.
type UpdateCandidate struct {
	Record          *models.ExtractedOpportunity
	Existing        *ent.FundingOpportunity
	ChangesDetected []string
	Method          string
	Reason          string
}

// SkipCandidate is a record the pipeline drops, with the stored row that
// made it redundant (nil for validation failures).
type SkipCandidate struct {
	Record   *models.ExtractedOpportunity
	Existing *ent.FundingOpportunity
	Method   string
	Reason   string
}

// Metrics is the accounting for one detection session.
type Metrics struct {
	TotalChecked       int
	New                int
	Update             int
	Skip               int
	ValidationFailures int
	IDMatches          int
	TitleMatches       int
	FreshnessSkips     int
	DatabaseQueries    int
	DetectionTime      time.Duration
}

// LLMProcessingBypassed counts records that avoid the analysis stage
// entirely: updates and skips.
func (m Metrics) LLMProcessingBypassed() int {
	return m.Update + m.Skip
}

// DetectionResult partitions a batch of extracted records.
type DetectionResult struct {
	NewOpportunities []*models.ExtractedOpportunity
	ToUpdate         []*UpdateCandidate
	ToSkip           []*SkipCandidate
	Metrics          Metrics
}

// UpdateResult is the direct-update handler's accounting.
type UpdateResult struct {
	Successful []string // canonical opportunity ids
	Failed     int
	Skipped    int // concurrent write detected, not retried
	Metrics    UpdateMetrics
}

// UpdateMetrics summarizes one direct-update pass.
// TotalProcessed = Successful + Failed + Skipped.
type UpdateMetrics struct {
	TotalProcessed int
	Successful     int
	Failed         int
	Skipped        int
	ExecutionTime  time.Duration
}
