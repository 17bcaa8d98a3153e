package pipeline

import (
	"context"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/models"
)

// AnalysisResult is the SourceAnalyzer's plan for processing a source.
type AnalysisResult struct {
	Endpoint      string
	Workflow      string
	Confidence    float64
	TokensUsed    int
	APICalls      int
	ExecutionTime time.Duration
}

// SourceAnalyzer inspects a source and decides how to extract from it.
// Implementations must not mutate the source.
type SourceAnalyzer interface {
	Analyze(ctx context.Context, source *ent.ApiSource) (*AnalysisResult, error)
}

// ExtractionResult is the DataExtractor's output: normalized opportunities
// plus fetch accounting.
type ExtractionResult struct {
	Opportunities  []*models.ExtractedOpportunity
	RawResponseID  string
	TotalFound     int
	TotalRetrieved int
	APICalls       int
	TotalTokens    int
	ExecutionTime  time.Duration
}

// DataExtractor pulls raw records from the source API, handling pagination,
// detail fan-out, and response mapping. Every returned opportunity carries an
// api_opportunity_id.
type DataExtractor interface {
	Extract(ctx context.Context, source *ent.ApiSource, analysis *AnalysisResult) (*ExtractionResult, error)
}

// EnhancementResult is the AnalysisAgent's output. Opportunity order is
// preserved from the input.
type EnhancementResult struct {
	Opportunities []*models.ExtractedOpportunity
	TotalTokens   int
	TotalAPICalls int
	ExecutionTime time.Duration
}

// AnalysisAgent enriches NEW opportunities with scoring and categorization.
type AnalysisAgent interface {
	Enhance(ctx context.Context, opportunities []*models.ExtractedOpportunity, source *ent.ApiSource) (*EnhancementResult, error)
}

// FilterResult is the FilterFunction's output.
type FilterResult struct {
	Included      []*models.ExtractedOpportunity
	Excluded      int
	ExecutionTime time.Duration
}

// FilterFunction decides which enhanced opportunities continue to storage.
// Must be deterministic and side-effect free.
type FilterFunction func(opportunities []*models.ExtractedOpportunity) *FilterResult

// StorageResult is the StorageAgent's accounting of an upsert batch.
type StorageResult struct {
	NewOpportunities int
	Updated          int
	Failed           int
	// StoredIDs maps api_opportunity_id to the canonical opportunity id.
	StoredIDs     map[string]string
	ExecutionTime time.Duration
}

// StorageAgent persists included opportunities. Idempotent: re-storing an
// api_opportunity_id that was just stored is a no-op, not a failure.
type StorageAgent interface {
	Store(ctx context.Context, opportunities []*models.ExtractedOpportunity, source *ent.ApiSource, forceFullReprocessing bool) (*StorageResult, error)
}
