package agent

import (
	"strings"
	"time"

	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

// DefaultMinRelevance is the score floor applied by the default filter.
const DefaultMinRelevance = 0.25

// NewRelevanceFilter builds the deterministic filter stage: drops records
// without a title and scored records below the relevance floor. Unscored
// records pass, they just rank lower downstream.
func NewRelevanceFilter(minRelevance float64) pipeline.FilterFunction {
	return func(opportunities []*models.ExtractedOpportunity) *pipeline.FilterResult {
		start := time.Now()
		result := &pipeline.FilterResult{}
		for _, opp := range opportunities {
			if strings.TrimSpace(opp.Title) == "" {
				result.Excluded++
				continue
			}
			if opp.Analysis != nil && opp.Analysis.RelevanceScore < minRelevance {
				result.Excluded++
				continue
			}
			result.Included = append(result.Included, opp)
		}
		result.ExecutionTime = time.Since(start)
		return result
	}
}
