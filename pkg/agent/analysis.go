package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/llm"
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

const analysisSystemPrompt = `You score funding opportunities for a grants database.
Given one opportunity, respond with a single JSON object:
{"relevance_score": number between 0 and 1, "categories": [strings], "summary": string (one sentence)}.`

// LMAnalysisAgent enriches NEW opportunities with model scoring. Output
// order matches input order.
type LMAnalysisAgent struct {
	llm llm.Client
	log *slog.Logger
}

// NewLMAnalysisAgent creates an LMAnalysisAgent.
func NewLMAnalysisAgent(client llm.Client, log *slog.Logger) *LMAnalysisAgent {
	if client == nil {
		panic("NewLMAnalysisAgent: llm client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &LMAnalysisAgent{llm: client, log: log}
}

// Enhance implements pipeline.AnalysisAgent. A completion failure aborts the
// batch (the retrier owns recovery); an unparseable verdict only costs that
// record its scoring.
func (a *LMAnalysisAgent) Enhance(ctx context.Context, opportunities []*models.ExtractedOpportunity, source *ent.ApiSource) (*pipeline.EnhancementResult, error) {
	start := time.Now()
	result := &pipeline.EnhancementResult{
		Opportunities: make([]*models.ExtractedOpportunity, 0, len(opportunities)),
	}

	for _, opp := range opportunities {
		prompt := fmt.Sprintf(
			"Source: %s (%s)\nTitle: %s\nAgency: %s\nFunding type: %s\nDescription: %s\nEligibility: %s",
			source.Name, source.SourceType, opp.Title, opp.Agency,
			opp.FundingType, truncate(opp.Description, 2000), truncate(opp.Eligibility, 500))

		completion, err := a.llm.Complete(ctx, analysisSystemPrompt, prompt)
		if err != nil {
			return nil, err
		}
		result.TotalTokens += completion.TotalTokens()
		result.TotalAPICalls++

		var decoded struct {
			RelevanceScore float64  `json:"relevance_score"`
			Categories     []string `json:"categories"`
			Summary        string   `json:"summary"`
		}
		if err := json.Unmarshal([]byte(extractJSON(completion.Text)), &decoded); err != nil {
			a.log.Warn("analysis verdict unparseable, record left unscored",
				"api_opportunity_id", opp.APIOpportunityID, "error", err)
		} else {
			opp.Analysis = &models.OpportunityAnalysis{
				RelevanceScore: decoded.RelevanceScore,
				Categories:     decoded.Categories,
				Summary:        decoded.Summary,
				TokensUsed:     completion.TotalTokens(),
			}
		}
		result.Opportunities = append(result.Opportunities, opp)
	}

	result.ExecutionTime = time.Since(start)
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
