package models

import (
	"strings"
	"time"
)

// ExtractedOpportunity is an in-flight funding record produced by the data
// extractor and passed between pipeline stages. Pointer fields distinguish
// "absent in the source payload" from zero values.
type ExtractedOpportunity struct {
	APIOpportunityID string `json:"api_opportunity_id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	FundingType      string `json:"funding_type,omitempty"`
	Agency           string `json:"agency,omitempty"`

	TotalFunding *float64 `json:"total_funding,omitempty"`
	MinAward     *float64 `json:"min_award,omitempty"`
	MaxAward     *float64 `json:"max_award,omitempty"`

	OpenDate  *time.Time `json:"open_date,omitempty"`
	CloseDate *time.Time `json:"close_date,omitempty"`

	Eligibility string `json:"eligibility,omitempty"`
	URL         string `json:"url,omitempty"`

	// Analysis is populated by the analysis agent for NEW records.
	Analysis *OpportunityAnalysis `json:"analysis,omitempty"`
}

// OpportunityAnalysis holds the LM scoring and categorization output.
type OpportunityAnalysis struct {
	RelevanceScore float64  `json:"relevance_score"`
	Categories     []string `json:"categories,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	TokensUsed     int      `json:"tokens_used,omitempty"`
}

// NormalizeTitle lowercases a title and collapses runs of whitespace, for the
// secondary duplicate lookup.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
