package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/llm"
	"github.com/grantstream-io/grantstream/pkg/models"
	testdb "github.com/grantstream-io/grantstream/test/database"
)

func TestLMSourceAnalyzer(t *testing.T) {
	ctx := context.Background()

	t.Run("standard sources skip the model", func(t *testing.T) {
		mock := &llm.MockClient{}
		analyzer := NewLMSourceAnalyzer(mock, nil)

		source := &ent.ApiSource{
			Name:        "Grants.gov Search",
			APIEndpoint: "https://api.grants.gov/v1/search",
			HandlerType: "standard",
		}

		result, err := analyzer.Analyze(ctx, source)
		require.NoError(t, err)
		assert.Equal(t, "https://api.grants.gov/v1/search", result.Endpoint)
		assert.Equal(t, "standard_api", result.Workflow)
		assert.Equal(t, float64(1), result.Confidence)
		assert.Zero(t, result.TokensUsed)
		assert.Zero(t, mock.Calls(), "no completion issued for standard sources")
	})

	t.Run("parses a fenced plan", func(t *testing.T) {
		mock := &llm.MockClient{Queue: []*llm.Completion{{
			Text:         "Here is the plan:\n```json\n{\"endpoint\": \"https://portal.ca.gov/api/grants\", \"workflow\": \"state_portal\", \"confidence\": 0.8}\n```",
			InputTokens:  30,
			OutputTokens: 12,
		}}}
		analyzer := NewLMSourceAnalyzer(mock, nil)

		source := &ent.ApiSource{
			Name:        "California Grants Portal",
			URL:         "https://portal.ca.gov",
			HandlerType: "state_portal",
		}

		result, err := analyzer.Analyze(ctx, source)
		require.NoError(t, err)
		assert.Equal(t, "https://portal.ca.gov/api/grants", result.Endpoint)
		assert.Equal(t, "state_portal", result.Workflow)
		assert.InDelta(t, 0.8, result.Confidence, 0.001)
		assert.Equal(t, 42, result.TokensUsed)
		assert.Equal(t, 1, result.APICalls)
	})

	t.Run("missing endpoint falls back to the source url", func(t *testing.T) {
		mock := &llm.MockClient{Queue: []*llm.Completion{{
			Text: `{"workflow": "standard_api", "confidence": 0.5}`,
		}}}
		analyzer := NewLMSourceAnalyzer(mock, nil)

		source := &ent.ApiSource{Name: "Bare Feed", URL: "https://feeds.example.org"}
		result, err := analyzer.Analyze(ctx, source)
		require.NoError(t, err)
		assert.Equal(t, "https://feeds.example.org", result.Endpoint)
	})

	t.Run("unparseable plan is a validation failure", func(t *testing.T) {
		mock := &llm.MockClient{Queue: []*llm.Completion{{
			Text: "I would recommend scraping the HTML instead.",
		}}}
		analyzer := NewLMSourceAnalyzer(mock, nil)

		_, err := analyzer.Analyze(ctx, &ent.ApiSource{Name: "Opaque Feed", URL: "https://x.test"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation")
	})

	t.Run("completion errors propagate", func(t *testing.T) {
		mock := &llm.MockClient{Err: errors.New("api: rate limited")}
		analyzer := NewLMSourceAnalyzer(mock, nil)

		_, err := analyzer.Analyze(ctx, &ent.ApiSource{Name: "Opaque Feed", URL: "https://x.test"})
		assert.Error(t, err)
	})
}

func TestLMAnalysisAgent(t *testing.T) {
	ctx := context.Background()
	source := &ent.ApiSource{Name: "Grants.gov Search", SourceType: "federal"}

	t.Run("scores records in input order", func(t *testing.T) {
		mock := &llm.MockClient{Queue: []*llm.Completion{
			{Text: `{"relevance_score": 0.9, "categories": ["energy"], "summary": "Solar rebates."}`, InputTokens: 100, OutputTokens: 20},
			{Text: `{"relevance_score": 0.4, "categories": ["other"], "summary": "Unrelated."}`, InputTokens: 80, OutputTokens: 15},
		}}
		agent := NewLMAnalysisAgent(mock, nil)

		opps := []*models.ExtractedOpportunity{
			{APIOpportunityID: "EXT-1", Title: "Solar Rebate Program"},
			{APIOpportunityID: "EXT-2", Title: "Pavement Survey"},
		}

		result, err := agent.Enhance(ctx, opps, source)
		require.NoError(t, err)
		require.Len(t, result.Opportunities, 2)
		assert.Equal(t, "EXT-1", result.Opportunities[0].APIOpportunityID)
		assert.Equal(t, "EXT-2", result.Opportunities[1].APIOpportunityID)

		first := result.Opportunities[0].Analysis
		require.NotNil(t, first)
		assert.InDelta(t, 0.9, first.RelevanceScore, 0.001)
		assert.Equal(t, []string{"energy"}, first.Categories)
		assert.Equal(t, 120, first.TokensUsed)

		assert.Equal(t, 215, result.TotalTokens)
		assert.Equal(t, 2, result.TotalAPICalls)
	})

	t.Run("unparseable verdict leaves the record unscored", func(t *testing.T) {
		mock := &llm.MockClient{Queue: []*llm.Completion{
			{Text: "not a verdict", InputTokens: 10, OutputTokens: 5},
		}}
		agent := NewLMAnalysisAgent(mock, nil)

		result, err := agent.Enhance(ctx, []*models.ExtractedOpportunity{
			{APIOpportunityID: "EXT-3", Title: "Weatherization Block Grant"},
		}, source)
		require.NoError(t, err)
		require.Len(t, result.Opportunities, 1)
		assert.Nil(t, result.Opportunities[0].Analysis)
		assert.Equal(t, 15, result.TotalTokens, "spend is counted even when the verdict is dropped")
	})

	t.Run("completion errors abort the batch", func(t *testing.T) {
		mock := &llm.MockClient{Err: errors.New("api: overloaded")}
		agent := NewLMAnalysisAgent(mock, nil)

		_, err := agent.Enhance(ctx, []*models.ExtractedOpportunity{
			{APIOpportunityID: "EXT-4", Title: "Transit Grant"},
		}, source)
		assert.Error(t, err)
	})
}

func TestNewRelevanceFilter(t *testing.T) {
	filter := NewRelevanceFilter(DefaultMinRelevance)

	result := filter([]*models.ExtractedOpportunity{
		{APIOpportunityID: "A", Title: "Rural Broadband Grant",
			Analysis: &models.OpportunityAnalysis{RelevanceScore: 0.9}},
		{APIOpportunityID: "B", Title: "  ",
			Analysis: &models.OpportunityAnalysis{RelevanceScore: 0.9}},
		{APIOpportunityID: "C", Title: "Office Furniture Auction",
			Analysis: &models.OpportunityAnalysis{RelevanceScore: 0.1}},
		{APIOpportunityID: "D", Title: "Unscored Notice"},
	})

	require.Len(t, result.Included, 2)
	assert.Equal(t, "A", result.Included[0].APIOpportunityID)
	assert.Equal(t, "D", result.Included[1].APIOpportunityID, "unscored records pass")
	assert.Equal(t, 2, result.Excluded)
}

func TestEntStorageAgent_Upsert(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	source, err := client.ApiSource.Create().
		SetID(uuid.NewString()).
		SetName("Storage Test Feed").
		SetURL("https://api.example.gov").
		Save(ctx)
	require.NoError(t, err)

	agent := NewEntStorageAgent(client.Client, nil)
	maxAward := 250000.0

	record := &models.ExtractedOpportunity{
		APIOpportunityID: "EXT-100",
		Title:            "Community Solar Pilot",
		Description:      "Funding for community solar installations.",
		Agency:           "DOE",
		MaxAward:         &maxAward,
		URL:              "https://api.example.gov/opp/EXT-100",
		Analysis:         &models.OpportunityAnalysis{RelevanceScore: 0.85},
	}

	first, err := agent.Store(ctx, []*models.ExtractedOpportunity{record}, source, false)
	require.NoError(t, err)
	assert.Equal(t, 1, first.NewOpportunities)
	assert.Zero(t, first.Updated)
	assert.Zero(t, first.Failed)
	storedID := first.StoredIDs["EXT-100"]
	require.NotEmpty(t, storedID)

	record.Title = "Community Solar Pilot (Round 2)"
	second, err := agent.Store(ctx, []*models.ExtractedOpportunity{record}, source, false)
	require.NoError(t, err)
	assert.Zero(t, second.NewOpportunities)
	assert.Equal(t, 1, second.Updated)
	assert.Equal(t, storedID, second.StoredIDs["EXT-100"], "re-storing keeps the canonical id")

	stored, err := client.FundingOpportunity.Get(ctx, storedID)
	require.NoError(t, err)
	assert.Equal(t, "Community Solar Pilot (Round 2)", stored.Title)
	assert.Equal(t, "community solar pilot (round 2)", stored.TitleNormalized)
	assert.Equal(t, 2, stored.RowVersion)
	require.NotNil(t, stored.MaxAward)
	assert.InDelta(t, 250000.0, *stored.MaxAward, 0.001)
}
