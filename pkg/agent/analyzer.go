// Package agent holds the pipeline's pluggable stage implementations: the
// LM-backed source analyzer and analysis agent, the relevance filter, and
// the storage agent.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/llm"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

const analyzerSystemPrompt = `You are an API integration analyst for a funding opportunity aggregator.
Given a source description, decide which endpoint to pull and which workflow fits.
Respond with a single JSON object: {"endpoint": string, "workflow": string, "confidence": number between 0 and 1}.
Workflows: "standard_api", "document_parse", "state_portal".`

// LMSourceAnalyzer decides how to extract from a source. Sources with an
// explicit API endpoint and the standard handler skip the model entirely.
type LMSourceAnalyzer struct {
	llm llm.Client
	log *slog.Logger
}

// NewLMSourceAnalyzer creates an LMSourceAnalyzer.
func NewLMSourceAnalyzer(client llm.Client, log *slog.Logger) *LMSourceAnalyzer {
	if client == nil {
		panic("NewLMSourceAnalyzer: llm client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &LMSourceAnalyzer{llm: client, log: log}
}

// Analyze implements pipeline.SourceAnalyzer.
func (a *LMSourceAnalyzer) Analyze(ctx context.Context, source *ent.ApiSource) (*pipeline.AnalysisResult, error) {
	start := time.Now()

	if source.APIEndpoint != "" && source.HandlerType == "standard" {
		return &pipeline.AnalysisResult{
			Endpoint:      source.APIEndpoint,
			Workflow:      "standard_api",
			Confidence:    1,
			ExecutionTime: time.Since(start),
		}, nil
	}

	prompt := fmt.Sprintf(
		"Source: %s\nOrganization: %s\nType: %s\nBase URL: %s\nAPI endpoint: %s\nDocumentation: %s\nHandler: %s\nNotes: %s",
		source.Name, source.Organization, source.SourceType, source.URL,
		source.APIEndpoint, source.APIDocumentationURL, source.HandlerType, source.Notes)

	completion, err := a.llm.Complete(ctx, analyzerSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Endpoint   string  `json:"endpoint"`
		Workflow   string  `json:"workflow"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(completion.Text)), &decoded); err != nil {
		return nil, fmt.Errorf("validation: analyzer returned unparseable plan: %w", err)
	}
	if decoded.Endpoint == "" {
		decoded.Endpoint = source.APIEndpoint
	}
	if decoded.Endpoint == "" {
		decoded.Endpoint = source.URL
	}

	return &pipeline.AnalysisResult{
		Endpoint:      decoded.Endpoint,
		Workflow:      decoded.Workflow,
		Confidence:    decoded.Confidence,
		TokensUsed:    completion.TotalTokens(),
		APICalls:      1,
		ExecutionTime: time.Since(start),
	}, nil
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, keeping the outermost JSON object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
