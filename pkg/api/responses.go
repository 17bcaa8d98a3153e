package api

import (
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/models"
)

// SourceResponse is the API representation of a source. Auth credential
// values are never echoed back; only the auth type and key metadata are.
type SourceResponse struct {
	ID                    string                   `json:"id"`
	Name                  string                   `json:"name"`
	Organization          string                   `json:"organization,omitempty"`
	Type                  string                   `json:"type"`
	URL                   string                   `json:"url"`
	APIEndpoint           string                   `json:"api_endpoint,omitempty"`
	APIDocumentationURL   string                   `json:"api_documentation_url,omitempty"`
	AuthType              string                   `json:"auth_type"`
	AuthDetails           *models.AuthDetails      `json:"auth_details,omitempty"`
	UpdateFrequency       string                   `json:"update_frequency,omitempty"`
	HandlerType           string                   `json:"handler_type"`
	Notes                 string                   `json:"notes,omitempty"`
	Active                bool                     `json:"active"`
	ForceFullReprocessing bool                     `json:"force_full_reprocessing"`
	LastChecked           *time.Time               `json:"last_checked,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	UpdatedAt             time.Time                `json:"updated_at"`
	Configurations        *SourceConfigurationBody `json:"configurations,omitempty"`
}

const redactedValue = "[REDACTED]"

// redactAuthDetails strips credential values, keeping shape metadata so the
// admin UI can show which fields are set.
func redactAuthDetails(d *models.AuthDetails) *models.AuthDetails {
	if d == nil {
		return nil
	}
	out := *d
	if out.KeyValue != "" {
		out.KeyValue = redactedValue
	}
	if out.Password != "" {
		out.Password = redactedValue
	}
	if out.Token != "" {
		out.Token = redactedValue
	}
	return &out
}

func toSourceResponse(src *ent.ApiSource) *SourceResponse {
	resp := &SourceResponse{
		ID:                    src.ID,
		Name:                  src.Name,
		Organization:          src.Organization,
		Type:                  string(src.SourceType),
		URL:                   src.URL,
		APIEndpoint:           src.APIEndpoint,
		APIDocumentationURL:   src.APIDocumentationURL,
		AuthType:              string(src.AuthType),
		AuthDetails:           redactAuthDetails(src.AuthDetails),
		UpdateFrequency:       src.UpdateFrequency,
		HandlerType:           string(src.HandlerType),
		Notes:                 src.Notes,
		Active:                src.Active,
		ForceFullReprocessing: src.ForceFullReprocessing,
		LastChecked:           src.LastChecked,
		CreatedAt:             src.CreatedAt,
		UpdatedAt:             src.UpdatedAt,
	}
	if cfg := src.Edges.Configuration; cfg != nil {
		resp.Configurations = &SourceConfigurationBody{
			QueryParams:      cfg.QueryParams,
			RequestBody:      cfg.RequestBody,
			RequestConfig:    cfg.RequestConfig,
			PaginationConfig: cfg.PaginationConfig,
			DetailConfig:     cfg.DetailConfig,
			ResponseMapping:  cfg.ResponseMapping,
		}
	}
	return resp
}

func toSourceResponses(sources []*ent.ApiSource) []*SourceResponse {
	out := make([]*SourceResponse, len(sources))
	for i, src := range sources {
		out[i] = toSourceResponse(src)
	}
	return out
}

// RunDetailResponse is the GET /runs/{id} payload: the run row plus its
// stages in pipeline order, per-opportunity paths, and the detection session.
type RunDetailResponse struct {
	Run              *ent.PipelineRun       `json:"run"`
	Stages           []*ent.PipelineStage   `json:"stages"`
	Paths            []*ent.OpportunityPath `json:"paths"`
	DetectionSession *ent.DetectionSession  `json:"detection_session,omitempty"`
}

func toRunDetailResponse(run *ent.PipelineRun) *RunDetailResponse {
	resp := &RunDetailResponse{
		Run:    run,
		Stages: run.Edges.Stages,
		Paths:  run.Edges.Paths,
	}
	if sessions := run.Edges.DetectionSessions; len(sessions) > 0 {
		resp.DetectionSession = sessions[0]
	}
	return resp
}

// EnqueuedRunResponse is the 202 payload for the process endpoints.
type EnqueuedRunResponse struct {
	RunID    string `json:"run_id"`
	SourceID string `json:"source_id"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// RawResponseBody is the GET /raw-responses/{id} payload. The archived body
// is returned verbatim alongside its integrity hash.
type RawResponseBody struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	RunID       string    `json:"run_id,omitempty"`
	Endpoint    string    `json:"endpoint"`
	StatusCode  int       `json:"status_code"`
	Body        string    `json:"body"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRawResponseBody(raw *ent.RawResponse) *RawResponseBody {
	return &RawResponseBody{
		ID:          raw.ID,
		SourceID:    raw.SourceID,
		RunID:       raw.RunID,
		Endpoint:    raw.Endpoint,
		StatusCode:  raw.StatusCode,
		Body:        raw.Body,
		ContentHash: raw.ContentHash,
		CreatedAt:   raw.CreatedAt,
	}
}
