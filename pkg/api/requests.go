package api

import (
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/services"
)

// SourceConfigurationBody is the `configurations` sub-object of the source
// create/update bodies.
type SourceConfigurationBody struct {
	QueryParams      map[string]string        `json:"query_params,omitempty"`
	RequestBody      map[string]any           `json:"request_body,omitempty"`
	RequestConfig    *models.RequestConfig    `json:"request_config,omitempty"`
	PaginationConfig *models.PaginationConfig `json:"pagination_config,omitempty"`
	DetailConfig     *models.DetailConfig     `json:"detail_config,omitempty"`
	ResponseMapping  models.ResponseMapping   `json:"response_mapping,omitempty"`
}

func (b *SourceConfigurationBody) toInput() *services.SourceConfigurationInput {
	if b == nil {
		return nil
	}
	return &services.SourceConfigurationInput{
		QueryParams:      b.QueryParams,
		RequestBody:      b.RequestBody,
		RequestConfig:    b.RequestConfig,
		PaginationConfig: b.PaginationConfig,
		DetailConfig:     b.DetailConfig,
		ResponseMapping:  b.ResponseMapping,
	}
}

// CreateSourceRequest is the POST /sources body.
type CreateSourceRequest struct {
	Name                string                   `json:"name"`
	Organization        string                   `json:"organization"`
	Type                string                   `json:"type"`
	URL                 string                   `json:"url"`
	APIEndpoint         string                   `json:"api_endpoint"`
	APIDocumentationURL string                   `json:"api_documentation_url"`
	AuthType            string                   `json:"auth_type"`
	AuthDetails         *models.AuthDetails      `json:"auth_details,omitempty"`
	UpdateFrequency     string                   `json:"update_frequency"`
	HandlerType         string                   `json:"handler_type"`
	Notes               string                   `json:"notes"`
	Active              *bool                    `json:"active,omitempty"`
	Configurations      *SourceConfigurationBody `json:"configurations,omitempty"`
}

func (r *CreateSourceRequest) toInput() services.CreateSourceInput {
	return services.CreateSourceInput{
		Name:                r.Name,
		Organization:        r.Organization,
		SourceType:          r.Type,
		URL:                 r.URL,
		APIEndpoint:         r.APIEndpoint,
		APIDocumentationURL: r.APIDocumentationURL,
		AuthType:            r.AuthType,
		AuthDetails:         r.AuthDetails,
		UpdateFrequency:     r.UpdateFrequency,
		HandlerType:         r.HandlerType,
		Notes:               r.Notes,
		Active:              r.Active,
		Configuration:       r.Configurations.toInput(),
	}
}

// UpdateSourceRequest is the PUT /sources/{id} body. Absent fields are left
// unchanged.
type UpdateSourceRequest struct {
	Name                *string                  `json:"name,omitempty"`
	Organization        *string                  `json:"organization,omitempty"`
	Type                *string                  `json:"type,omitempty"`
	URL                 *string                  `json:"url,omitempty"`
	APIEndpoint         *string                  `json:"api_endpoint,omitempty"`
	APIDocumentationURL *string                  `json:"api_documentation_url,omitempty"`
	AuthType            *string                  `json:"auth_type,omitempty"`
	AuthDetails         *models.AuthDetails      `json:"auth_details,omitempty"`
	UpdateFrequency     *string                  `json:"update_frequency,omitempty"`
	HandlerType         *string                  `json:"handler_type,omitempty"`
	Notes               *string                  `json:"notes,omitempty"`
	Active              *bool                    `json:"active,omitempty"`
	Configurations      *SourceConfigurationBody `json:"configurations,omitempty"`
}

func (r *UpdateSourceRequest) toInput() services.UpdateSourceInput {
	return services.UpdateSourceInput{
		Name:                r.Name,
		Organization:        r.Organization,
		SourceType:          r.Type,
		URL:                 r.URL,
		APIEndpoint:         r.APIEndpoint,
		APIDocumentationURL: r.APIDocumentationURL,
		AuthType:            r.AuthType,
		AuthDetails:         r.AuthDetails,
		UpdateFrequency:     r.UpdateFrequency,
		HandlerType:         r.HandlerType,
		Notes:               r.Notes,
		Active:              r.Active,
		Configuration:       r.Configurations.toInput(),
	}
}

// SetGlobalForceRequest is the PUT /system-config body.
type SetGlobalForceRequest struct {
	Enabled bool `json:"enabled"`
}
