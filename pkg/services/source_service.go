package services

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/apisource"
	"github.com/grantstream-io/grantstream/ent/sourceconfiguration"
	"github.com/grantstream-io/grantstream/pkg/models"
)

// DefaultSimilarityThreshold is the cosine similarity above which a new
// source is rejected as a likely duplicate of an existing one.
const DefaultSimilarityThreshold = 0.85

// CreateSourceInput contains the domain-level data needed to register a
// source. Transformed from the HTTP request by the handler.
type CreateSourceInput struct {
	Name                string
	Organization        string
	SourceType          string
	URL                 string
	APIEndpoint         string
	APIDocumentationURL string
	AuthType            string
	AuthDetails         *models.AuthDetails
	UpdateFrequency     string
	HandlerType         string
	Notes               string
	Active              *bool

	Configuration *SourceConfigurationInput
}

// SourceConfigurationInput is the per-source extraction configuration.
type SourceConfigurationInput struct {
	QueryParams      map[string]string
	RequestBody      map[string]any
	RequestConfig    *models.RequestConfig
	PaginationConfig *models.PaginationConfig
	DetailConfig     *models.DetailConfig
	ResponseMapping  models.ResponseMapping
}

// UpdateSourceInput carries partial updates; nil fields are left unchanged.
type UpdateSourceInput struct {
	Name                *string
	Organization        *string
	SourceType          *string
	URL                 *string
	APIEndpoint         *string
	APIDocumentationURL *string
	AuthType            *string
	AuthDetails         *models.AuthDetails
	UpdateFrequency     *string
	HandlerType         *string
	Notes               *string
	Active              *bool

	Configuration *SourceConfigurationInput
}

// SourceService manages API sources and their extraction configurations.
type SourceService struct {
	client              *ent.Client
	similarityThreshold float64
}

// NewSourceService creates a new SourceService.
func NewSourceService(client *ent.Client) *SourceService {
	if client == nil {
		panic("NewSourceService: client must not be nil")
	}
	return &SourceService{
		client:              client,
		similarityThreshold: DefaultSimilarityThreshold,
	}
}

// CreateSource registers a new source and its configuration in one
// transaction. Rejects sources whose name+organization is too similar to an
// existing source.
func (s *SourceService) CreateSource(ctx context.Context, input CreateSourceInput) (*ent.ApiSource, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, NewValidationError("name", "source name is required")
	}
	if strings.TrimSpace(input.URL) == "" {
		return nil, NewValidationError("url", "source url is required")
	}
	if input.AuthType != "" && input.AuthType != string(apisource.AuthTypeNone) {
		if input.AuthDetails == nil {
			return nil, NewValidationError("auth_details", "auth_details are required when auth_type is set")
		}
	}

	if err := s.checkSimilarity(ctx, input.Name, input.Organization, ""); err != nil {
		return nil, err
	}

	sourceID := uuid.New().String()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, wrapDBError("begin transaction", err)
	}

	builder := tx.ApiSource.Create().
		SetID(sourceID).
		SetName(input.Name).
		SetOrganization(input.Organization).
		SetURL(input.URL).
		SetAPIEndpoint(input.APIEndpoint).
		SetAPIDocumentationURL(input.APIDocumentationURL).
		SetUpdateFrequency(input.UpdateFrequency).
		SetNotes(input.Notes)

	if input.SourceType != "" {
		builder.SetSourceType(apisource.SourceType(input.SourceType))
	}
	if input.AuthType != "" {
		builder.SetAuthType(apisource.AuthType(input.AuthType))
	}
	if input.AuthDetails != nil {
		builder.SetAuthDetails(input.AuthDetails)
	}
	if input.HandlerType != "" {
		builder.SetHandlerType(apisource.HandlerType(input.HandlerType))
	}
	if input.Active != nil {
		builder.SetActive(*input.Active)
	}

	source, err := builder.Save(ctx)
	if err != nil {
		_ = tx.Rollback()
		return nil, wrapDBError("create source", err)
	}

	cfg := tx.SourceConfiguration.Create().
		SetID(uuid.New().String()).
		SetSourceID(sourceID)
	if input.Configuration != nil {
		applyConfigurationInput(cfg.Mutation(), input.Configuration)
	}
	if _, err := cfg.Save(ctx); err != nil {
		_ = tx.Rollback()
		return nil, wrapDBError("create source configuration", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBError("commit source creation", err)
	}

	return s.GetSource(ctx, sourceID)
}

// GetSource returns a source with its configuration loaded.
func (s *SourceService) GetSource(ctx context.Context, sourceID string) (*ent.ApiSource, error) {
	source, err := s.client.ApiSource.Query().
		Where(apisource.ID(sourceID)).
		WithConfiguration().
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("get source", err)
	}
	return source, nil
}

// ListSources returns sources, optionally filtered to active ones.
func (s *SourceService) ListSources(ctx context.Context, activeOnly bool) ([]*ent.ApiSource, error) {
	q := s.client.ApiSource.Query().
		WithConfiguration().
		Order(ent.Asc(apisource.FieldName))
	if activeOnly {
		q = q.Where(apisource.Active(true))
	}
	sources, err := q.All(ctx)
	if err != nil {
		return nil, wrapDBError("list sources", err)
	}
	return sources, nil
}

// NextDueSource returns the active source that has waited longest since its
// last check. Sources never checked come first. Returns ErrNotFound when no
// active source exists.
func (s *SourceService) NextDueSource(ctx context.Context) (*ent.ApiSource, error) {
	// Never-checked sources are the most overdue.
	source, err := s.client.ApiSource.Query().
		Where(apisource.Active(true), apisource.LastCheckedIsNil()).
		Order(ent.Asc(apisource.FieldCreatedAt)).
		First(ctx)
	if err == nil {
		return source, nil
	}
	if !ent.IsNotFound(err) {
		return nil, wrapDBError("query next due source", err)
	}

	source, err = s.client.ApiSource.Query().
		Where(apisource.Active(true)).
		Order(ent.Asc(apisource.FieldLastChecked)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("query next due source", err)
	}
	return source, nil
}

// UpdateSource applies a partial update to a source and its configuration.
func (s *SourceService) UpdateSource(ctx context.Context, sourceID string, input UpdateSourceInput) (*ent.ApiSource, error) {
	existing, err := s.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil || input.Organization != nil {
		name := existing.Name
		org := existing.Organization
		if input.Name != nil {
			name = *input.Name
		}
		if input.Organization != nil {
			org = *input.Organization
		}
		if err := s.checkSimilarity(ctx, name, org, sourceID); err != nil {
			return nil, err
		}
	}

	upd := s.client.ApiSource.UpdateOneID(sourceID)
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, NewValidationError("name", "source name cannot be empty")
		}
		upd.SetName(*input.Name)
	}
	if input.Organization != nil {
		upd.SetOrganization(*input.Organization)
	}
	if input.SourceType != nil {
		upd.SetSourceType(apisource.SourceType(*input.SourceType))
	}
	if input.URL != nil {
		upd.SetURL(*input.URL)
	}
	if input.APIEndpoint != nil {
		upd.SetAPIEndpoint(*input.APIEndpoint)
	}
	if input.APIDocumentationURL != nil {
		upd.SetAPIDocumentationURL(*input.APIDocumentationURL)
	}
	if input.AuthType != nil {
		upd.SetAuthType(apisource.AuthType(*input.AuthType))
	}
	if input.AuthDetails != nil {
		upd.SetAuthDetails(input.AuthDetails)
	}
	if input.UpdateFrequency != nil {
		upd.SetUpdateFrequency(*input.UpdateFrequency)
	}
	if input.HandlerType != nil {
		upd.SetHandlerType(apisource.HandlerType(*input.HandlerType))
	}
	if input.Notes != nil {
		upd.SetNotes(*input.Notes)
	}
	if input.Active != nil {
		upd.SetActive(*input.Active)
	}

	if _, err := upd.Save(ctx); err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("update source", err)
	}

	if input.Configuration != nil {
		cfgUpd := s.client.SourceConfiguration.Update().
			Where(sourceconfiguration.SourceID(sourceID))
		applyConfigurationInput(cfgUpd.Mutation(), input.Configuration)
		if _, err := cfgUpd.Save(ctx); err != nil {
			return nil, wrapDBError("update source configuration", err)
		}
	}

	return s.GetSource(ctx, sourceID)
}

// DeleteSource removes a source. Runs, stages, and opportunities cascade.
func (s *SourceService) DeleteSource(ctx context.Context, sourceID string) error {
	err := s.client.ApiSource.DeleteOneID(sourceID).Exec(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return wrapDBError("delete source", err)
	}
	return nil
}

// SetForceReprocessing toggles the per-source force-full-reprocessing flag.
func (s *SourceService) SetForceReprocessing(ctx context.Context, sourceID string, enabled bool) error {
	n, err := s.client.ApiSource.Update().
		Where(apisource.ID(sourceID)).
		SetForceFullReprocessing(enabled).
		Save(ctx)
	if err != nil {
		return wrapDBError("set force reprocessing flag", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastChecked records that a source was successfully processed now.
func (s *SourceService) TouchLastChecked(ctx context.Context, sourceID string, at time.Time) error {
	n, err := s.client.ApiSource.Update().
		Where(apisource.ID(sourceID)).
		SetLastChecked(at).
		Save(ctx)
	if err != nil {
		return wrapDBError("update last checked", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SourceService) checkSimilarity(ctx context.Context, name, organization, excludeID string) error {
	q := s.client.ApiSource.Query()
	if excludeID != "" {
		q = q.Where(apisource.IDNEQ(excludeID))
	}
	existing, err := q.All(ctx)
	if err != nil {
		return wrapDBError("list sources for similarity check", err)
	}

	candidate := tokenVector(name + " " + organization)
	for _, src := range existing {
		sim := cosineSimilarity(candidate, tokenVector(src.Name+" "+src.Organization))
		if sim >= s.similarityThreshold {
			return &SimilarSourceError{
				ExistingID:   src.ID,
				ExistingName: src.Name,
				Similarity:   sim,
			}
		}
	}
	return nil
}

func applyConfigurationInput(m *ent.SourceConfigurationMutation, input *SourceConfigurationInput) {
	if input.QueryParams != nil {
		m.SetQueryParams(input.QueryParams)
	}
	if input.RequestBody != nil {
		m.SetRequestBody(input.RequestBody)
	}
	if input.RequestConfig != nil {
		m.SetRequestConfig(input.RequestConfig)
	}
	if input.PaginationConfig != nil {
		m.SetPaginationConfig(input.PaginationConfig)
	}
	if input.DetailConfig != nil {
		m.SetDetailConfig(input.DetailConfig)
	}
	if input.ResponseMapping != nil {
		m.SetResponseMapping(input.ResponseMapping)
	}
}

// tokenVector builds a lowercase term-frequency vector for similarity
// comparison.
func tokenVector(text string) map[string]int {
	vec := make(map[string]int)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		vec[tok]++
	}
	return vec
}

func cosineSimilarity(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for tok, ca := range a {
		normA += float64(ca * ca)
		if cb, ok := b[tok]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range b {
		normB += float64(cb * cb)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
