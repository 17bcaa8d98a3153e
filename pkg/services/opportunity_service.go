package services

import (
	"context"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/fundingopportunity"
)

// OpportunityListFilter narrows ListOpportunities results.
type OpportunityListFilter struct {
	SourceID    string
	FundingType string
	Agency      string
	Limit       int
	Offset      int
}

// OpportunityService provides read access to stored funding opportunities
// and archived raw API responses.
type OpportunityService struct {
	client *ent.Client
}

// NewOpportunityService creates a new OpportunityService.
func NewOpportunityService(client *ent.Client) *OpportunityService {
	if client == nil {
		panic("NewOpportunityService: client must not be nil")
	}
	return &OpportunityService{client: client}
}

// GetOpportunity returns a single stored opportunity.
func (s *OpportunityService) GetOpportunity(ctx context.Context, opportunityID string) (*ent.FundingOpportunity, error) {
	opp, err := s.client.FundingOpportunity.Get(ctx, opportunityID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("get opportunity", err)
	}
	return opp, nil
}

// ListOpportunities returns opportunities most-recently-updated first.
func (s *OpportunityService) ListOpportunities(ctx context.Context, filter OpportunityListFilter) ([]*ent.FundingOpportunity, int, error) {
	q := s.client.FundingOpportunity.Query()
	if filter.SourceID != "" {
		q = q.Where(fundingopportunity.SourceID(filter.SourceID))
	}
	if filter.FundingType != "" {
		q = q.Where(fundingopportunity.FundingType(filter.FundingType))
	}
	if filter.Agency != "" {
		q = q.Where(fundingopportunity.Agency(filter.Agency))
	}

	total, err := q.Clone().Count(ctx)
	if err != nil {
		return nil, 0, wrapDBError("count opportunities", err)
	}

	q = q.Order(ent.Desc(fundingopportunity.FieldUpdatedAt))
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	opps, err := q.All(ctx)
	if err != nil {
		return nil, 0, wrapDBError("list opportunities", err)
	}
	return opps, total, nil
}

// GetRawResponse returns an archived raw API response by id.
func (s *OpportunityService) GetRawResponse(ctx context.Context, rawResponseID string) (*ent.RawResponse, error) {
	raw, err := s.client.RawResponse.Get(ctx, rawResponseID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("get raw response", err)
	}
	return raw, nil
}
