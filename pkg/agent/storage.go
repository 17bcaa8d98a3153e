package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/fundingopportunity"
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

// EntStorageAgent persists included opportunities into the canonical store.
// Upserts key on (source_id, api_opportunity_id), so re-storing a record is
// an update, never a duplicate row.
type EntStorageAgent struct {
	client *ent.Client
	log    *slog.Logger
}

// NewEntStorageAgent creates an EntStorageAgent.
func NewEntStorageAgent(client *ent.Client, log *slog.Logger) *EntStorageAgent {
	if client == nil {
		panic("NewEntStorageAgent: client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &EntStorageAgent{client: client, log: log}
}

// Store implements pipeline.StorageAgent. Per-record failures are counted
// and logged without aborting the batch.
func (a *EntStorageAgent) Store(ctx context.Context, opportunities []*models.ExtractedOpportunity, source *ent.ApiSource, forceFullReprocessing bool) (*pipeline.StorageResult, error) {
	start := time.Now()
	result := &pipeline.StorageResult{StoredIDs: make(map[string]string, len(opportunities))}

	for _, opp := range opportunities {
		id, created, err := a.storeOne(ctx, source.ID, opp)
		if err != nil {
			result.Failed++
			a.log.Warn("failed to store opportunity",
				"source_id", source.ID,
				"api_opportunity_id", opp.APIOpportunityID,
				"error", err)
			continue
		}
		result.StoredIDs[opp.APIOpportunityID] = id
		if created {
			result.NewOpportunities++
		} else {
			result.Updated++
		}
	}

	result.ExecutionTime = time.Since(start)
	return result, nil
}

// storeOne upserts a single record. A constraint error on create means a
// concurrent writer inserted the row first; the record is retried as an
// update.
func (a *EntStorageAgent) storeOne(ctx context.Context, sourceID string, opp *models.ExtractedOpportunity) (string, bool, error) {
	existing, err := a.client.FundingOpportunity.Query().
		Where(
			fundingopportunity.SourceID(sourceID),
			fundingopportunity.APIOpportunityID(opp.APIOpportunityID),
		).
		Only(ctx)
	if err != nil && !ent.IsNotFound(err) {
		return "", false, err
	}

	if existing != nil {
		if err := a.updateExisting(ctx, existing, opp); err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	}

	id := uuid.New().String()
	create := a.client.FundingOpportunity.Create().
		SetID(id).
		SetSourceID(sourceID).
		SetAPIOpportunityID(opp.APIOpportunityID).
		SetTitle(opp.Title).
		SetTitleNormalized(models.NormalizeTitle(opp.Title)).
		SetDescription(opp.Description).
		SetFundingType(opp.FundingType).
		SetAgency(opp.Agency).
		SetEligibility(opp.Eligibility).
		SetURL(opp.URL).
		SetNillableMinAward(opp.MinAward).
		SetNillableMaxAward(opp.MaxAward).
		SetNillableTotalFunding(opp.TotalFunding).
		SetNillableOpenDate(opp.OpenDate).
		SetNillableCloseDate(opp.CloseDate)
	if opp.Analysis != nil {
		create.SetAnalysis(opp.Analysis)
	}

	if _, err := create.Save(ctx); err != nil {
		if !ent.IsConstraintError(err) {
			return "", false, err
		}
		raced, qerr := a.client.FundingOpportunity.Query().
			Where(
				fundingopportunity.SourceID(sourceID),
				fundingopportunity.APIOpportunityID(opp.APIOpportunityID),
			).
			Only(ctx)
		if qerr != nil {
			return "", false, err
		}
		if uerr := a.updateExisting(ctx, raced, opp); uerr != nil {
			return "", false, uerr
		}
		return raced.ID, false, nil
	}
	return id, true, nil
}

func (a *EntStorageAgent) updateExisting(ctx context.Context, existing *ent.FundingOpportunity, opp *models.ExtractedOpportunity) error {
	upd := existing.Update().
		SetTitle(opp.Title).
		SetTitleNormalized(models.NormalizeTitle(opp.Title)).
		SetDescription(opp.Description).
		SetFundingType(opp.FundingType).
		SetAgency(opp.Agency).
		SetEligibility(opp.Eligibility).
		SetURL(opp.URL).
		SetNillableMinAward(opp.MinAward).
		SetNillableMaxAward(opp.MaxAward).
		SetNillableTotalFunding(opp.TotalFunding).
		SetNillableOpenDate(opp.OpenDate).
		SetNillableCloseDate(opp.CloseDate).
		AddRowVersion(1)
	if opp.Analysis != nil {
		upd.SetAnalysis(opp.Analysis)
	}
	_, err := upd.Save(ctx)
	return err
}
