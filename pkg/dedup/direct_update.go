package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/fundingopportunity"
	"github.com/grantstream-io/grantstream/pkg/models"
)

// DirectUpdateHandler applies UPDATE-class changes straight to the store,
// bypassing the LM. Each row is updated with only its detected field changes,
// guarded by a row-version check so a concurrent writer wins cleanly.
type DirectUpdateHandler struct {
	client *ent.Client
	log    *slog.Logger
	now    func() time.Time
}

// NewDirectUpdateHandler creates a DirectUpdateHandler.
func NewDirectUpdateHandler(client *ent.Client, log *slog.Logger) *DirectUpdateHandler {
	if client == nil {
		panic("NewDirectUpdateHandler: client must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &DirectUpdateHandler{client: client, log: log, now: time.Now}
}

// Apply processes candidates in order. A row whose version moved since
// detection is counted as skipped, not retried; per-row store errors are
// counted as failed without aborting the batch.
func (h *DirectUpdateHandler) Apply(ctx context.Context, candidates []*UpdateCandidate) (*UpdateResult, error) {
	start := h.now()
	result := &UpdateResult{}

	for _, candidate := range candidates {
		n, err := h.applyOne(ctx, candidate)
		switch {
		case err != nil:
			result.Failed++
			h.log.Warn("direct update failed",
				"opportunity_id", candidate.Existing.ID,
				"api_opportunity_id", candidate.Record.APIOpportunityID,
				"error", err)
		case n == 0:
			result.Skipped++
			h.log.Debug("direct update skipped, row version moved",
				"opportunity_id", candidate.Existing.ID)
		default:
			result.Successful = append(result.Successful, candidate.Existing.ID)
		}
	}

	result.Metrics = UpdateMetrics{
		TotalProcessed: len(candidates),
		Successful:     len(result.Successful),
		Failed:         result.Failed,
		Skipped:        result.Skipped,
		ExecutionTime:  h.now().Sub(start),
	}
	return result, nil
}

func (h *DirectUpdateHandler) applyOne(ctx context.Context, candidate *UpdateCandidate) (int, error) {
	upd := h.client.FundingOpportunity.Update().
		Where(
			fundingopportunity.ID(candidate.Existing.ID),
			fundingopportunity.RowVersion(candidate.Existing.RowVersion),
		).
		AddRowVersion(1).
		SetUpdatedAt(h.now().UTC())

	record := candidate.Record
	for _, field := range candidate.ChangesDetected {
		switch field {
		case "title":
			upd.SetTitle(record.Title).
				SetTitleNormalized(models.NormalizeTitle(record.Title))
		case "description":
			upd.SetDescription(record.Description)
		case "close_date":
			if record.CloseDate == nil {
				upd.ClearCloseDate()
			} else {
				upd.SetCloseDate(*record.CloseDate)
			}
		case "min_award":
			if record.MinAward == nil {
				upd.ClearMinAward()
			} else {
				upd.SetMinAward(*record.MinAward)
			}
		case "max_award":
			if record.MaxAward == nil {
				upd.ClearMaxAward()
			} else {
				upd.SetMaxAward(*record.MaxAward)
			}
		case "total_funding":
			if record.TotalFunding == nil {
				upd.ClearTotalFunding()
			} else {
				upd.SetTotalFunding(*record.TotalFunding)
			}
		case "eligibility":
			upd.SetEligibility(record.Eligibility)
		case "url":
			upd.SetURL(record.URL)
		}
	}

	return upd.Save(ctx)
}
