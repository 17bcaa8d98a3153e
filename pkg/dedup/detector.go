package dedup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/fundingopportunity"
	"github.com/grantstream-io/grantstream/pkg/models"
)

// DefaultFreshnessWindow is how recently a stored row must have been updated
// for the detector to skip it without a field diff.
const DefaultFreshnessWindow = 24 * time.Hour

// materialFields is the fixed set of fields compared for change detection,
// in reporting order.
var materialFields = []string{
	"title",
	"description",
	"close_date",
	"min_award",
	"max_award",
	"total_funding",
	"eligibility",
	"url",
}

// Detector classifies extracted opportunities as NEW, UPDATE, or SKIP against
// the canonical store before any LM spend.
type Detector struct {
	client          *ent.Client
	freshnessWindow time.Duration
	log             *slog.Logger
	now             func() time.Time
}

// NewDetector creates a Detector. A zero freshnessWindow selects the default.
func NewDetector(client *ent.Client, freshnessWindow time.Duration, log *slog.Logger) *Detector {
	if client == nil {
		panic("NewDetector: client must not be nil")
	}
	if freshnessWindow <= 0 {
		freshnessWindow = DefaultFreshnessWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		client:          client,
		freshnessWindow: freshnessWindow,
		log:             log,
		now:             time.Now,
	}
}

// Detect partitions records in input order. At most two batched store
// lookups are issued: one by api_opportunity_id, one by normalized title for
// the records the first lookup missed. With forceFullReprocessing set, every
// record is NEW and no lookups happen.
func (d *Detector) Detect(ctx context.Context, sourceID string, records []*models.ExtractedOpportunity, forceFullReprocessing bool) (*DetectionResult, error) {
	start := d.now()
	result := &DetectionResult{}
	result.Metrics.TotalChecked = len(records)

	if forceFullReprocessing {
		result.NewOpportunities = append(result.NewOpportunities, records...)
		result.Metrics.New = len(records)
		result.Metrics.DetectionTime = d.now().Sub(start)
		d.log.Info("duplicate detection bypassed by force full reprocessing",
			"source_id", sourceID, "records", len(records))
		return result, nil
	}

	byID, byTitle, queries, err := d.lookupExisting(ctx, sourceID, records)
	if err != nil {
		return nil, err
	}
	result.Metrics.DatabaseQueries = queries

	cutoff := d.now().Add(-d.freshnessWindow)

	for _, record := range records {
		apiID := strings.TrimSpace(record.APIOpportunityID)
		title := strings.TrimSpace(record.Title)

		if apiID == "" && title == "" {
			result.ToSkip = append(result.ToSkip, &SkipCandidate{
				Record: record,
				Reason: ReasonValidationFailure,
			})
			result.Metrics.ValidationFailures++
			continue
		}

		existing, method := d.matchRecord(record, byID, byTitle)
		if existing == nil {
			result.NewOpportunities = append(result.NewOpportunities, record)
			result.Metrics.New++
			continue
		}
		switch method {
		case MethodAPIOpportunityID:
			result.Metrics.IDMatches++
		case MethodNormalizedTitle:
			result.Metrics.TitleMatches++
		}

		if existing.UpdatedAt.After(cutoff) {
			result.ToSkip = append(result.ToSkip, &SkipCandidate{
				Record:   record,
				Existing: existing,
				Method:   method,
				Reason:   ReasonFreshNoUpdateNeeded,
			})
			result.Metrics.Skip++
			result.Metrics.FreshnessSkips++
			continue
		}

		changes := DiffMaterialFields(record, existing)
		if len(changes) == 0 {
			result.ToSkip = append(result.ToSkip, &SkipCandidate{
				Record:   record,
				Existing: existing,
				Method:   method,
				Reason:   ReasonNoChangesDetected,
			})
			result.Metrics.Skip++
			continue
		}

		result.ToUpdate = append(result.ToUpdate, &UpdateCandidate{
			Record:          record,
			Existing:        existing,
			ChangesDetected: changes,
			Method:          method,
			Reason:          ReasonFieldsChanged,
		})
		result.Metrics.Update++
	}

	result.Metrics.DetectionTime = d.now().Sub(start)
	return result, nil
}

// lookupExisting batches the store round-trips: one query by external id,
// and one by normalized title for the records the first query missed.
func (d *Detector) lookupExisting(ctx context.Context, sourceID string, records []*models.ExtractedOpportunity) (map[string]*ent.FundingOpportunity, map[string]*ent.FundingOpportunity, int, error) {
	byID := make(map[string]*ent.FundingOpportunity)
	byTitle := make(map[string]*ent.FundingOpportunity)
	queries := 0

	var ids []string
	for _, r := range records {
		if id := strings.TrimSpace(r.APIOpportunityID); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		rows, err := d.client.FundingOpportunity.Query().
			Where(
				fundingopportunity.SourceID(sourceID),
				fundingopportunity.APIOpportunityIDIn(ids...),
			).
			All(ctx)
		if err != nil {
			return nil, nil, queries, err
		}
		queries++
		for _, row := range rows {
			byID[row.APIOpportunityID] = row
		}
	}

	var titles []string
	for _, r := range records {
		if _, matched := byID[strings.TrimSpace(r.APIOpportunityID)]; matched {
			continue
		}
		if norm := models.NormalizeTitle(r.Title); norm != "" {
			titles = append(titles, norm)
		}
	}
	if len(titles) > 0 {
		rows, err := d.client.FundingOpportunity.Query().
			Where(
				fundingopportunity.SourceID(sourceID),
				fundingopportunity.TitleNormalizedIn(titles...),
			).
			All(ctx)
		if err != nil {
			return nil, nil, queries, err
		}
		queries++
		for _, row := range rows {
			if _, ok := byTitle[row.TitleNormalized]; !ok {
				byTitle[row.TitleNormalized] = row
			}
		}
	}

	return byID, byTitle, queries, nil
}

// matchRecord prefers id equality. A title-only match is rejected when both
// external ids are present but differ.
func (d *Detector) matchRecord(record *models.ExtractedOpportunity, byID, byTitle map[string]*ent.FundingOpportunity) (*ent.FundingOpportunity, string) {
	apiID := strings.TrimSpace(record.APIOpportunityID)
	if apiID != "" {
		if existing, ok := byID[apiID]; ok {
			return existing, MethodAPIOpportunityID
		}
	}

	norm := models.NormalizeTitle(record.Title)
	if norm == "" {
		return nil, ""
	}
	existing, ok := byTitle[norm]
	if !ok {
		return nil, ""
	}
	if apiID != "" && existing.APIOpportunityID != "" && existing.APIOpportunityID != apiID {
		return nil, ""
	}
	return existing, MethodNormalizedTitle
}

// DiffMaterialFields returns the names of material fields whose values
// differ between an extracted record and a stored row. Strings compare after
// trimming; a nil numeric or date only equals another nil.
func DiffMaterialFields(record *models.ExtractedOpportunity, existing *ent.FundingOpportunity) []string {
	var changes []string
	for _, field := range materialFields {
		if !materialFieldEqual(field, record, existing) {
			changes = append(changes, field)
		}
	}
	return changes
}

func materialFieldEqual(field string, record *models.ExtractedOpportunity, existing *ent.FundingOpportunity) bool {
	switch field {
	case "title":
		return stringsEqual(record.Title, existing.Title)
	case "description":
		return stringsEqual(record.Description, existing.Description)
	case "close_date":
		return timesEqual(record.CloseDate, existing.CloseDate)
	case "min_award":
		return floatsEqual(record.MinAward, existing.MinAward)
	case "max_award":
		return floatsEqual(record.MaxAward, existing.MaxAward)
	case "total_funding":
		return floatsEqual(record.TotalFunding, existing.TotalFunding)
	case "eligibility":
		return stringsEqual(record.Eligibility, existing.Eligibility)
	case "url":
		return stringsEqual(record.URL, existing.URL)
	}
	return true
}

func stringsEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func floatsEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
