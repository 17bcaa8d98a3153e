package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/apisource"
	"github.com/grantstream-io/grantstream/ent/opportunitypath"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/ent/pipelinestage"
)

// RunListFilter narrows ListRuns results.
type RunListFilter struct {
	SourceID string
	Status   string
	Limit    int
	Offset   int
}

// RunService provides read access to pipeline runs and their bookkeeping.
type RunService struct {
	client *ent.Client
}

// NewRunService creates a new RunService.
func NewRunService(client *ent.Client) *RunService {
	if client == nil {
		panic("NewRunService: client must not be nil")
	}
	return &RunService{client: client}
}

// GetRun returns a run with stages (in pipeline order), per-opportunity
// paths, and the duplicate detection session loaded.
func (s *RunService) GetRun(ctx context.Context, runID string) (*ent.PipelineRun, error) {
	run, err := s.client.PipelineRun.Query().
		Where(pipelinerun.ID(runID)).
		WithStages(func(q *ent.PipelineStageQuery) {
			q.Order(ent.Asc(pipelinestage.FieldStageOrder))
		}).
		WithPaths(func(q *ent.OpportunityPathQuery) {
			q.Order(ent.Asc(opportunitypath.FieldAPIOpportunityID))
		}).
		WithDetectionSessions().
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("get run", err)
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by source and
// status.
func (s *RunService) ListRuns(ctx context.Context, filter RunListFilter) ([]*ent.PipelineRun, int, error) {
	q := s.client.PipelineRun.Query()
	if filter.SourceID != "" {
		q = q.Where(pipelinerun.SourceID(filter.SourceID))
	}
	if filter.Status != "" {
		q = q.Where(pipelinerun.StatusEQ(pipelinerun.Status(filter.Status)))
	}

	total, err := q.Clone().Count(ctx)
	if err != nil {
		return nil, 0, wrapDBError("count runs", err)
	}

	q = q.Order(ent.Desc(pipelinerun.FieldCreatedAt))
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	runs, err := q.All(ctx)
	if err != nil {
		return nil, 0, wrapDBError("list runs", err)
	}
	return runs, total, nil
}

// EnqueueRun creates a queued run for the source. A worker claims it via the
// pool; the coordinator does the rest. Returns ErrSourceBusy when the source
// already has an in-flight run, ErrNotFound when the source does not exist,
// and a ValidationError when it is inactive.
func (s *RunService) EnqueueRun(ctx context.Context, sourceID string) (*ent.PipelineRun, error) {
	source, err := s.client.ApiSource.Query().
		Where(apisource.ID(sourceID)).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("query source", err)
	}
	if !source.Active {
		return nil, NewValidationError("source_id", "source is not active")
	}

	if _, err := s.ActiveRunForSource(ctx, sourceID); err == nil {
		return nil, ErrSourceBusy
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	run, err := s.client.PipelineRun.Create().
		SetID(uuid.NewString()).
		SetSourceID(sourceID).
		SetStatus(pipelinerun.StatusStarted).
		Save(ctx)
	if err != nil {
		return nil, wrapDBError("enqueue run", err)
	}
	return run, nil
}

// ActiveRunForSource returns the in-flight run for a source, or ErrNotFound
// when the source is idle.
func (s *RunService) ActiveRunForSource(ctx context.Context, sourceID string) (*ent.PipelineRun, error) {
	run, err := s.client.PipelineRun.Query().
		Where(
			pipelinerun.SourceID(sourceID),
			pipelinerun.StatusIn(pipelinerun.StatusStarted, pipelinerun.StatusProcessing),
		).
		Order(ent.Desc(pipelinerun.FieldCreatedAt)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, wrapDBError("query active run", err)
	}
	return run, nil
}
