package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/opportunitypath"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/ent/pipelinestage"
	"github.com/grantstream-io/grantstream/pkg/config"
	"github.com/grantstream-io/grantstream/pkg/database"
	"github.com/grantstream-io/grantstream/pkg/dedup"
	"github.com/grantstream-io/grantstream/pkg/models"
	"github.com/grantstream-io/grantstream/pkg/services"
	testdb "github.com/grantstream-io/grantstream/test/database"
)

type fakeAnalyzer struct {
	err   error
	calls int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, source *ent.ApiSource) (*AnalysisResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &AnalysisResult{
		Endpoint:   source.URL,
		Workflow:   "standard",
		Confidence: 0.95,
		TokensUsed: 100,
		APICalls:   1,
	}, nil
}

type fakeExtractor struct {
	opportunities []*models.ExtractedOpportunity
	err           error
}

func (f *fakeExtractor) Extract(_ context.Context, _ *ent.ApiSource, _ *AnalysisResult) (*ExtractionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ExtractionResult{
		Opportunities:  f.opportunities,
		TotalFound:     len(f.opportunities),
		TotalRetrieved: len(f.opportunities),
		APICalls:       1,
	}, nil
}

type fakeAnalysis struct {
	err error
}

func (f *fakeAnalysis) Enhance(_ context.Context, opportunities []*models.ExtractedOpportunity, _ *ent.ApiSource) (*EnhancementResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, opp := range opportunities {
		opp.Analysis = &models.OpportunityAnalysis{
			RelevanceScore: 9,
			TokensUsed:     200,
		}
	}
	return &EnhancementResult{
		Opportunities: opportunities,
		TotalTokens:   200 * len(opportunities),
		TotalAPICalls: len(opportunities),
	}, nil
}

type fakeStorage struct {
	err error
}

func (f *fakeStorage) Store(ctx context.Context, opportunities []*models.ExtractedOpportunity, _ *ent.ApiSource, _ bool) (*StorageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	stored := make(map[string]string, len(opportunities))
	for _, opp := range opportunities {
		stored[opp.APIOpportunityID] = uuid.NewString()
	}
	return &StorageResult{
		NewOpportunities: len(opportunities),
		StoredIDs:        stored,
	}, nil
}

func passAllFilter(opportunities []*models.ExtractedOpportunity) *FilterResult {
	return &FilterResult{Included: opportunities}
}

type coordinatorFixture struct {
	client    *database.Client
	sources   *services.SourceService
	sysconfig *services.SystemConfigService
	analyzer  *fakeAnalyzer
	extractor *fakeExtractor
	analysis  *fakeAnalysis
	storage   *fakeStorage
	coord     *Coordinator
}

func newCoordinatorFixture(t *testing.T, opportunities []*models.ExtractedOpportunity) *coordinatorFixture {
	t.Helper()
	client := testdb.NewTestClient(t)

	f := &coordinatorFixture{
		client:    client,
		sources:   services.NewSourceService(client.Client),
		sysconfig: services.NewSystemConfigService(client.Client),
		analyzer:  &fakeAnalyzer{},
		extractor: &fakeExtractor{opportunities: opportunities},
		analysis:  &fakeAnalysis{},
		storage:   &fakeStorage{},
	}
	f.coord = NewCoordinator(Deps{
		Client:       client.Client,
		Lock:         database.NewSourceLock(client.DB()),
		Sources:      f.sources,
		SystemConfig: f.sysconfig,
		Detector:     dedup.NewDetector(client.Client, 24*time.Hour, nil),
		DirectUpdate: dedup.NewDirectUpdateHandler(client.Client, nil),
		Analyzer:     f.analyzer,
		Extractor:    f.extractor,
		Analysis:     f.analysis,
		Filter:       passAllFilter,
		Storage:      f.storage,
	}, config.DefaultPipelineConfig(), nil, "test-pod")
	return f
}

func (f *coordinatorFixture) createSource(t *testing.T) *ent.ApiSource {
	t.Helper()
	source, err := f.sources.CreateSource(context.Background(), services.CreateSourceInput{
		Name:         "Coordinator Test Feed",
		Organization: "Test Agency",
		URL:          "https://api.example.gov",
	})
	require.NoError(t, err)
	return source
}

func stageStatuses(t *testing.T, client *ent.Client, runID string) map[string]pipelinestage.Status {
	t.Helper()
	stages, err := client.PipelineStage.Query().
		Where(pipelinestage.RunID(runID)).
		All(context.Background())
	require.NoError(t, err)
	statuses := make(map[string]pipelinestage.Status, len(stages))
	for _, stage := range stages {
		statuses[stage.StageName] = stage.Status
	}
	return statuses
}

func TestCoordinator_ProcessSource_Success(t *testing.T) {
	f := newCoordinatorFixture(t, []*models.ExtractedOpportunity{
		{APIOpportunityID: "EXT-1", Title: "Solar Rebate Program"},
		{APIOpportunityID: "EXT-2", Title: "Wind Energy Grant"},
	})
	ctx := context.Background()
	source := f.createSource(t)

	result := f.coord.ProcessSource(ctx, source.ID, "")

	require.Equal(t, "success", result.Status, "error: %s", result.Error)
	assert.Equal(t, PipelineVersion, result.Pipeline)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 2, result.OpportunitiesProcessed)
	// orchestrator 100 + analysis 200 per record.
	assert.Equal(t, 500, result.TotalTokensUsed)

	run, err := f.client.PipelineRun.Get(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipelinerun.StatusCompleted, run.Status)
	assert.Equal(t, 2, run.OpportunitiesProcessed)
	assert.False(t, run.ConcurrentProcessingDetected)
	assert.False(t, run.ForceFullReprocessingUsed)
	assert.NotEmpty(t, run.SLAGrade)

	statuses := stageStatuses(t, f.client.Client, result.RunID)
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageSourceOrchestrator])
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageDataExtraction])
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageEarlyDuplicateDetector])
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageAnalysis])
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageFilter])
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageStorage])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageDirectUpdate])

	sessions, err := f.client.DetectionSession.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].TotalOpportunitiesChecked)
	assert.Equal(t, 2, sessions[0].NewOpportunities)

	paths, err := f.client.OpportunityPath.Query().
		Where(opportunitypath.RunID(result.RunID)).
		All(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, path := range paths {
		assert.Equal(t, opportunitypath.PathTypeNew, path.PathType)
		assert.Equal(t, opportunitypath.FinalOutcomeStored, path.FinalOutcome)
		assert.Equal(t, 200, path.TokensUsed)
	}

	reloaded, err := f.sources.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.LastChecked, "a completed run advances last_checked")
}

func TestCoordinator_ProcessSource_ExtractionFailure(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	f.extractor.err = errors.New("validation: response mapping produced no records")
	ctx := context.Background()
	source := f.createSource(t)
	require.NoError(t, f.sources.SetForceReprocessing(ctx, source.ID, true))

	result := f.coord.ProcessSource(ctx, source.ID, "")

	require.Equal(t, "error", result.Status)
	assert.Equal(t, StageDataExtraction, result.FailedStage)

	run, err := f.client.PipelineRun.Get(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipelinerun.StatusFailed, run.Status)
	assert.Equal(t, StageDataExtraction, run.FailedStage)
	assert.Equal(t, string(CategoryValidation), run.ErrorDetails["category"])

	statuses := stageStatuses(t, f.client.Client, result.RunID)
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageSourceOrchestrator])
	assert.Equal(t, pipelinestage.StatusFailed, statuses[StageDataExtraction])
	assert.NotContains(t, statuses, StageStorage, "downstream stages never start")

	reloaded, err := f.sources.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.ForceFullReprocessing,
		"a failed run keeps the force flag so the next run retries the full pass")
	assert.Nil(t, reloaded.LastChecked, "failed runs do not advance last_checked")
}

func TestCoordinator_ProcessSource_ForceBypass(t *testing.T) {
	f := newCoordinatorFixture(t, []*models.ExtractedOpportunity{
		{APIOpportunityID: "EXT-1", Title: "Solar Rebate Program"},
	})
	ctx := context.Background()
	source := f.createSource(t)

	// An existing row that would normally be a duplicate.
	_, err := f.client.FundingOpportunity.Create().
		SetID(uuid.NewString()).
		SetSourceID(source.ID).
		SetAPIOpportunityID("EXT-1").
		SetTitle("Solar Rebate Program").
		SetTitleNormalized("solar rebate program").
		Save(ctx)
	require.NoError(t, err)

	require.NoError(t, f.sources.SetForceReprocessing(ctx, source.ID, true))
	require.NoError(t, f.sysconfig.SetGlobalForceFullReprocessing(ctx, true))

	result := f.coord.ProcessSource(ctx, source.ID, "")
	require.Equal(t, "success", result.Status, "error: %s", result.Error)

	run, err := f.client.PipelineRun.Get(ctx, result.RunID)
	require.NoError(t, err)
	assert.True(t, run.ForceFullReprocessingUsed)

	sessions, err := f.client.DetectionSession.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].NewOpportunities, "force treats known records as NEW")
	assert.Equal(t, 0, sessions[0].DatabaseQueriesMade)

	reloaded, err := f.sources.GetSource(ctx, source.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.ForceFullReprocessing, "success clears the per-source flag")

	global, err := f.sysconfig.GetGlobalForceFullReprocessing(ctx)
	require.NoError(t, err)
	assert.True(t, global, "the global flag is the admin's to clear, not one run's")
}

func TestCoordinator_ProcessSource_GlobalForceSpansSources(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	first := f.createSource(t)
	second, err := f.sources.CreateSource(ctx, services.CreateSourceInput{
		Name:         "Statewide Water Grants",
		Organization: "Water Board",
		URL:          "https://api.water.example.gov",
	})
	require.NoError(t, err)

	require.NoError(t, f.sysconfig.SetGlobalForceFullReprocessing(ctx, true))

	for _, source := range []*ent.ApiSource{first, second} {
		result := f.coord.ProcessSource(ctx, source.ID, "")
		require.Equal(t, "success", result.Status, "error: %s", result.Error)

		run, err := f.client.PipelineRun.Get(ctx, result.RunID)
		require.NoError(t, err)
		assert.True(t, run.ForceFullReprocessingUsed,
			"every source in the batch gets the forced pass")
	}

	global, err := f.sysconfig.GetGlobalForceFullReprocessing(ctx)
	require.NoError(t, err)
	assert.True(t, global)
}

func TestCoordinator_ProcessSource_ZeroExtracted(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	source := f.createSource(t)

	result := f.coord.ProcessSource(ctx, source.ID, "")
	require.Equal(t, "success", result.Status, "error: %s", result.Error)
	assert.Equal(t, 0, result.OpportunitiesProcessed)

	statuses := stageStatuses(t, f.client.Client, result.RunID)
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageEarlyDuplicateDetector])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageAnalysis])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageFilter])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageStorage])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageDirectUpdate])

	// An empty session is still recorded for run accounting.
	sessions, err := f.client.DetectionSession.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Zero(t, sessions[0].TotalOpportunitiesChecked)
}

func TestCoordinator_ProcessSource_UpdateBranch(t *testing.T) {
	newMax := 75000.0
	f := newCoordinatorFixture(t, []*models.ExtractedOpportunity{
		{APIOpportunityID: "EXT-1", Title: "Solar Rebate Program Phase II", MaxAward: &newMax},
	})
	ctx := context.Background()
	source := f.createSource(t)

	existing, err := f.client.FundingOpportunity.Create().
		SetID(uuid.NewString()).
		SetSourceID(source.ID).
		SetAPIOpportunityID("EXT-1").
		SetTitle("Solar Rebate Program").
		SetTitleNormalized("solar rebate program").
		SetUpdatedAt(time.Now().Add(-48 * time.Hour)).
		Save(ctx)
	require.NoError(t, err)

	result := f.coord.ProcessSource(ctx, source.ID, "")
	require.Equal(t, "success", result.Status, "error: %s", result.Error)
	assert.Equal(t, 1, result.OpportunitiesProcessed)
	assert.Equal(t, 100, result.TotalTokensUsed, "updates bypass the analysis stage")

	statuses := stageStatuses(t, f.client.Client, result.RunID)
	assert.Equal(t, pipelinestage.StatusCompleted, statuses[StageDirectUpdate])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageAnalysis])
	assert.Equal(t, pipelinestage.StatusSkipped, statuses[StageStorage])

	reloaded, err := f.client.FundingOpportunity.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Solar Rebate Program Phase II", reloaded.Title)
	assert.Equal(t, existing.RowVersion+1, reloaded.RowVersion)

	paths, err := f.client.OpportunityPath.Query().
		Where(opportunitypath.RunID(result.RunID)).
		All(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, opportunitypath.PathTypeUpdate, paths[0].PathType)
	assert.Equal(t, opportunitypath.FinalOutcomeUpdated, paths[0].FinalOutcome)
	assert.True(t, paths[0].DuplicateDetected)
	require.NotNil(t, paths[0].ExistingOpportunityID)
	assert.Equal(t, existing.ID, *paths[0].ExistingOpportunityID)

	run, err := f.client.PipelineRun.Get(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.OpportunitiesBypassedLlm)
}

func TestCoordinator_ProcessSource_SkipPathsRecorded(t *testing.T) {
	f := newCoordinatorFixture(t, []*models.ExtractedOpportunity{
		{APIOpportunityID: "EXT-1", Title: "Solar Rebate Program"},
	})
	ctx := context.Background()
	source := f.createSource(t)

	// Identical stale row: stale enough to diff, but nothing changed.
	_, err := f.client.FundingOpportunity.Create().
		SetID(uuid.NewString()).
		SetSourceID(source.ID).
		SetAPIOpportunityID("EXT-1").
		SetTitle("Solar Rebate Program").
		SetTitleNormalized("solar rebate program").
		SetUpdatedAt(time.Now().Add(-48 * time.Hour)).
		Save(ctx)
	require.NoError(t, err)

	result := f.coord.ProcessSource(ctx, source.ID, "")
	require.Equal(t, "success", result.Status, "error: %s", result.Error)

	paths, err := f.client.OpportunityPath.Query().
		Where(opportunitypath.RunID(result.RunID)).
		All(ctx)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, opportunitypath.PathTypeSkip, paths[0].PathType)
	assert.Equal(t, opportunitypath.FinalOutcomeSkipped, paths[0].FinalOutcome)
	assert.Equal(t, dedup.ReasonNoChangesDetected, paths[0].PathReason)
}

func TestCoordinator_ProcessSource_ConcurrentLockDetected(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	source := f.createSource(t)

	// Another holder has the source's advisory lock.
	locker := database.NewSourceLock(f.client.DB())
	held, err := locker.TryAcquire(ctx, source.ID)
	require.NoError(t, err)
	require.True(t, held.Acquired)
	defer func() { require.NoError(t, locker.Release(ctx, held)) }()

	result := f.coord.ProcessSource(ctx, source.ID, "")
	require.Equal(t, "success", result.Status, "the run proceeds, flagged")

	run, err := f.client.PipelineRun.Get(ctx, result.RunID)
	require.NoError(t, err)
	assert.True(t, run.ConcurrentProcessingDetected)
}

func TestCoordinator_ProcessSource_BadSourceIDs(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()

	t.Run("malformed id", func(t *testing.T) {
		result := f.coord.ProcessSource(ctx, "not-a-uuid", "")
		assert.Equal(t, "error", result.Status)
		assert.Contains(t, result.Error, "invalid source id")
		assert.Empty(t, result.RunID, "no run row is created")
	})

	t.Run("unknown id", func(t *testing.T) {
		result := f.coord.ProcessSource(ctx, uuid.NewString(), "")
		assert.Equal(t, "error", result.Status)
		assert.Contains(t, result.Error, "failed to load source")
	})
}

func TestCoordinator_ProcessSource_UsesInjectedRun(t *testing.T) {
	f := newCoordinatorFixture(t, nil)
	ctx := context.Background()
	source := f.createSource(t)

	queued, err := f.client.PipelineRun.Create().
		SetID(uuid.NewString()).
		SetSourceID(source.ID).
		SetPipelineVersion(PipelineVersion).
		SetStatus(pipelinerun.StatusStarted).
		Save(ctx)
	require.NoError(t, err)

	result := f.coord.ProcessSource(ctx, source.ID, queued.ID)
	require.Equal(t, "success", result.Status, "error: %s", result.Error)
	assert.Equal(t, queued.ID, result.RunID)

	runs, err := f.client.PipelineRun.Query().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runs, "the queued run is claimed, not duplicated")
}
