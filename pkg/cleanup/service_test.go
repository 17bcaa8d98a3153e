package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/ent/pipelinerun"
	"github.com/grantstream-io/grantstream/pkg/config"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
	testdb "github.com/grantstream-io/grantstream/test/database"
)

func createRetentionSource(t *testing.T, client *ent.Client) *ent.ApiSource {
	t.Helper()
	source, err := client.ApiSource.Create().
		SetID(uuid.NewString()).
		SetName("Retention Test Feed").
		SetURL("https://api.example.gov").
		Save(context.Background())
	require.NoError(t, err)
	return source
}

func createRunWithAge(t *testing.T, client *ent.Client, sourceID string, status pipelinerun.Status, age time.Duration) *ent.PipelineRun {
	t.Helper()
	run, err := client.PipelineRun.Create().
		SetID(uuid.NewString()).
		SetSourceID(sourceID).
		SetPipelineVersion(pipeline.PipelineVersion).
		SetStatus(status).
		SetCreatedAt(time.Now().UTC().Add(-age)).
		Save(context.Background())
	require.NoError(t, err)
	return run
}

func TestRetention_DeleteOldRuns(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	source := createRetentionSource(t, client.Client)

	const week = 7 * 24 * time.Hour

	oldCompleted := createRunWithAge(t, client.Client, source.ID, pipelinerun.StatusCompleted, 10*24*time.Hour)
	oldFailed := createRunWithAge(t, client.Client, source.ID, pipelinerun.StatusFailed, 10*24*time.Hour)
	oldButRunning := createRunWithAge(t, client.Client, source.ID, pipelinerun.StatusProcessing, 10*24*time.Hour)
	recentCompleted := createRunWithAge(t, client.Client, source.ID, pipelinerun.StatusCompleted, time.Hour)

	svc := NewService(&config.RetentionConfig{
		RunRetentionDays: 7,
		RawResponseTTL:   week,
		CleanupInterval:  time.Hour,
	}, client.Client)
	svc.runAll(ctx)

	for _, id := range []string{oldCompleted.ID, oldFailed.ID} {
		_, err := client.PipelineRun.Get(ctx, id)
		assert.True(t, ent.IsNotFound(err), "terminal run %s past retention should be gone", id)
	}

	kept, err := client.PipelineRun.Get(ctx, oldButRunning.ID)
	require.NoError(t, err, "in-flight runs are never deleted, however old")
	assert.Equal(t, pipelinerun.StatusProcessing, kept.Status)

	_, err = client.PipelineRun.Get(ctx, recentCompleted.ID)
	require.NoError(t, err)
}

func TestRetention_DeleteExpiredRawResponses(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()
	source := createRetentionSource(t, client.Client)

	expired, err := client.RawResponse.Create().
		SetID(uuid.NewString()).
		SetSourceID(source.ID).
		SetEndpoint("https://api.example.gov/v1/opps").
		SetStatusCode(200).
		SetBody(`{"data": []}`).
		SetCreatedAt(time.Now().UTC().Add(-48 * time.Hour)).
		Save(ctx)
	require.NoError(t, err)

	fresh, err := client.RawResponse.Create().
		SetID(uuid.NewString()).
		SetSourceID(source.ID).
		SetEndpoint("https://api.example.gov/v1/opps").
		SetStatusCode(200).
		SetBody(`{"data": []}`).
		Save(ctx)
	require.NoError(t, err)

	svc := NewService(&config.RetentionConfig{
		RunRetentionDays: 7,
		RawResponseTTL:   24 * time.Hour,
		CleanupInterval:  time.Hour,
	}, client.Client)
	svc.runAll(ctx)

	_, err = client.RawResponse.Get(ctx, expired.ID)
	assert.True(t, ent.IsNotFound(err))

	_, err = client.RawResponse.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestService_StartStop(t *testing.T) {
	client := testdb.NewTestClient(t)

	svc := NewService(&config.RetentionConfig{
		RunRetentionDays: 7,
		RawResponseTTL:   24 * time.Hour,
		CleanupInterval:  50 * time.Millisecond,
	}, client.Client)

	svc.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	svc.Stop()
}
