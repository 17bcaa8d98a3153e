package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/grantstream-io/grantstream/test/database"
)

func TestSystemConfigService_GetSet(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewSystemConfigService(client.Client)
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := svc.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, svc.Set(ctx, "ingest_batch", map[string]any{"size": float64(200)}))
		value, err := svc.Get(ctx, "ingest_batch")
		require.NoError(t, err)
		assert.Equal(t, float64(200), value["size"])
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, svc.Set(ctx, "ingest_batch", map[string]any{"size": float64(500)}))
		value, err := svc.Get(ctx, "ingest_batch")
		require.NoError(t, err)
		assert.Equal(t, float64(500), value["size"])
	})
}

func TestSystemConfigService_GlobalForceFullReprocessing(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewSystemConfigService(client.Client)
	ctx := context.Background()

	t.Run("defaults to false when unset", func(t *testing.T) {
		enabled, err := svc.GetGlobalForceFullReprocessing(ctx)
		require.NoError(t, err)
		assert.False(t, enabled)
	})

	t.Run("round trips", func(t *testing.T) {
		require.NoError(t, svc.SetGlobalForceFullReprocessing(ctx, true))
		enabled, err := svc.GetGlobalForceFullReprocessing(ctx)
		require.NoError(t, err)
		assert.True(t, enabled)

		require.NoError(t, svc.SetGlobalForceFullReprocessing(ctx, false))
		enabled, err = svc.GetGlobalForceFullReprocessing(ctx)
		require.NoError(t, err)
		assert.False(t, enabled)
	})
}
