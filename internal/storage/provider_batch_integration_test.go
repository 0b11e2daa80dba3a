package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

func cleanupBatch(t *testing.T, db *PostgresDB, providerBatchID string) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.Pool().Exec(ctx,
			`DELETE FROM provider_batches WHERE provider_batch_id = $1`, providerBatchID); err != nil {
			t.Logf("cleanup failed for batch %s: %v", providerBatchID, err)
		}
	})
}

func TestProviderBatchLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewProviderBatchRepository(db)
	ctx := testContext(t)

	batchID := "batch-" + uuid.NewString()
	cleanupBatch(t, db, batchID)

	require.NoError(t, repo.Register(ctx, batchID, "file-in-1", 3))
	// Registration is idempotent; a duplicate submit report is harmless.
	require.NoError(t, repo.Register(ctx, batchID, "file-in-1", 3))

	batch, err := repo.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchSubmitted, batch.Status)
	assert.Equal(t, 3, batch.JobCount)
	assert.Nil(t, batch.LastCheckedAt)

	require.NoError(t, repo.UpdateStatus(ctx, batchID, types.BatchRunning, nil, nil))

	output := "file-out-1"
	require.NoError(t, repo.UpdateStatus(ctx, batchID, types.BatchCompleted, &output, nil))

	batch, err = repo.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, batch.Status)
	require.NotNil(t, batch.OutputArtifactID)
	assert.Equal(t, output, *batch.OutputArtifactID)
	assert.NotNil(t, batch.LastCheckedAt)

	// Terminal batches reject further transitions.
	err = repo.UpdateStatus(ctx, batchID, types.BatchRunning, nil, nil)
	require.ErrorIs(t, err, apperrors.ErrMarkNoop)
}

func TestProviderBatchUpdateStatusUnknownBatch(t *testing.T) {
	db := testDB(t)
	repo := NewProviderBatchRepository(db)
	ctx := testContext(t)

	// An unregistered batch is a registry inconsistency, not a benign no-op.
	err := repo.UpdateStatus(ctx, "batch-"+uuid.NewString(), types.BatchRunning, nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NotErrorIs(t, err, apperrors.ErrMarkNoop)
}

func TestProviderBatchListPending(t *testing.T) {
	db := testDB(t)
	repo := NewProviderBatchRepository(db)
	ctx := testContext(t)

	pendingID := "batch-" + uuid.NewString()
	doneID := "batch-" + uuid.NewString()
	cleanupBatch(t, db, pendingID)
	cleanupBatch(t, db, doneID)

	require.NoError(t, repo.Register(ctx, pendingID, "file-in-1", 1))
	require.NoError(t, repo.Register(ctx, doneID, "file-in-2", 1))
	output := "file-out-2"
	require.NoError(t, repo.UpdateStatus(ctx, doneID, types.BatchCompleted, &output, nil))

	pending, err := repo.ListPending(ctx, 1000)
	require.NoError(t, err)

	found := map[string]bool{}
	for _, batch := range pending {
		found[batch.ProviderBatchID] = true
	}
	assert.True(t, found[pendingID], "submitted batch should be pending")
	assert.False(t, found[doneID], "completed batch should not be pending")
}

func TestProviderBatchTouch(t *testing.T) {
	db := testDB(t)
	repo := NewProviderBatchRepository(db)
	ctx := testContext(t)

	batchID := "batch-" + uuid.NewString()
	cleanupBatch(t, db, batchID)

	require.NoError(t, repo.Register(ctx, batchID, "file-in-1", 1))
	require.NoError(t, repo.Touch(ctx, batchID))

	batch, err := repo.Get(ctx, batchID)
	require.NoError(t, err)
	assert.NotNil(t, batch.LastCheckedAt)
	assert.Equal(t, types.BatchSubmitted, batch.Status, "touch must not change status")
}
