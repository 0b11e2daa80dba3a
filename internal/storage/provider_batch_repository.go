package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// ProviderBatchRepository tracks externally-submitted batch calls, keyed by
// the provider's own batch identifier.
type ProviderBatchRepository struct {
	db *PostgresDB
}

// NewProviderBatchRepository creates a new provider batch repository
func NewProviderBatchRepository(db *PostgresDB) *ProviderBatchRepository {
	return &ProviderBatchRepository{db: db}
}

const providerBatchColumns = `
	provider_batch_id, status, input_artifact_id, output_artifact_id,
	error_artifact_id, job_count, last_checked_at, created_at, updated_at
`

// Register records a newly submitted provider batch. Re-registering the same
// batch ID is a no-op so submit retries stay idempotent.
func (r *ProviderBatchRepository) Register(ctx context.Context, providerBatchID, inputArtifactID string, jobCount int) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO provider_batches (
			provider_batch_id, status, input_artifact_id, job_count, created_at, updated_at
		)
		VALUES ($1, 'submitted', $2, $3, now(), now())
		ON CONFLICT (provider_batch_id) DO NOTHING
	`, providerBatchID, inputArtifactID, jobCount)
	if err != nil {
		return fmt.Errorf("failed to register provider batch: %w", err)
	}

	return nil
}

// UpdateStatus records the latest polled state of a batch and stamps
// last_checked_at. A batch already in a terminal state is never downgraded;
// polling one returns a MARK_NOOP error, while an unknown batch ID surfaces
// as NOT_FOUND so a registry inconsistency is not silently skipped.
func (r *ProviderBatchRepository) UpdateStatus(ctx context.Context, providerBatchID string, status types.BatchStatus, outputArtifactID, errorArtifactID *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE provider_batches SET
			status = $2,
			output_artifact_id = COALESCE($3, output_artifact_id),
			error_artifact_id = COALESCE($4, error_artifact_id),
			last_checked_at = now(),
			updated_at = now()
		WHERE provider_batch_id = $1
		  AND status NOT IN ('completed', 'failed', 'expired', 'canceled')
	`, providerBatchID, status, outputArtifactID, errorArtifactID)
	if err != nil {
		return fmt.Errorf("failed to update provider batch status: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := r.db.Pool().QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM provider_batches WHERE provider_batch_id = $1)
		`, providerBatchID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to inspect provider batch: %w", err)
		}
		if !exists {
			return apperrors.NewNotFoundError("provider batch", providerBatchID)
		}
		return apperrors.NewMarkNoopError("provider batch", providerBatchID)
	}

	return nil
}

// Touch stamps last_checked_at without changing status, so an unchanged batch
// still rotates to the back of the polling order.
func (r *ProviderBatchRepository) Touch(ctx context.Context, providerBatchID string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE provider_batches SET last_checked_at = now(), updated_at = now()
		WHERE provider_batch_id = $1
	`, providerBatchID)
	if err != nil {
		return fmt.Errorf("failed to touch provider batch: %w", err)
	}

	return nil
}

// ListPending returns non-terminal batches, least recently checked first, so
// every batch gets polled before any batch is polled twice.
func (r *ProviderBatchRepository) ListPending(ctx context.Context, limit int) ([]*models.ProviderBatch, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+providerBatchColumns+`
		FROM provider_batches
		WHERE status NOT IN ('completed', 'failed', 'expired', 'canceled')
		ORDER BY last_checked_at ASC NULLS FIRST, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending provider batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.ProviderBatch
	for rows.Next() {
		batch, err := scanProviderBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider batches: %w", err)
	}

	return batches, nil
}

// Get retrieves a provider batch by its provider-assigned ID.
func (r *ProviderBatchRepository) Get(ctx context.Context, providerBatchID string) (*models.ProviderBatch, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+providerBatchColumns+`
		FROM provider_batches
		WHERE provider_batch_id = $1
	`, providerBatchID)

	batch, err := scanProviderBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("provider batch", providerBatchID)
		}
		return nil, err
	}

	return batch, nil
}

func scanProviderBatch(row pgx.Row) (*models.ProviderBatch, error) {
	var batch models.ProviderBatch

	err := row.Scan(
		&batch.ProviderBatchID,
		&batch.Status,
		&batch.InputArtifactID,
		&batch.OutputArtifactID,
		&batch.ErrorArtifactID,
		&batch.JobCount,
		&batch.LastCheckedAt,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan provider batch: %w", err)
	}

	return &batch, nil
}
