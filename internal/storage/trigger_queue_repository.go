package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// TriggerQueueRepository handles trigger queue entry persistence. One entry
// exists per source message; all claim/mark mutations go through the
// reservation-token protocol.
type TriggerQueueRepository struct {
	db *PostgresDB
}

// NewTriggerQueueRepository creates a new trigger queue repository
func NewTriggerQueueRepository(db *PostgresDB) *TriggerQueueRepository {
	return &TriggerQueueRepository{db: db}
}

const triggerEntryColumns = `
	id, source_message_id, source_message_created_at, home_id, author_id, recipient_id,
	status, reservation_token, attempts, retry_after, processing_started_at,
	processed_at, last_error, created_at, updated_at
`

// EnqueueTriggerParams carries the validated inputs for Enqueue.
type EnqueueTriggerParams struct {
	SourceMessageID        string
	SourceMessageCreatedAt time.Time
	HomeID                 string
	AuthorID               string
	RecipientID            string
}

// Enqueue creates the entry for a source message, or resets an existing
// non-in-flight entry back to queued. Attempt history is preserved; prior
// error, reservation and timing fields are cleared. At most one other active
// (non-canceled) entry may exist for the author within the ISO week derived
// from the source message's creation time.
func (r *TriggerQueueRepository) Enqueue(ctx context.Context, params *EnqueueTriggerParams) (*models.TriggerQueueEntry, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	// Same-author enqueues serialize on an advisory lock held until commit,
	// so the week-limit count below cannot race a concurrent insert.
	_, err = tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtextextended('trigger_week:' || $1, 0))
	`, params.AuthorID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock author for enqueue: %w", err)
	}

	// Week limit: one active rewrite target per author per ISO week. Weeks
	// are bucketed in UTC to match the partial index expression.
	var otherActive int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM trigger_queue_entries
		WHERE author_id = $1
		  AND source_message_id <> $2
		  AND status <> 'canceled'
		  AND date_trunc('week', source_message_created_at AT TIME ZONE 'UTC')
		      = date_trunc('week', $3::timestamptz AT TIME ZONE 'UTC')
	`, params.AuthorID, params.SourceMessageID, params.SourceMessageCreatedAt).Scan(&otherActive)
	if err != nil {
		return nil, fmt.Errorf("failed to count active triggers: %w", err)
	}
	if otherActive > 0 {
		return nil, apperrors.NewISOWeekLimitError(params.AuthorID)
	}

	// Re-enqueueing while not in-flight resets the entry to queued. The
	// recipient may only change if the prior attempt was canceled.
	query := fmt.Sprintf(`
		INSERT INTO trigger_queue_entries (
			id, source_message_id, source_message_created_at, home_id, author_id, recipient_id,
			status, attempts, created_at, updated_at
		)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, 'queued', 0, now(), now())
		ON CONFLICT (source_message_id) DO UPDATE SET
			recipient_id = EXCLUDED.recipient_id,
			status = 'queued',
			reservation_token = NULL,
			retry_after = NULL,
			processing_started_at = NULL,
			processed_at = NULL,
			last_error = NULL,
			updated_at = now()
		WHERE trigger_queue_entries.status <> 'processing'
		  AND (trigger_queue_entries.recipient_id = EXCLUDED.recipient_id
		       OR trigger_queue_entries.status = 'canceled')
		RETURNING %s
	`, triggerEntryColumns)

	entry, err := scanTriggerEntry(tx.QueryRow(ctx, query,
		params.SourceMessageID,
		params.SourceMessageCreatedAt,
		params.HomeID,
		params.AuthorID,
		params.RecipientID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainEnqueueConflict(ctx, tx, params)
		}
		return nil, fmt.Errorf("failed to enqueue trigger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return entry, nil
}

// explainEnqueueConflict turns a skipped upsert into a precise error.
func (r *TriggerQueueRepository) explainEnqueueConflict(ctx context.Context, tx pgx.Tx, params *EnqueueTriggerParams) error {
	var status types.TriggerStatus
	var recipientID string
	err := tx.QueryRow(ctx, `
		SELECT status, recipient_id FROM trigger_queue_entries WHERE source_message_id = $1
	`, params.SourceMessageID).Scan(&status, &recipientID)
	if err != nil {
		return fmt.Errorf("failed to inspect existing trigger entry: %w", err)
	}

	if status == types.TriggerProcessing {
		return apperrors.NewValidationError("TRIGGER_IN_FLIGHT",
			"a rewrite for this message is currently being processed")
	}
	return apperrors.NewValidationError("RECIPIENT_LOCKED",
		"recipient can only change after the prior attempt was canceled")
}

// PopPending atomically claims up to limit due, queued entries whose attempt
// count is below maxAttempts. Rows held by concurrent claimers are skipped,
// never awaited. Claimed entries carry a fresh reservation token.
func (r *TriggerQueueRepository) PopPending(ctx context.Context, limit, maxAttempts int) ([]*models.TriggerQueueEntry, error) {
	query := fmt.Sprintf(`
		UPDATE trigger_queue_entries t SET
			status = 'processing',
			reservation_token = gen_random_uuid(),
			attempts = t.attempts + 1,
			processing_started_at = now(),
			retry_after = NULL,
			updated_at = now()
		WHERE t.id IN (
			SELECT id FROM trigger_queue_entries
			WHERE status = 'queued'
			  AND (retry_after IS NULL OR retry_after <= now())
			  AND attempts < $2
			ORDER BY COALESCE(retry_after, created_at) ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, triggerEntryColumns)

	rows, err := r.db.Pool().Query(ctx, query, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to pop pending trigger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.TriggerQueueEntry
	for rows.Next() {
		entry, err := scanTriggerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger entries: %w", err)
	}

	return entries, nil
}

// MarkCompleted finishes a processing entry. The caller must present the
// exact token issued at claim time; otherwise the call is a no-op and
// ErrMarkNoop is returned for the caller to report.
func (r *TriggerQueueRepository) MarkCompleted(ctx context.Context, entryID, token string) error {
	return r.markTerminal(ctx, entryID, token, types.TriggerCompleted, nil)
}

// MarkFailed terminally fails a processing entry.
func (r *TriggerQueueRepository) MarkFailed(ctx context.Context, entryID, token, errMsg string) error {
	return r.markTerminal(ctx, entryID, token, types.TriggerFailed, &errMsg)
}

// MarkCanceled terminally cancels a processing entry.
func (r *TriggerQueueRepository) MarkCanceled(ctx context.Context, entryID, token string) error {
	return r.markTerminal(ctx, entryID, token, types.TriggerCanceled, nil)
}

func (r *TriggerQueueRepository) markTerminal(ctx context.Context, entryID, token string, status types.TriggerStatus, errMsg *string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE trigger_queue_entries SET
			status = $3,
			reservation_token = NULL,
			processing_started_at = NULL,
			processed_at = now(),
			last_error = COALESCE($4, last_error),
			updated_at = now()
		WHERE id = $1 AND status = 'processing' AND reservation_token = $2
	`, entryID, token, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark trigger entry %s: %w", status, err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewMarkNoopError(entryID, string(status))
	}

	return nil
}

// MarkRetry returns a processing entry to queued with a retry delay of at
// least 10 seconds, recording the error. Token-guarded like the terminal marks.
func (r *TriggerQueueRepository) MarkRetry(ctx context.Context, entryID, token, errMsg string, retryAfter time.Duration) error {
	delay := types.ClampTriggerRetry(retryAfter)

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE trigger_queue_entries SET
			status = 'queued',
			reservation_token = NULL,
			processing_started_at = NULL,
			retry_after = now() + $3 * interval '1 second',
			last_error = $4,
			updated_at = now()
		WHERE id = $1 AND status = 'processing' AND reservation_token = $2
	`, entryID, token, delay.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark trigger entry for retry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewMarkNoopError(entryID, "retry")
	}

	return nil
}

// ReclaimStale resets entries abandoned mid-flight (processing for longer
// than staleAfter) back to queued with a short retry delay.
func (r *TriggerQueueRepository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE trigger_queue_entries SET
			status = 'queued',
			reservation_token = NULL,
			processing_started_at = NULL,
			retry_after = now() + interval '10 seconds',
			last_error = CONCAT(COALESCE(last_error, ''), ' [reclaimed: worker stale]'),
			updated_at = now()
		WHERE status = 'processing'
		  AND processing_started_at < now() - $1 * interval '1 second'
	`, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale trigger entries: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// FailExhausted flips queued entries that have used up their attempt budget
// to failed, so nothing spins in queued forever.
func (r *TriggerQueueRepository) FailExhausted(ctx context.Context, maxAttempts int) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE trigger_queue_entries SET
			status = 'failed',
			retry_after = NULL,
			processed_at = now(),
			last_error = CONCAT(COALESCE(last_error, ''), ' [attempts exhausted]'),
			updated_at = now()
		WHERE status = 'queued' AND attempts >= $1
	`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to terminalize exhausted trigger entries: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// Cancel cancels a queued entry for the given author. Entries already claimed
// by a worker cannot be canceled mid-flight.
func (r *TriggerQueueRepository) Cancel(ctx context.Context, sourceMessageID, authorID string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE trigger_queue_entries SET
			status = 'canceled',
			retry_after = NULL,
			processed_at = now(),
			updated_at = now()
		WHERE source_message_id = $1 AND author_id = $2 AND status = 'queued'
	`, sourceMessageID, authorID)
	if err != nil {
		return fmt.Errorf("failed to cancel trigger entry: %w", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewValidationError("CANCEL_REJECTED",
			"entry is not queued (already in flight or terminal)")
	}

	return nil
}

// GetBySourceMessage retrieves the entry for a source message.
func (r *TriggerQueueRepository) GetBySourceMessage(ctx context.Context, sourceMessageID string) (*models.TriggerQueueEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM trigger_queue_entries WHERE source_message_id = $1
	`, triggerEntryColumns)

	entry, err := scanTriggerEntry(r.db.Pool().QueryRow(ctx, query, sourceMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("trigger entry", sourceMessageID)
		}
		return nil, fmt.Errorf("failed to get trigger entry: %w", err)
	}

	return entry, nil
}

func scanTriggerEntry(row pgx.Row) (*models.TriggerQueueEntry, error) {
	var entry models.TriggerQueueEntry

	err := row.Scan(
		&entry.ID,
		&entry.SourceMessageID,
		&entry.SourceMessageCreatedAt,
		&entry.HomeID,
		&entry.AuthorID,
		&entry.RecipientID,
		&entry.Status,
		&entry.ReservationToken,
		&entry.Attempts,
		&entry.RetryAfter,
		&entry.ProcessingStartedAt,
		&entry.ProcessedAt,
		&entry.LastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &entry, nil
}
