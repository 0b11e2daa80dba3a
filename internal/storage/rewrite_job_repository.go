package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// RewriteJobRepository is the request/job registry: durable rewrite requests,
// their per-recipient jobs, the snapshots taken at request time, and the
// terminal outputs. All claim mutations use non-blocking SKIP LOCKED scans so
// concurrent workers never wait on each other's rows.
type RewriteJobRepository struct {
	db *PostgresDB
}

// NewRewriteJobRepository creates a new rewrite job repository
func NewRewriteJobRepository(db *PostgresDB) *RewriteJobRepository {
	return &RewriteJobRepository{db: db}
}

// EnqueueRequestParams carries everything needed to create a request, its
// snapshots, and its job in one idempotent transaction.
type EnqueueRequestParams struct {
	Request              *models.RewriteRequest
	RecipientDisplayName string
	RecipientLocale      string
	Preferences          map[string]string
	JobMaxAttempts       int
}

// EnqueueRequest idempotently inserts the request, the recipient snapshot,
// the preference snapshot, and the (request, recipient) job. Re-invoking with
// the same request ID is a no-op that returns the existing job's ID, so the
// trigger queue's retry path can safely call this again.
func (r *RewriteJobRepository) EnqueueRequest(ctx context.Context, params *EnqueueRequestParams) (string, error) {
	req := params.Request

	prefsJSON, err := json.Marshal(params.Preferences)
	if err != nil {
		return "", fmt.Errorf("failed to marshal preferences: %w", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO rewrite_requests (
			id, home_id, author_id, recipient_id, surface, original_text,
			source_locale, target_locale, lane, topics, intent, strength,
			classifier_ref, context_ref, prompt_ref, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 'queued', now(), now())
		ON CONFLICT (id) DO NOTHING
	`,
		req.ID, req.HomeID, req.AuthorID, req.RecipientID, req.Surface, req.OriginalText,
		req.SourceLocale, req.TargetLocale, req.Lane, topicsToStrings(req.Topics),
		req.Intent, req.Strength, req.ClassifierRef, req.ContextRef, req.PromptRef,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert rewrite request: %w", err)
	}

	// Snapshots are write-once: first writer wins, later writers read back
	// the existing row's ID.
	var snapshotID string
	err = tx.QueryRow(ctx, `
		INSERT INTO recipient_snapshots (id, request_id, recipient_id, display_name, locale, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (request_id) DO UPDATE SET request_id = EXCLUDED.request_id
		RETURNING id
	`, uuid.NewString(), req.ID, req.RecipientID, params.RecipientDisplayName, params.RecipientLocale).Scan(&snapshotID)
	if err != nil {
		return "", fmt.Errorf("failed to insert recipient snapshot: %w", err)
	}

	var prefSnapshotID string
	err = tx.QueryRow(ctx, `
		INSERT INTO recipient_preference_snapshots (id, request_id, recipient_id, preferences, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (request_id, recipient_id) DO UPDATE SET request_id = EXCLUDED.request_id
		RETURNING id
	`, uuid.NewString(), req.ID, req.RecipientID, prefsJSON).Scan(&prefSnapshotID)
	if err != nil {
		return "", fmt.Errorf("failed to insert preference snapshot: %w", err)
	}

	var jobID string
	err = tx.QueryRow(ctx, `
		INSERT INTO rewrite_jobs (
			id, request_id, recipient_id, recipient_snapshot_id, preference_snapshot_id,
			status, attempts, max_attempts, not_before, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, now(), now(), now())
		ON CONFLICT (request_id, recipient_id) DO UPDATE SET request_id = EXCLUDED.request_id
		RETURNING id
	`, uuid.NewString(), req.ID, req.RecipientID, snapshotID, prefSnapshotID, params.JobMaxAttempts).Scan(&jobID)
	if err != nil {
		return "", fmt.Errorf("failed to insert rewrite job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return jobID, nil
}

// ClaimForSubmit claims up to limit queued jobs that are past their
// not_before, not attached to a provider batch, and within attempt budget.
// Rows held by concurrent claimers are skipped. The returned jobs carry the
// request's prompt inputs and the given routing decision so the submitter
// needs no second lookup.
func (r *RewriteJobRepository) ClaimForSubmit(ctx context.Context, limit int, workerID string, routing models.RoutingDecision) ([]*models.ClaimedJob, error) {
	rows, err := r.db.Pool().Query(ctx, `
		WITH claimed AS (
			UPDATE rewrite_jobs j SET
				status = 'processing',
				attempts = j.attempts + 1,
				claimed_by = $2,
				claimed_at = now(),
				updated_at = now()
			WHERE j.id IN (
				SELECT id FROM rewrite_jobs
				WHERE status = 'queued'
				  AND not_before <= now()
				  AND provider_batch_id IS NULL
				  AND attempts < max_attempts
				ORDER BY not_before ASC, created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING j.id, j.request_id, j.recipient_id, j.preference_snapshot_id
		)
		SELECT c.id, c.request_id, c.recipient_id,
		       r.original_text, r.source_locale, r.target_locale, r.lane,
		       r.topics, r.intent, r.strength, r.prompt_ref,
		       p.preferences
		FROM claimed c
		JOIN rewrite_requests r ON r.id = c.request_id
		LEFT JOIN recipient_preference_snapshots p ON p.id = c.preference_snapshot_id
	`, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs for submit: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ClaimedJob
	for rows.Next() {
		var job models.ClaimedJob
		var topics []string
		var prefsJSON []byte

		err := rows.Scan(
			&job.JobID,
			&job.RequestID,
			&job.RecipientID,
			&job.OriginalText,
			&job.SourceLocale,
			&job.TargetLocale,
			&job.Lane,
			&topics,
			&job.Intent,
			&job.Strength,
			&job.PromptRef,
			&prefsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}

		job.Topics = stringsToTopics(topics)
		if len(prefsJSON) > 0 {
			if err := json.Unmarshal(prefsJSON, &job.Preferences); err != nil {
				return nil, fmt.Errorf("failed to unmarshal preference snapshot: %w", err)
			}
		}
		job.Routing = routing

		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed jobs: %w", err)
	}

	return jobs, nil
}

// MarkBatchSubmitted stamps the provider batch ID onto jobs that are still
// processing. Jobs that concurrently failed or were reclaimed are left
// untouched; the count of affected rows is returned.
func (r *RewriteJobRepository) MarkBatchSubmitted(ctx context.Context, jobIDs []string, providerBatchID string) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE rewrite_jobs SET
			status = 'batch_submitted',
			provider_batch_id = $2,
			submitted_at = now(),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE id = ANY($1) AND status = 'processing'
	`, jobIDs, providerBatchID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark jobs batch submitted: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// RequeueAfterSubmitFailure returns still-processing jobs to queued with a
// clamped backoff, recording the submit error. Used when the outbound batch
// call failed before a provider batch ID was obtained.
func (r *RewriteJobRepository) RequeueAfterSubmitFailure(ctx context.Context, jobIDs []string, errMsg string, backoff time.Duration) (int, error) {
	delay := types.ClampBackoff(backoff)

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE rewrite_jobs SET
			status = 'queued',
			not_before = now() + $2 * interval '1 second',
			last_error = $3,
			last_error_at = now(),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE id = ANY($1) AND status = 'processing'
	`, jobIDs, delay.Seconds(), errMsg)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue jobs after submit failure: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// CollectClaim identifies one claimed batch_submitted job for the collector.
type CollectClaim struct {
	JobID           string
	RequestID       string
	RecipientID     string
	ProviderBatchID string
}

// ClaimForCollect claims up to limit batch_submitted jobs, oldest submission
// first. As a side effect any parent request still queued is flipped to
// processing so request-level status reflects work underway.
func (r *RewriteJobRepository) ClaimForCollect(ctx context.Context, limit int, workerID string) ([]*CollectClaim, error) {
	return r.claimForCollect(ctx, workerID, `
		SELECT id FROM rewrite_jobs
		WHERE status = 'batch_submitted'
		ORDER BY submitted_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
}

// ClaimForCollectByIDs claims an explicit set of batch_submitted jobs, used
// by a collector that already knows which provider batch finished.
func (r *RewriteJobRepository) ClaimForCollectByIDs(ctx context.Context, jobIDs []string, workerID string) ([]*CollectClaim, error) {
	return r.claimForCollect(ctx, workerID, `
		SELECT id FROM rewrite_jobs
		WHERE status = 'batch_submitted' AND id = ANY($1)
		FOR UPDATE SKIP LOCKED
	`, jobIDs)
}

func (r *RewriteJobRepository) claimForCollect(ctx context.Context, workerID, selectSQL string, selectArg interface{}) ([]*CollectClaim, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin collect claim: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	query := fmt.Sprintf(`
		UPDATE rewrite_jobs j SET
			status = 'processing',
			claimed_by = $2,
			claimed_at = now(),
			updated_at = now()
		WHERE j.id IN (%s)
		RETURNING j.id, j.request_id, j.recipient_id, j.provider_batch_id
	`, selectSQL)

	rows, err := tx.Query(ctx, query, selectArg, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs for collect: %w", err)
	}

	var claims []*CollectClaim
	var requestIDs []string
	for rows.Next() {
		var claim CollectClaim
		var batchID *string
		if err := rows.Scan(&claim.JobID, &claim.RequestID, &claim.RecipientID, &batchID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan collect claim: %w", err)
		}
		if batchID != nil {
			claim.ProviderBatchID = *batchID
		}
		claims = append(claims, &claim)
		requestIDs = append(requestIDs, claim.RequestID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collect claims: %w", err)
	}

	if len(requestIDs) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE rewrite_requests SET status = 'processing', updated_at = now()
			WHERE id = ANY($1) AND status = 'queued'
		`, requestIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to mark requests processing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit collect claim: %w", err)
	}

	return claims, nil
}

// CompleteJobParams carries the per-recipient output for a finished job.
type CompleteJobParams struct {
	JobID       string
	RequestID   string
	RecipientID string
	Output      *models.RewriteOutput
}

// Complete upserts the job's output and flips it to completed, then
// re-evaluates the parent request. The job must be processing and match the
// given request/recipient (JOB_MISMATCH otherwise); the output's declared
// language must match the target locale's primary language (LANG_MISMATCH).
func (r *RewriteJobRepository) Complete(ctx context.Context, params *CompleteJobParams) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin complete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	var status types.JobStatus
	var requestID, recipientID, targetLocale string
	err = tx.QueryRow(ctx, `
		SELECT j.status, j.request_id, j.recipient_id, r.target_locale
		FROM rewrite_jobs j
		JOIN rewrite_requests r ON r.id = j.request_id
		WHERE j.id = $1
		FOR UPDATE OF j
	`, params.JobID).Scan(&status, &requestID, &recipientID, &targetLocale)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NewJobMismatchError(params.JobID)
		}
		return fmt.Errorf("failed to load job for completion: %w", err)
	}

	if status != types.JobProcessing || requestID != params.RequestID || recipientID != params.RecipientID {
		return apperrors.NewJobMismatchError(params.JobID)
	}

	want := types.PrimaryLanguage(targetLocale)
	declared := strings.ToLower(strings.TrimSpace(params.Output.OutputLanguage))
	if declared != want {
		return apperrors.NewLangMismatchError(declared, want)
	}

	evalJSON, err := json.Marshal(params.Output.Evaluation)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}

	// Re-completion with a newer payload overwrites rather than duplicates.
	_, err = tx.Exec(ctx, `
		INSERT INTO rewrite_outputs (
			id, request_id, recipient_id, rewritten_text, output_language,
			provider, model, prompt_version, policy_version, lexicon_version,
			evaluation, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		ON CONFLICT (request_id, recipient_id) DO UPDATE SET
			rewritten_text = EXCLUDED.rewritten_text,
			output_language = EXCLUDED.output_language,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			prompt_version = EXCLUDED.prompt_version,
			policy_version = EXCLUDED.policy_version,
			lexicon_version = EXCLUDED.lexicon_version,
			evaluation = EXCLUDED.evaluation,
			updated_at = now()
	`,
		uuid.NewString(), params.RequestID, params.RecipientID,
		params.Output.RewrittenText, declared,
		params.Output.Provider, params.Output.Model,
		params.Output.PromptVersion, params.Output.PolicyVersion, params.Output.LexiconVersion,
		evalJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rewrite output: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE rewrite_jobs SET
			status = 'completed',
			last_error = NULL,
			last_error_at = NULL,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE id = $1
	`, params.JobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	if err := foldRequests(ctx, tx, []string{params.RequestID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}

	return nil
}

// Fail hard-fails a processing job with no further retries and folds the
// parent request.
func (r *RewriteJobRepository) Fail(ctx context.Context, jobID, errMsg string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin fail transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	var requestID string
	err = tx.QueryRow(ctx, `
		UPDATE rewrite_jobs SET
			status = 'failed',
			last_error = $2,
			last_error_at = now(),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING request_id
	`, jobID, errMsg).Scan(&requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NewJobMismatchError(jobID)
		}
		return fmt.Errorf("failed to fail job: %w", err)
	}

	if err := foldRequests(ctx, tx, []string{requestID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit job failure: %w", err)
	}

	return nil
}

// FailOrRequeue soft-fails a processing job: requeued with a clamped backoff
// while attempt budget remains, terminally failed otherwise. Returns whether
// the job was requeued.
func (r *RewriteJobRepository) FailOrRequeue(ctx context.Context, jobID, errMsg string, backoff time.Duration) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin requeue transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	var status types.JobStatus
	var attempts, maxAttempts int
	var requestID string
	err = tx.QueryRow(ctx, `
		SELECT status, attempts, max_attempts, request_id
		FROM rewrite_jobs WHERE id = $1
		FOR UPDATE
	`, jobID).Scan(&status, &attempts, &maxAttempts, &requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.NewJobMismatchError(jobID)
		}
		return false, fmt.Errorf("failed to load job for requeue: %w", err)
	}

	if status != types.JobProcessing {
		return false, apperrors.NewJobMismatchError(jobID)
	}

	requeued := attempts < maxAttempts
	if requeued {
		delay := types.ClampBackoff(backoff)
		_, err = tx.Exec(ctx, `
			UPDATE rewrite_jobs SET
				status = 'queued',
				not_before = now() + $2 * interval '1 second',
				provider_batch_id = NULL,
				submitted_at = NULL,
				last_error = $3,
				last_error_at = now(),
				claimed_by = NULL,
				claimed_at = NULL,
				updated_at = now()
			WHERE id = $1
		`, jobID, delay.Seconds(), errMsg)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE rewrite_jobs SET
				status = 'failed',
				last_error = $2,
				last_error_at = now(),
				claimed_by = NULL,
				claimed_at = NULL,
				updated_at = now()
			WHERE id = $1
		`, jobID, errMsg)
	}
	if err != nil {
		return false, fmt.Errorf("failed to requeue job: %w", err)
	}

	if !requeued {
		if err := foldRequests(ctx, tx, []string{requestID}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit requeue: %w", err)
	}

	return requeued, nil
}

// RequeueByProviderBatch returns every job still batch_submitted against the
// given provider batch to queued, clearing the batch linkage. Bulk recovery
// for a missing or corrupt batch output artifact.
func (r *RewriteJobRepository) RequeueByProviderBatch(ctx context.Context, providerBatchID, reason string, backoff time.Duration, limit int) (int, error) {
	delay := types.ClampBackoff(backoff)

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE rewrite_jobs SET
			status = 'queued',
			provider_batch_id = NULL,
			submitted_at = NULL,
			not_before = now() + $2 * interval '1 second',
			last_error = $3,
			last_error_at = now(),
			updated_at = now()
		WHERE id IN (
			SELECT id FROM rewrite_jobs
			WHERE provider_batch_id = $1 AND status = 'batch_submitted'
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
	`, providerBatchID, delay.Seconds(), reason, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue jobs by provider batch: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// RequeueOrphaned returns batch_submitted jobs whose provider batch row is
// already terminal, or missing entirely, back to queued. Such jobs can only
// exist after a collector died between finalizing the batch and settling its
// jobs; the watchdog drains them so nothing waits on a batch that will never
// be polled again.
func (r *RewriteJobRepository) RequeueOrphaned(ctx context.Context, backoff time.Duration, limit int) (int, error) {
	delay := types.ClampBackoff(backoff)

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE rewrite_jobs SET
			status = 'queued',
			provider_batch_id = NULL,
			submitted_at = NULL,
			not_before = now() + $1 * interval '1 second',
			last_error = CONCAT(COALESCE(last_error, ''), ' [reclaimed: batch orphaned]'),
			last_error_at = now(),
			updated_at = now()
		WHERE id IN (
			SELECT j.id FROM rewrite_jobs j
			LEFT JOIN provider_batches b ON b.provider_batch_id = j.provider_batch_id
			WHERE j.status = 'batch_submitted'
			  AND (b.provider_batch_id IS NULL
			       OR b.status IN ('completed', 'failed', 'expired', 'canceled'))
			LIMIT $2
			FOR UPDATE OF j SKIP LOCKED
		)
	`, delay.Seconds(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// ReclaimStale returns jobs abandoned in processing past the staleness
// threshold back to queued, clearing the stale claim.
func (r *RewriteJobRepository) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE rewrite_jobs SET
			status = 'queued',
			not_before = now() + interval '30 seconds',
			provider_batch_id = NULL,
			submitted_at = NULL,
			last_error = CONCAT(COALESCE(last_error, ''), ' [reclaimed: worker stale]'),
			last_error_at = now(),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = now()
		WHERE status = 'processing'
		  AND claimed_at < now() - $1 * interval '1 second'
	`, staleAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// FailExhausted terminally fails queued jobs whose attempt budget is spent
// and folds their parent requests.
func (r *RewriteJobRepository) FailExhausted(ctx context.Context) (int, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin terminalize transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	rows, err := tx.Query(ctx, `
		UPDATE rewrite_jobs SET
			status = 'failed',
			last_error = CONCAT(COALESCE(last_error, ''), ' [attempts exhausted]'),
			last_error_at = now(),
			updated_at = now()
		WHERE status = 'queued' AND attempts >= max_attempts
		RETURNING request_id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to terminalize exhausted jobs: %w", err)
	}

	var requestIDs []string
	for rows.Next() {
		var requestID string
		if err := rows.Scan(&requestID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan terminalized job: %w", err)
		}
		requestIDs = append(requestIDs, requestID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating terminalized jobs: %w", err)
	}

	if err := foldRequests(ctx, tx, requestIDs); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit terminalize: %w", err)
	}

	return len(requestIDs), nil
}

// foldRequests re-evaluates request-level completion: once every job for a
// request is terminal, the request becomes completed (all jobs completed) or
// failed (any job failed/canceled). completed_at is stamped once and never
// overwritten; the fold is idempotent and safe after every job transition.
func foldRequests(ctx context.Context, tx pgx.Tx, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}

	_, err := tx.Exec(ctx, `
		UPDATE rewrite_requests r SET
			status = CASE WHEN s.failed_or_canceled > 0 THEN 'failed' ELSE 'completed' END,
			completed_at = COALESCE(r.completed_at, now()),
			updated_at = now()
		FROM (
			SELECT request_id,
			       COUNT(*) FILTER (WHERE status NOT IN ('completed', 'failed', 'canceled')) AS non_terminal,
			       COUNT(*) FILTER (WHERE status IN ('failed', 'canceled')) AS failed_or_canceled
			FROM rewrite_jobs
			WHERE request_id = ANY($1)
			GROUP BY request_id
		) s
		WHERE r.id = s.request_id
		  AND s.non_terminal = 0
		  AND r.status NOT IN ('completed', 'failed')
	`, requestIDs)
	if err != nil {
		return fmt.Errorf("failed to fold request completion: %w", err)
	}

	return nil
}

// GetJobIDsByProviderBatch lists the batch_submitted jobs attached to a
// provider batch, for the collector's explicit-ID claim path.
func (r *RewriteJobRepository) GetJobIDsByProviderBatch(ctx context.Context, providerBatchID string) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id FROM rewrite_jobs
		WHERE provider_batch_id = $1 AND status = 'batch_submitted'
	`, providerBatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by provider batch: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job ids: %w", err)
	}

	return ids, nil
}

// GetRequest retrieves a rewrite request by ID.
func (r *RewriteJobRepository) GetRequest(ctx context.Context, requestID string) (*models.RewriteRequest, error) {
	var req models.RewriteRequest
	var topics []string

	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, home_id, author_id, recipient_id, surface, original_text,
		       source_locale, target_locale, lane, topics, intent, strength,
		       classifier_ref, context_ref, prompt_ref, status, completed_at,
		       created_at, updated_at
		FROM rewrite_requests
		WHERE id = $1
	`, requestID).Scan(
		&req.ID, &req.HomeID, &req.AuthorID, &req.RecipientID, &req.Surface, &req.OriginalText,
		&req.SourceLocale, &req.TargetLocale, &req.Lane, &topics, &req.Intent, &req.Strength,
		&req.ClassifierRef, &req.ContextRef, &req.PromptRef, &req.Status, &req.CompletedAt,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("rewrite request", requestID)
		}
		return nil, fmt.Errorf("failed to get rewrite request: %w", err)
	}

	req.Topics = stringsToTopics(topics)
	return &req, nil
}

// GetJob retrieves a rewrite job by ID.
func (r *RewriteJobRepository) GetJob(ctx context.Context, jobID string) (*models.RewriteJob, error) {
	var job models.RewriteJob

	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, request_id, recipient_id, recipient_snapshot_id, preference_snapshot_id,
		       status, attempts, max_attempts, not_before, claimed_by, claimed_at,
		       last_error, last_error_at, provider_batch_id, submitted_at,
		       created_at, updated_at
		FROM rewrite_jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID, &job.RequestID, &job.RecipientID, &job.RecipientSnapshotID, &job.PreferenceSnapshotID,
		&job.Status, &job.Attempts, &job.MaxAttempts, &job.NotBefore, &job.ClaimedBy, &job.ClaimedAt,
		&job.LastError, &job.LastErrorAt, &job.ProviderBatchID, &job.SubmittedAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("rewrite job", jobID)
		}
		return nil, fmt.Errorf("failed to get rewrite job: %w", err)
	}

	return &job, nil
}

// GetOutput retrieves the output for a (request, recipient) pair.
func (r *RewriteJobRepository) GetOutput(ctx context.Context, requestID, recipientID string) (*models.RewriteOutput, error) {
	var output models.RewriteOutput
	var evalJSON []byte

	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, request_id, recipient_id, rewritten_text, output_language,
		       provider, model, prompt_version, policy_version, lexicon_version,
		       evaluation, created_at, updated_at
		FROM rewrite_outputs
		WHERE request_id = $1 AND recipient_id = $2
	`, requestID, recipientID).Scan(
		&output.ID, &output.RequestID, &output.RecipientID, &output.RewrittenText, &output.OutputLanguage,
		&output.Provider, &output.Model, &output.PromptVersion, &output.PolicyVersion, &output.LexiconVersion,
		&evalJSON, &output.CreatedAt, &output.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("rewrite output", requestID)
		}
		return nil, fmt.Errorf("failed to get rewrite output: %w", err)
	}

	if len(evalJSON) > 0 {
		if err := json.Unmarshal(evalJSON, &output.Evaluation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evaluation: %w", err)
		}
	}

	return &output, nil
}

func topicsToStrings(topics []types.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}

func stringsToTopics(topics []string) []types.Topic {
	out := make([]types.Topic, len(topics))
	for i, t := range topics {
		out[i] = types.Topic(t)
	}
	return out
}
