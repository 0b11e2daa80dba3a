package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/logging"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/metrics"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/provider"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/storage"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// JobRegistry is the job-side storage surface the pipeline needs.
type JobRegistry interface {
	ClaimForSubmit(ctx context.Context, limit int, workerID string, routing models.RoutingDecision) ([]*models.ClaimedJob, error)
	MarkBatchSubmitted(ctx context.Context, jobIDs []string, providerBatchID string) (int, error)
	RequeueAfterSubmitFailure(ctx context.Context, jobIDs []string, errMsg string, backoff time.Duration) (int, error)
	GetJobIDsByProviderBatch(ctx context.Context, providerBatchID string) ([]string, error)
	ClaimForCollectByIDs(ctx context.Context, jobIDs []string, workerID string) ([]*storage.CollectClaim, error)
	Complete(ctx context.Context, params *storage.CompleteJobParams) error
	FailOrRequeue(ctx context.Context, jobID, errMsg string, backoff time.Duration) (bool, error)
	RequeueByProviderBatch(ctx context.Context, providerBatchID, reason string, backoff time.Duration, limit int) (int, error)
	RequeueOrphaned(ctx context.Context, backoff time.Duration, limit int) (int, error)
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error)
	FailExhausted(ctx context.Context) (int, error)
}

// BatchRegistry tracks submitted provider batches.
type BatchRegistry interface {
	Register(ctx context.Context, providerBatchID, inputArtifactID string, jobCount int) error
	UpdateStatus(ctx context.Context, providerBatchID string, status types.BatchStatus, outputArtifactID, errorArtifactID *string) error
	ListPending(ctx context.Context, limit int) ([]*models.ProviderBatch, error)
}

// TriggerMaintenance is the trigger-queue slice the watchdog and
// terminalizer share.
type TriggerMaintenance interface {
	ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error)
	FailExhausted(ctx context.Context, maxAttempts int) (int, error)
}

// PipelineService owns the back half of the pipeline: batching queued jobs
// out to the provider, collecting finished batches back into outputs, and
// the watchdog and terminalizer sweeps.
type PipelineService struct {
	jobs     JobRegistry
	batches  BatchRegistry
	triggers TriggerMaintenance
	client   provider.BatchProvider
	events   *storage.EventSink

	model              string
	policyVersion      string
	lexiconVersion     string
	submitBatchSize    int
	collectBatchSize   int
	submitBackoff      time.Duration
	collectBackoff     time.Duration
	staleAfter         time.Duration
	triggerMaxAttempts int
}

// PipelineServiceConfig bundles the pipeline's collaborators and tuning.
type PipelineServiceConfig struct {
	Jobs     JobRegistry
	Batches  BatchRegistry
	Triggers TriggerMaintenance
	Client   provider.BatchProvider
	Events   *storage.EventSink

	Model              string
	PolicyVersion      string
	LexiconVersion     string
	SubmitBatchSize    int
	CollectBatchSize   int
	SubmitBackoff      time.Duration
	CollectBackoff     time.Duration
	StaleAfter         time.Duration
	TriggerMaxAttempts int
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(cfg *PipelineServiceConfig) *PipelineService {
	if cfg.SubmitBatchSize <= 0 {
		cfg.SubmitBatchSize = 20
	}
	if cfg.CollectBatchSize <= 0 {
		cfg.CollectBatchSize = 20
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = time.Minute
	}
	if cfg.CollectBackoff <= 0 {
		cfg.CollectBackoff = 2 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = types.DefaultStaleAfter
	}
	if cfg.TriggerMaxAttempts <= 0 {
		cfg.TriggerMaxAttempts = types.DefaultMaxAttempts
	}
	if cfg.PolicyVersion == "" {
		cfg.PolicyVersion = "policy-v1"
	}
	if cfg.LexiconVersion == "" {
		cfg.LexiconVersion = "lexicon-v1"
	}

	return &PipelineService{
		jobs:               cfg.Jobs,
		batches:            cfg.Batches,
		triggers:           cfg.Triggers,
		client:             cfg.Client,
		events:             cfg.Events,
		model:              cfg.Model,
		policyVersion:      cfg.PolicyVersion,
		lexiconVersion:     cfg.LexiconVersion,
		submitBatchSize:    cfg.SubmitBatchSize,
		collectBatchSize:   cfg.CollectBatchSize,
		submitBackoff:      cfg.SubmitBackoff,
		collectBackoff:     cfg.CollectBackoff,
		staleAfter:         cfg.StaleAfter,
		triggerMaxAttempts: cfg.TriggerMaxAttempts,
	}
}

// SubmitTick claims a batch of queued jobs and submits them to the provider
// as one batch call. On submit failure every claimed job is returned to
// queued with backoff; jobs are never stranded in processing by this path.
// Returns how many jobs were submitted.
func (s *PipelineService) SubmitTick(ctx context.Context, workerID string) (int, error) {
	routing := models.RoutingDecision{
		Provider:      s.client.Name(),
		Model:         s.model,
		PolicyVersion: s.policyVersion,
	}

	jobs, err := s.jobs.ClaimForSubmit(ctx, s.submitBatchSize, workerID, routing)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs for submit: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	metrics.JobsClaimed.WithLabelValues("submit").Add(float64(len(jobs)))

	jobIDs := make([]string, len(jobs))
	items := make([]provider.BatchItem, len(jobs))
	for i, job := range jobs {
		jobIDs[i] = job.JobID
		items[i] = provider.BatchItem{
			JobID:        job.JobID,
			Model:        job.Routing.Model,
			SystemPrompt: renderSystemPrompt(job),
			UserPrompt:   job.OriginalText,
		}
	}

	receipt, err := s.client.SubmitBatch(ctx, items)
	if err != nil {
		metrics.BatchesSubmitted.WithLabelValues("error").Inc()
		if _, reqErr := s.jobs.RequeueAfterSubmitFailure(ctx, jobIDs, err.Error(), s.submitBackoff); reqErr != nil {
			logging.FromContext(ctx).WithError(reqErr).Error("Failed to requeue jobs after submit failure")
		}
		return 0, fmt.Errorf("batch submission failed: %w", err)
	}

	if err := s.batches.Register(ctx, receipt.ProviderBatchID, receipt.InputArtifactID, len(jobs)); err != nil {
		// Without a registry row the collector would never poll this batch.
		if _, reqErr := s.jobs.RequeueAfterSubmitFailure(ctx, jobIDs, err.Error(), s.submitBackoff); reqErr != nil {
			logging.FromContext(ctx).WithError(reqErr).Error("Failed to requeue jobs after batch registration failure")
		}
		return 0, fmt.Errorf("failed to register provider batch: %w", err)
	}

	submitted, err := s.jobs.MarkBatchSubmitted(ctx, jobIDs, receipt.ProviderBatchID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark jobs batch submitted: %w", err)
	}

	metrics.BatchesSubmitted.WithLabelValues("ok").Inc()
	s.events.Record(ctx, storage.PipelineEvent{
		EntityType: "batch",
		EntityID:   receipt.ProviderBatchID,
		ToStatus:   string(types.BatchSubmitted),
		WorkerID:   workerID,
		Detail:     fmt.Sprintf("%d jobs", submitted),
	})

	return submitted, nil
}

// CollectTick polls pending provider batches, least recently checked first,
// and folds finished ones back into the registry. Returns how many jobs
// reached a terminal or requeued state.
func (s *PipelineService) CollectTick(ctx context.Context, workerID string) (int, error) {
	batches, err := s.batches.ListPending(ctx, s.collectBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending batches: %w", err)
	}

	settled := 0
	for _, batch := range batches {
		n, err := s.collectBatch(ctx, workerID, batch)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("providerBatchId", batch.ProviderBatchID).
				Error("Failed to collect provider batch")
			continue
		}
		settled += n
	}

	return settled, nil
}

func (s *PipelineService) collectBatch(ctx context.Context, workerID string, batch *models.ProviderBatch) (int, error) {
	start := time.Now()
	info, err := s.client.GetBatchStatus(ctx, batch.ProviderBatchID)
	metrics.BatchPollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to poll batch status: %w", err)
	}

	if !info.Status.Terminal() {
		if err := s.batches.UpdateStatus(ctx, batch.ProviderBatchID, info.Status, info.OutputArtifactID, info.ErrorArtifactID); err != nil {
			if errors.Is(err, apperrors.ErrMarkNoop) {
				return 0, nil
			}
			return 0, fmt.Errorf("failed to update batch status: %w", err)
		}
		if batch.Status != info.Status {
			s.events.Record(ctx, storage.PipelineEvent{
				EntityType: "batch",
				EntityID:   batch.ProviderBatchID,
				FromStatus: string(batch.Status),
				ToStatus:   string(info.Status),
				WorkerID:   workerID,
			})
		}
		return 0, nil
	}

	// Terminal at the provider. Jobs are settled before the registry row is
	// marked terminal: if anything fails here the batch stays pending and a
	// later tick retries, so no job is ever stranded in batch_submitted
	// behind a terminal batch.
	var settled int
	if info.Status == types.BatchCompleted && info.OutputArtifactID != nil {
		settled, err = s.harvestResults(ctx, workerID, batch.ProviderBatchID, *info.OutputArtifactID)
	} else {
		// Failed, expired, canceled, or completed with no output artifact:
		// give the jobs back to the submitter. Attempt budgets still cap
		// how often that can happen.
		reason := fmt.Sprintf("provider batch %s ended %s without results", batch.ProviderBatchID, info.Status)
		settled, err = s.jobs.RequeueByProviderBatch(ctx, batch.ProviderBatchID, reason, s.collectBackoff, batch.JobCount)
	}
	if err != nil {
		return 0, err
	}

	if err := s.batches.UpdateStatus(ctx, batch.ProviderBatchID, info.Status, info.OutputArtifactID, info.ErrorArtifactID); err != nil {
		if errors.Is(err, apperrors.ErrMarkNoop) {
			// Another collector finalized the row concurrently.
			return settled, nil
		}
		return settled, fmt.Errorf("failed to update batch status: %w", err)
	}

	s.events.Record(ctx, storage.PipelineEvent{
		EntityType: "batch",
		EntityID:   batch.ProviderBatchID,
		FromStatus: string(batch.Status),
		ToStatus:   string(info.Status),
		WorkerID:   workerID,
	})

	return settled, nil
}

// harvestResults claims the batch's jobs and settles each one against the
// downloaded output. Jobs missing from the output, or whose item failed, go
// through the soft-fail path.
func (s *PipelineService) harvestResults(ctx context.Context, workerID, providerBatchID, outputArtifactID string) (int, error) {
	jobIDs, err := s.jobs.GetJobIDsByProviderBatch(ctx, providerBatchID)
	if err != nil {
		return 0, err
	}
	if len(jobIDs) == 0 {
		return 0, nil
	}

	claims, err := s.jobs.ClaimForCollectByIDs(ctx, jobIDs, workerID)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs for collect: %w", err)
	}
	if len(claims) == 0 {
		return 0, nil
	}

	metrics.JobsClaimed.WithLabelValues("collect").Add(float64(len(claims)))

	results, err := s.client.FetchResults(ctx, outputArtifactID)
	if err != nil {
		// Claimed jobs drop back to queued so a later tick can retry the
		// whole harvest.
		for _, claim := range claims {
			if _, reqErr := s.jobs.FailOrRequeue(ctx, claim.JobID, err.Error(), s.collectBackoff); reqErr != nil {
				logging.FromContext(ctx).WithError(reqErr).WithField("jobId", claim.JobID).
					Error("Failed to requeue job after fetch failure")
			}
		}
		return 0, fmt.Errorf("failed to fetch batch results: %w", err)
	}

	byJob := make(map[string]provider.BatchResult, len(results))
	for _, result := range results {
		byJob[result.JobID] = result
	}

	settled := 0
	for _, claim := range claims {
		if s.settleJob(ctx, claim, byJob) {
			settled++
		}
	}

	return settled, nil
}

// settleJob applies one result to one claimed job. Returns true when the job
// reached a settled state (completed, requeued, or failed).
func (s *PipelineService) settleJob(ctx context.Context, claim *storage.CollectClaim, byJob map[string]provider.BatchResult) bool {
	logger := logging.FromContext(ctx).WithField("jobId", claim.JobID)

	result, ok := byJob[claim.JobID]
	if !ok {
		return s.softFail(ctx, claim.JobID, "job missing from batch output", logger)
	}
	if result.Error != "" {
		return s.softFail(ctx, claim.JobID, result.Error, logger)
	}

	err := s.jobs.Complete(ctx, &storage.CompleteJobParams{
		JobID:       claim.JobID,
		RequestID:   claim.RequestID,
		RecipientID: claim.RecipientID,
		Output: &models.RewriteOutput{
			RequestID:      claim.RequestID,
			RecipientID:    claim.RecipientID,
			RewrittenText:  result.RewrittenText,
			OutputLanguage: result.OutputLanguage,
			Provider:       s.client.Name(),
			Model:          s.model,
			PromptVersion:  defaultPromptVersion,
			PolicyVersion:  s.policyVersion,
			LexiconVersion: s.lexiconVersion,
			Evaluation:     result.Evaluation,
		},
	})
	if err == nil {
		metrics.JobsTerminal.WithLabelValues(string(types.JobCompleted)).Inc()
		return true
	}

	if errors.Is(err, apperrors.ErrJobMismatch) {
		// Another worker settled the job between claim and completion.
		logger.Warn("Job ownership lost before completion")
		return false
	}

	// Language mismatch and other validation failures are the provider's
	// fault; retry within budget.
	return s.softFail(ctx, claim.JobID, err.Error(), logger)
}

func (s *PipelineService) softFail(ctx context.Context, jobID, reason string, logger *logging.Logger) bool {
	requeued, err := s.jobs.FailOrRequeue(ctx, jobID, reason, s.collectBackoff)
	if err != nil {
		if errors.Is(err, apperrors.ErrJobMismatch) {
			logger.Warn("Job ownership lost before failure mark")
			return false
		}
		logger.WithError(err).Error("Failed to settle job failure")
		return false
	}

	if !requeued {
		metrics.JobsTerminal.WithLabelValues(string(types.JobFailed)).Inc()
	}
	logger.WithFields(map[string]interface{}{
		"requeued": requeued,
		"reason":   reason,
	}).Warn("Job did not complete")

	return true
}

// WatchdogTick returns rows stuck in processing past the staleness threshold
// back to queued, on both the trigger queue and the job registry.
func (s *PipelineService) WatchdogTick(ctx context.Context) (int, error) {
	triggerCount, err := s.triggers.ReclaimStale(ctx, s.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale triggers: %w", err)
	}
	metrics.StaleReclaimed.WithLabelValues("trigger").Add(float64(triggerCount))

	jobCount, err := s.jobs.ReclaimStale(ctx, s.staleAfter)
	if err != nil {
		return triggerCount, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}
	metrics.StaleReclaimed.WithLabelValues("job").Add(float64(jobCount))

	// Jobs still batch_submitted against a terminal or missing batch row can
	// only get here through a crashed collector; send them back to queued.
	orphanCount, err := s.jobs.RequeueOrphaned(ctx, s.collectBackoff, s.collectBatchSize)
	if err != nil {
		return triggerCount + jobCount, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	metrics.StaleReclaimed.WithLabelValues("orphan").Add(float64(orphanCount))

	total := triggerCount + jobCount + orphanCount
	if total > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"triggers": triggerCount,
			"jobs":     jobCount,
			"orphans":  orphanCount,
		}).Warn("Watchdog reclaimed stale rows")
	}

	return total, nil
}

// TerminalizeTick moves attempt-exhausted queued rows to failed so nothing
// sits in the queue forever.
func (s *PipelineService) TerminalizeTick(ctx context.Context) (int, error) {
	triggerCount, err := s.triggers.FailExhausted(ctx, s.triggerMaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to terminalize exhausted triggers: %w", err)
	}
	metrics.ExhaustedTerminalized.WithLabelValues("trigger").Add(float64(triggerCount))

	jobCount, err := s.jobs.FailExhausted(ctx)
	if err != nil {
		return triggerCount, fmt.Errorf("failed to terminalize exhausted jobs: %w", err)
	}
	metrics.ExhaustedTerminalized.WithLabelValues("job").Add(float64(jobCount))

	return triggerCount + jobCount, nil
}
