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
	"github.com/pariszhuang123/kinly-backend-sub001/internal/storage"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// TriggerQueue is the trigger-queue storage surface the service needs.
type TriggerQueue interface {
	Enqueue(ctx context.Context, params *storage.EnqueueTriggerParams) (*models.TriggerQueueEntry, error)
	PopPending(ctx context.Context, limit, maxAttempts int) ([]*models.TriggerQueueEntry, error)
	MarkCompleted(ctx context.Context, entryID, token string) error
	MarkFailed(ctx context.Context, entryID, token, errMsg string) error
	MarkRetry(ctx context.Context, entryID, token, errMsg string, retryAfter time.Duration) error
	Cancel(ctx context.Context, sourceMessageID, authorID string) error
	GetBySourceMessage(ctx context.Context, sourceMessageID string) (*models.TriggerQueueEntry, error)
}

// HomeDirectory is the read-only boundary to the main application's data.
type HomeDirectory interface {
	GetMessage(ctx context.Context, messageID string) (*models.HomeMessage, error)
	GetActiveMember(ctx context.Context, homeID, userID string) (*models.HomeMember, error)
}

// RequestRegistry is the request/job registry surface the trigger side needs.
type RequestRegistry interface {
	EnqueueRequest(ctx context.Context, params *storage.EnqueueRequestParams) (string, error)
	GetRequest(ctx context.Context, requestID string) (*models.RewriteRequest, error)
	GetOutput(ctx context.Context, requestID, recipientID string) (*models.RewriteOutput, error)
}

// WakePublisher nudges sleeping workers after an enqueue.
type WakePublisher interface {
	Publish(ctx context.Context) error
}

// TriggerService owns the front half of the pipeline: accepting rewrite
// intents, draining the trigger queue into durable requests, and answering
// status and cancellation calls.
type TriggerService struct {
	triggers    TriggerQueue
	registry    RequestRegistry
	directory   HomeDirectory
	classifier  Classifier
	preferences *PreferenceResolver
	wake        WakePublisher
	events      *storage.EventSink

	triggerMaxAttempts int
	jobMaxAttempts     int
	retryBase          time.Duration
}

// TriggerServiceConfig bundles the service's collaborators.
type TriggerServiceConfig struct {
	Triggers    TriggerQueue
	Registry    RequestRegistry
	Directory   HomeDirectory
	Classifier  Classifier
	Preferences *PreferenceResolver
	Wake        WakePublisher
	Events      *storage.EventSink

	TriggerMaxAttempts int
	JobMaxAttempts     int
	RetryBase          time.Duration
}

// NewTriggerService creates a new trigger service
func NewTriggerService(cfg *TriggerServiceConfig) *TriggerService {
	if cfg.TriggerMaxAttempts <= 0 {
		cfg.TriggerMaxAttempts = types.DefaultMaxAttempts
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = types.DefaultJobMaxTries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = types.MinTriggerRetry
	}

	return &TriggerService{
		triggers:           cfg.Triggers,
		registry:           cfg.Registry,
		directory:          cfg.Directory,
		classifier:         cfg.Classifier,
		preferences:        cfg.Preferences,
		wake:               cfg.Wake,
		events:             cfg.Events,
		triggerMaxAttempts: cfg.TriggerMaxAttempts,
		jobMaxAttempts:     cfg.JobMaxAttempts,
		retryBase:          cfg.RetryBase,
	}
}

// EnqueueTriggerRequest is one inbound "rewrite this message" call.
type EnqueueTriggerRequest struct {
	SourceMessageID string `json:"sourceMessageId"`
	RecipientID     string `json:"recipientId"`
	RequestedBy     string `json:"-"`
}

// EnqueueTrigger validates and records a rewrite intent. The caller must be
// the message's author, the recipient must be a different, active member of
// the message's home, and the text must fit the rewrite size cap.
func (s *TriggerService) EnqueueTrigger(ctx context.Context, req *EnqueueTriggerRequest) (*models.TriggerQueueEntry, error) {
	if req.SourceMessageID == "" {
		return nil, apperrors.NewValidationError("sourceMessageId", "source message ID is required")
	}
	if req.RecipientID == "" {
		return nil, apperrors.NewValidationError("recipientId", "recipient ID is required")
	}

	msg, err := s.directory.GetMessage(ctx, req.SourceMessageID)
	if err != nil {
		return nil, err
	}

	if msg.AuthorID != req.RequestedBy {
		return nil, apperrors.NewForbiddenError("only the message author can request a rewrite")
	}
	if req.RecipientID == msg.AuthorID {
		return nil, apperrors.NewValidationError("recipientId", "recipient must differ from the author")
	}

	if err := types.ValidateOriginalText(msg.Body); err != nil {
		return nil, err
	}

	if _, err := s.directory.GetActiveMember(ctx, msg.HomeID, msg.AuthorID); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewForbiddenError("author is no longer a member of this home")
		}
		return nil, err
	}
	if _, err := s.directory.GetActiveMember(ctx, msg.HomeID, req.RecipientID); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewValidationError("recipientId", "recipient is not an active member of this home")
		}
		return nil, err
	}

	entry, err := s.triggers.Enqueue(ctx, &storage.EnqueueTriggerParams{
		SourceMessageID:        msg.ID,
		SourceMessageCreatedAt: msg.CreatedAt,
		HomeID:                 msg.HomeID,
		AuthorID:               msg.AuthorID,
		RecipientID:            req.RecipientID,
	})
	if err != nil {
		return nil, err
	}

	metrics.TriggersEnqueued.Inc()
	s.events.Record(ctx, storage.PipelineEvent{
		EntityType: "trigger",
		EntityID:   entry.ID,
		ToStatus:   string(entry.Status),
		Detail:     "enqueued",
	})

	if s.wake != nil {
		if err := s.wake.Publish(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to publish wake nudge")
		}
	}

	return entry, nil
}

// ProcessPending drains up to limit queued trigger entries: for each one it
// classifies the message, snapshots recipient state, and enqueues the durable
// request plus its job. Returns how many entries were popped.
func (s *TriggerService) ProcessPending(ctx context.Context, workerID string, limit int) (int, error) {
	entries, err := s.triggers.PopPending(ctx, limit, s.triggerMaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to pop trigger entries: %w", err)
	}

	for _, entry := range entries {
		s.processEntry(ctx, workerID, entry)
	}

	return len(entries), nil
}

func (s *TriggerService) processEntry(ctx context.Context, workerID string, entry *models.TriggerQueueEntry) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"entryId":         entry.ID,
		"sourceMessageId": entry.SourceMessageID,
		"workerId":        workerID,
	})

	token := ""
	if entry.ReservationToken != nil {
		token = *entry.ReservationToken
	}

	jobID, err := s.buildRequest(ctx, entry)
	if err != nil {
		s.settleFailure(ctx, workerID, entry, token, err, logger)
		return
	}

	if err := s.triggers.MarkCompleted(ctx, entry.ID, token); err != nil {
		if errors.Is(err, apperrors.ErrMarkNoop) {
			logger.Warn("Trigger entry was taken over before completion mark")
			return
		}
		logger.WithError(err).Error("Failed to mark trigger entry completed")
		return
	}

	metrics.TriggersProcessed.WithLabelValues("completed").Inc()
	s.events.Record(ctx, storage.PipelineEvent{
		EntityType: "trigger",
		EntityID:   entry.ID,
		FromStatus: string(types.TriggerProcessing),
		ToStatus:   string(types.TriggerCompleted),
		WorkerID:   workerID,
	})

	logger.WithField("jobId", jobID).Info("Trigger entry processed into rewrite request")
}

// buildRequest turns one claimed trigger entry into a durable request, its
// snapshots, and its job. The request reuses the entry's ID so a retried
// entry lands on the same request row.
func (s *TriggerService) buildRequest(ctx context.Context, entry *models.TriggerQueueEntry) (string, error) {
	msg, err := s.directory.GetMessage(ctx, entry.SourceMessageID)
	if err != nil {
		return "", err
	}

	author, err := s.directory.GetActiveMember(ctx, entry.HomeID, entry.AuthorID)
	if err != nil {
		return "", err
	}
	recipient, err := s.directory.GetActiveMember(ctx, entry.HomeID, entry.RecipientID)
	if err != nil {
		return "", err
	}

	if err := types.ValidateOriginalText(msg.Body); err != nil {
		return "", err
	}

	decision, err := s.classifier.Classify(ctx, msg.Body, author.Locale, recipient.Locale)
	if err != nil {
		return "", fmt.Errorf("classification failed: %w", err)
	}
	if err := types.ValidateTopics(decision.Topics); err != nil {
		return "", err
	}

	prefs, err := s.preferences.Resolve(ctx, entry.RecipientID)
	if err != nil {
		return "", err
	}

	surface := types.SurfaceInbox

	return s.registry.EnqueueRequest(ctx, &storage.EnqueueRequestParams{
		Request: &models.RewriteRequest{
			ID:            entry.ID,
			HomeID:        entry.HomeID,
			AuthorID:      entry.AuthorID,
			RecipientID:   entry.RecipientID,
			Surface:       surface,
			OriginalText:  msg.Body,
			SourceLocale:  decision.SourceLocale,
			TargetLocale:  decision.TargetLocale,
			Lane:          decision.Lane,
			Topics:        decision.Topics,
			Intent:        decision.Intent,
			Strength:      decision.Strength,
			ClassifierRef: decision.ClassifierRef,
			ContextRef:    decision.ContextRef,
			PromptRef:     decision.PromptRef,
		},
		RecipientDisplayName: recipient.DisplayName,
		RecipientLocale:      recipient.Locale,
		Preferences:          prefs,
		JobMaxAttempts:       s.jobMaxAttempts,
	})
}

// settleFailure routes a processing error to retry or terminal failure.
// Validation and ownership errors never retry; transient errors back off
// exponentially on the entry's attempt count.
func (s *TriggerService) settleFailure(ctx context.Context, workerID string, entry *models.TriggerQueueEntry, token string, cause error, logger *logging.Logger) {
	retryable := apperrors.IsRetryable(cause)

	var markErr error
	outcome := ""
	if retryable && entry.Attempts < s.triggerMaxAttempts {
		delay := s.retryBase * (1 << uint(entry.Attempts-1))
		markErr = s.triggers.MarkRetry(ctx, entry.ID, token, cause.Error(), delay)
		outcome = "retried"
	} else {
		markErr = s.triggers.MarkFailed(ctx, entry.ID, token, cause.Error())
		outcome = "failed"
	}

	if markErr != nil {
		if errors.Is(markErr, apperrors.ErrMarkNoop) {
			logger.Warn("Trigger entry was taken over before failure mark")
			return
		}
		logger.WithError(markErr).Error("Failed to settle trigger entry failure")
		return
	}

	metrics.TriggersProcessed.WithLabelValues(outcome).Inc()
	s.events.Record(ctx, storage.PipelineEvent{
		EntityType: "trigger",
		EntityID:   entry.ID,
		FromStatus: string(types.TriggerProcessing),
		ToStatus:   outcome,
		WorkerID:   workerID,
		Detail:     cause.Error(),
	})

	logger.WithError(cause).WithField("outcome", outcome).Warn("Trigger entry processing failed")
}

// Cancel withdraws a queued rewrite intent. Only the author may cancel, and
// only while the entry is still queued.
func (s *TriggerService) Cancel(ctx context.Context, sourceMessageID, requestedBy string) error {
	entry, err := s.triggers.GetBySourceMessage(ctx, sourceMessageID)
	if err != nil {
		return err
	}

	if entry.AuthorID != requestedBy {
		return apperrors.NewForbiddenError("only the message author can cancel a rewrite")
	}

	if err := s.triggers.Cancel(ctx, sourceMessageID, requestedBy); err != nil {
		return err
	}

	metrics.TriggersProcessed.WithLabelValues("canceled").Inc()
	s.events.Record(ctx, storage.PipelineEvent{
		EntityType: "trigger",
		EntityID:   entry.ID,
		FromStatus: string(types.TriggerQueued),
		ToStatus:   string(types.TriggerCanceled),
		Detail:     "canceled by author",
	})

	return nil
}

// RewriteStatus aggregates everything known about one rewrite intent.
type RewriteStatus struct {
	Trigger *models.TriggerQueueEntry `json:"trigger"`
	Request *models.RewriteRequest    `json:"request,omitempty"`
	Output  *models.RewriteOutput     `json:"output,omitempty"`
}

// GetRewriteStatus returns the trigger entry plus, once the trigger has
// completed, the request and (when finished) the output. Only the author and
// the recipient may look.
func (s *TriggerService) GetRewriteStatus(ctx context.Context, sourceMessageID, requestedBy string) (*RewriteStatus, error) {
	entry, err := s.triggers.GetBySourceMessage(ctx, sourceMessageID)
	if err != nil {
		return nil, err
	}

	if entry.AuthorID != requestedBy && entry.RecipientID != requestedBy {
		return nil, apperrors.NewForbiddenError("not a participant in this rewrite")
	}

	status := &RewriteStatus{Trigger: entry}
	if entry.Status != types.TriggerCompleted {
		return status, nil
	}

	request, err := s.registry.GetRequest(ctx, entry.ID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return status, nil
		}
		return nil, err
	}
	status.Request = request

	if request.Status == types.RequestCompleted {
		output, err := s.registry.GetOutput(ctx, request.ID, request.RecipientID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return status, nil
			}
			return nil, err
		}
		status.Output = output
	}

	return status, nil
}
