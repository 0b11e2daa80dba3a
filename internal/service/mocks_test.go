package service

import (
	"context"
	"time"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/provider"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/storage"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// In-memory fakes implementing the service-side storage interfaces. They
// model just enough of the real semantics (token guards, status transitions)
// for the service tests to exercise both happy and contested paths.

type fakeTriggerQueue struct {
	entries map[string]*models.TriggerQueueEntry // by source message ID

	markCompleted []string
	markFailed    []string
	markRetried   []string
	markNoop      bool
}

func newFakeTriggerQueue() *fakeTriggerQueue {
	return &fakeTriggerQueue{entries: make(map[string]*models.TriggerQueueEntry)}
}

func (f *fakeTriggerQueue) Enqueue(ctx context.Context, params *storage.EnqueueTriggerParams) (*models.TriggerQueueEntry, error) {
	if existing, ok := f.entries[params.SourceMessageID]; ok {
		if existing.Status == types.TriggerProcessing {
			return nil, apperrors.NewValidationError("TRIGGER_IN_FLIGHT", "in flight")
		}
		if existing.RecipientID != params.RecipientID && existing.Status != types.TriggerCanceled {
			return nil, apperrors.NewValidationError("RECIPIENT_LOCKED", "recipient locked")
		}
		existing.RecipientID = params.RecipientID
		existing.Status = types.TriggerQueued
		return existing, nil
	}

	entry := &models.TriggerQueueEntry{
		ID:                     "entry-" + params.SourceMessageID,
		SourceMessageID:        params.SourceMessageID,
		SourceMessageCreatedAt: params.SourceMessageCreatedAt,
		HomeID:                 params.HomeID,
		AuthorID:               params.AuthorID,
		RecipientID:            params.RecipientID,
		Status:                 types.TriggerQueued,
		CreatedAt:              time.Now(),
	}
	f.entries[params.SourceMessageID] = entry
	return entry, nil
}

func (f *fakeTriggerQueue) PopPending(ctx context.Context, limit, maxAttempts int) ([]*models.TriggerQueueEntry, error) {
	var popped []*models.TriggerQueueEntry
	for _, entry := range f.entries {
		if len(popped) == limit {
			break
		}
		if entry.Status != types.TriggerQueued || entry.Attempts >= maxAttempts {
			continue
		}
		entry.Status = types.TriggerProcessing
		entry.Attempts++
		token := "token-" + entry.ID
		entry.ReservationToken = &token
		popped = append(popped, entry)
	}
	return popped, nil
}

func (f *fakeTriggerQueue) mark(entryID, token string, status types.TriggerStatus) error {
	if f.markNoop {
		return apperrors.NewMarkNoopError(entryID, string(status))
	}
	for _, entry := range f.entries {
		if entry.ID == entryID && entry.Status == types.TriggerProcessing &&
			entry.ReservationToken != nil && *entry.ReservationToken == token {
			entry.Status = status
			entry.ReservationToken = nil
			return nil
		}
	}
	return apperrors.NewMarkNoopError(entryID, string(status))
}

func (f *fakeTriggerQueue) MarkCompleted(ctx context.Context, entryID, token string) error {
	if err := f.mark(entryID, token, types.TriggerCompleted); err != nil {
		return err
	}
	f.markCompleted = append(f.markCompleted, entryID)
	return nil
}

func (f *fakeTriggerQueue) MarkFailed(ctx context.Context, entryID, token, errMsg string) error {
	if err := f.mark(entryID, token, types.TriggerFailed); err != nil {
		return err
	}
	f.markFailed = append(f.markFailed, entryID)
	return nil
}

func (f *fakeTriggerQueue) MarkRetry(ctx context.Context, entryID, token, errMsg string, retryAfter time.Duration) error {
	if err := f.mark(entryID, token, types.TriggerQueued); err != nil {
		return err
	}
	f.markRetried = append(f.markRetried, entryID)
	return nil
}

func (f *fakeTriggerQueue) Cancel(ctx context.Context, sourceMessageID, authorID string) error {
	entry, ok := f.entries[sourceMessageID]
	if !ok || entry.AuthorID != authorID || entry.Status != types.TriggerQueued {
		return apperrors.NewValidationError("CANCEL_REJECTED", "entry is not queued")
	}
	entry.Status = types.TriggerCanceled
	return nil
}

func (f *fakeTriggerQueue) GetBySourceMessage(ctx context.Context, sourceMessageID string) (*models.TriggerQueueEntry, error) {
	entry, ok := f.entries[sourceMessageID]
	if !ok {
		return nil, apperrors.NewNotFoundError("trigger entry", sourceMessageID)
	}
	return entry, nil
}

type fakeDirectory struct {
	messages map[string]*models.HomeMessage
	members  map[string]*models.HomeMember // keyed homeID+"/"+userID
	reports  map[string]*models.PreferenceReport
	answers  map[string][]*models.PreferenceResponse

	memberErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		messages: make(map[string]*models.HomeMessage),
		members:  make(map[string]*models.HomeMember),
		reports:  make(map[string]*models.PreferenceReport),
		answers:  make(map[string][]*models.PreferenceResponse),
	}
}

func (f *fakeDirectory) addMember(homeID, userID, displayName, locale string) {
	f.members[homeID+"/"+userID] = &models.HomeMember{
		HomeID: homeID, UserID: userID, DisplayName: displayName, Locale: locale,
	}
}

func (f *fakeDirectory) GetMessage(ctx context.Context, messageID string) (*models.HomeMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}
	return msg, nil
}

func (f *fakeDirectory) GetActiveMember(ctx context.Context, homeID, userID string) (*models.HomeMember, error) {
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	member, ok := f.members[homeID+"/"+userID]
	if !ok {
		return nil, apperrors.NewNotFoundError("home member", userID)
	}
	return member, nil
}

func (f *fakeDirectory) GetPreferenceReport(ctx context.Context, userID string) (*models.PreferenceReport, error) {
	report, ok := f.reports[userID]
	if !ok {
		return nil, apperrors.NewNotFoundError("preference report", userID)
	}
	return report, nil
}

func (f *fakeDirectory) ListPreferenceResponses(ctx context.Context, userID string) ([]*models.PreferenceResponse, error) {
	return f.answers[userID], nil
}

type fakeRegistry struct {
	requests map[string]*models.RewriteRequest
	outputs  map[string]*models.RewriteOutput // by request ID
	enqueued []*storage.EnqueueRequestParams

	enqueueErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		requests: make(map[string]*models.RewriteRequest),
		outputs:  make(map[string]*models.RewriteOutput),
	}
}

func (f *fakeRegistry) EnqueueRequest(ctx context.Context, params *storage.EnqueueRequestParams) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, params)
	f.requests[params.Request.ID] = params.Request
	return "job-" + params.Request.ID, nil
}

func (f *fakeRegistry) GetRequest(ctx context.Context, requestID string) (*models.RewriteRequest, error) {
	req, ok := f.requests[requestID]
	if !ok {
		return nil, apperrors.NewNotFoundError("rewrite request", requestID)
	}
	return req, nil
}

func (f *fakeRegistry) GetOutput(ctx context.Context, requestID, recipientID string) (*models.RewriteOutput, error) {
	output, ok := f.outputs[requestID]
	if !ok {
		return nil, apperrors.NewNotFoundError("rewrite output", requestID)
	}
	return output, nil
}

type fakeWake struct {
	published int
}

func (f *fakeWake) Publish(ctx context.Context) error {
	f.published++
	return nil
}

// Pipeline-side fakes.

type fakeJobRegistry struct {
	claimable []*models.ClaimedJob
	claims    map[string]*storage.CollectClaim // by job ID
	attempts  map[string]int
	maxTries  int

	submitted       map[string]string // job ID -> provider batch ID
	requeued        []string
	completed       []*storage.CompleteJobParams
	failed          []string
	batchRequeues   []string
	completeErr     error
	claimCollectErr error
	reclaimedStale  int
	orphaned        int
	exhausted       int
}

func newFakeJobRegistry() *fakeJobRegistry {
	return &fakeJobRegistry{
		claims:    make(map[string]*storage.CollectClaim),
		attempts:  make(map[string]int),
		submitted: make(map[string]string),
		maxTries:  3,
	}
}

func (f *fakeJobRegistry) ClaimForSubmit(ctx context.Context, limit int, workerID string, routing models.RoutingDecision) ([]*models.ClaimedJob, error) {
	jobs := f.claimable
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	f.claimable = f.claimable[len(jobs):]
	for _, job := range jobs {
		job.Routing = routing
		f.attempts[job.JobID]++
	}
	return jobs, nil
}

func (f *fakeJobRegistry) MarkBatchSubmitted(ctx context.Context, jobIDs []string, providerBatchID string) (int, error) {
	for _, id := range jobIDs {
		f.submitted[id] = providerBatchID
	}
	return len(jobIDs), nil
}

func (f *fakeJobRegistry) RequeueAfterSubmitFailure(ctx context.Context, jobIDs []string, errMsg string, backoff time.Duration) (int, error) {
	f.requeued = append(f.requeued, jobIDs...)
	return len(jobIDs), nil
}

func (f *fakeJobRegistry) GetJobIDsByProviderBatch(ctx context.Context, providerBatchID string) ([]string, error) {
	var ids []string
	for id, batch := range f.submitted {
		if batch == providerBatchID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeJobRegistry) ClaimForCollectByIDs(ctx context.Context, jobIDs []string, workerID string) ([]*storage.CollectClaim, error) {
	if f.claimCollectErr != nil {
		return nil, f.claimCollectErr
	}
	var claims []*storage.CollectClaim
	for _, id := range jobIDs {
		if claim, ok := f.claims[id]; ok {
			claims = append(claims, claim)
		}
	}
	return claims, nil
}

func (f *fakeJobRegistry) Complete(ctx context.Context, params *storage.CompleteJobParams) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, params)
	delete(f.submitted, params.JobID)
	return nil
}

func (f *fakeJobRegistry) FailOrRequeue(ctx context.Context, jobID, errMsg string, backoff time.Duration) (bool, error) {
	if f.attempts[jobID] < f.maxTries {
		f.requeued = append(f.requeued, jobID)
		delete(f.submitted, jobID)
		return true, nil
	}
	f.failed = append(f.failed, jobID)
	delete(f.submitted, jobID)
	return false, nil
}

func (f *fakeJobRegistry) RequeueByProviderBatch(ctx context.Context, providerBatchID, reason string, backoff time.Duration, limit int) (int, error) {
	n := 0
	for id, batch := range f.submitted {
		if batch == providerBatchID {
			f.batchRequeues = append(f.batchRequeues, id)
			delete(f.submitted, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeJobRegistry) RequeueOrphaned(ctx context.Context, backoff time.Duration, limit int) (int, error) {
	return f.orphaned, nil
}

func (f *fakeJobRegistry) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	return f.reclaimedStale, nil
}

func (f *fakeJobRegistry) FailExhausted(ctx context.Context) (int, error) {
	return f.exhausted, nil
}

type fakeBatchRegistry struct {
	registered map[string]int // batch ID -> job count
	statuses   map[string]types.BatchStatus
	pending    []*models.ProviderBatch

	registerErr error
}

func newFakeBatchRegistry() *fakeBatchRegistry {
	return &fakeBatchRegistry{
		registered: make(map[string]int),
		statuses:   make(map[string]types.BatchStatus),
	}
}

func (f *fakeBatchRegistry) Register(ctx context.Context, providerBatchID, inputArtifactID string, jobCount int) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered[providerBatchID] = jobCount
	f.statuses[providerBatchID] = types.BatchSubmitted
	return nil
}

func (f *fakeBatchRegistry) UpdateStatus(ctx context.Context, providerBatchID string, status types.BatchStatus, outputArtifactID, errorArtifactID *string) error {
	current, ok := f.statuses[providerBatchID]
	if !ok {
		return apperrors.NewNotFoundError("provider batch", providerBatchID)
	}
	if current.Terminal() {
		return apperrors.NewMarkNoopError(providerBatchID, string(status))
	}
	f.statuses[providerBatchID] = status
	return nil
}

func (f *fakeBatchRegistry) ListPending(ctx context.Context, limit int) ([]*models.ProviderBatch, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

type fakeTriggerMaintenance struct {
	stale     int
	exhausted int
}

func (f *fakeTriggerMaintenance) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	return f.stale, nil
}

func (f *fakeTriggerMaintenance) FailExhausted(ctx context.Context, maxAttempts int) (int, error) {
	return f.exhausted, nil
}

type fakeProvider struct {
	submitErr    error
	statusErr    error
	fetchErr     error
	batchCounter int

	status  types.BatchStatus
	output  *string
	results []provider.BatchResult

	submittedItems [][]provider.BatchItem
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) SubmitBatch(ctx context.Context, items []provider.BatchItem) (*provider.SubmitReceipt, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.batchCounter++
	f.submittedItems = append(f.submittedItems, items)
	return &provider.SubmitReceipt{
		ProviderBatchID: "batch-1",
		InputArtifactID: "file-in-1",
	}, nil
}

func (f *fakeProvider) GetBatchStatus(ctx context.Context, providerBatchID string) (*provider.BatchStatusInfo, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &provider.BatchStatusInfo{
		ProviderBatchID:  providerBatchID,
		Status:           f.status,
		OutputArtifactID: f.output,
	}, nil
}

func (f *fakeProvider) FetchResults(ctx context.Context, outputArtifactID string) ([]provider.BatchResult, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.results, nil
}
