package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/config"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/provider"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/service"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/storage"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// Idle stubs: the lifecycle tests only need services whose ticks find no work.

type idleQueue struct{}

func (idleQueue) Enqueue(ctx context.Context, params *storage.EnqueueTriggerParams) (*models.TriggerQueueEntry, error) {
	return nil, nil
}
func (idleQueue) PopPending(ctx context.Context, limit, maxAttempts int) ([]*models.TriggerQueueEntry, error) {
	return nil, nil
}
func (idleQueue) MarkCompleted(ctx context.Context, entryID, token string) error { return nil }
func (idleQueue) MarkFailed(ctx context.Context, entryID, token, errMsg string) error {
	return nil
}
func (idleQueue) MarkRetry(ctx context.Context, entryID, token, errMsg string, retryAfter time.Duration) error {
	return nil
}
func (idleQueue) Cancel(ctx context.Context, sourceMessageID, authorID string) error { return nil }
func (idleQueue) GetBySourceMessage(ctx context.Context, sourceMessageID string) (*models.TriggerQueueEntry, error) {
	return nil, nil
}

type idleJobs struct{}

func (idleJobs) ClaimForSubmit(ctx context.Context, limit int, workerID string, routing models.RoutingDecision) ([]*models.ClaimedJob, error) {
	return nil, nil
}
func (idleJobs) MarkBatchSubmitted(ctx context.Context, jobIDs []string, providerBatchID string) (int, error) {
	return 0, nil
}
func (idleJobs) RequeueAfterSubmitFailure(ctx context.Context, jobIDs []string, errMsg string, backoff time.Duration) (int, error) {
	return 0, nil
}
func (idleJobs) GetJobIDsByProviderBatch(ctx context.Context, providerBatchID string) ([]string, error) {
	return nil, nil
}
func (idleJobs) ClaimForCollectByIDs(ctx context.Context, jobIDs []string, workerID string) ([]*storage.CollectClaim, error) {
	return nil, nil
}
func (idleJobs) Complete(ctx context.Context, params *storage.CompleteJobParams) error { return nil }
func (idleJobs) FailOrRequeue(ctx context.Context, jobID, errMsg string, backoff time.Duration) (bool, error) {
	return false, nil
}
func (idleJobs) RequeueByProviderBatch(ctx context.Context, providerBatchID, reason string, backoff time.Duration, limit int) (int, error) {
	return 0, nil
}
func (idleJobs) RequeueOrphaned(ctx context.Context, backoff time.Duration, limit int) (int, error) {
	return 0, nil
}
func (idleJobs) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}
func (idleJobs) FailExhausted(ctx context.Context) (int, error) { return 0, nil }

type idleBatches struct{}

func (idleBatches) Register(ctx context.Context, providerBatchID, inputArtifactID string, jobCount int) error {
	return nil
}
func (idleBatches) UpdateStatus(ctx context.Context, providerBatchID string, status types.BatchStatus, outputArtifactID, errorArtifactID *string) error {
	return nil
}
func (idleBatches) ListPending(ctx context.Context, limit int) ([]*models.ProviderBatch, error) {
	return nil, nil
}

type idleMaintenance struct{}

func (idleMaintenance) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}
func (idleMaintenance) FailExhausted(ctx context.Context, maxAttempts int) (int, error) {
	return 0, nil
}

type idleProvider struct{}

func (idleProvider) SubmitBatch(ctx context.Context, items []provider.BatchItem) (*provider.SubmitReceipt, error) {
	return &provider.SubmitReceipt{}, nil
}
func (idleProvider) GetBatchStatus(ctx context.Context, providerBatchID string) (*provider.BatchStatusInfo, error) {
	return &provider.BatchStatusInfo{}, nil
}
func (idleProvider) FetchResults(ctx context.Context, outputArtifactID string) ([]provider.BatchResult, error) {
	return nil, nil
}
func (idleProvider) Name() string { return "idle" }

func testWorkerConfig(t *testing.T) *RewriteWorkerConfig {
	t.Helper()

	triggers := service.NewTriggerService(&service.TriggerServiceConfig{
		Triggers: idleQueue{},
	})
	pipeline := service.NewPipelineService(&service.PipelineServiceConfig{
		Jobs:     idleJobs{},
		Batches:  idleBatches{},
		Triggers: idleMaintenance{},
		Client:   idleProvider{},
		Model:    "gpt-4o-mini",
	})

	return &RewriteWorkerConfig{
		WorkerID: "worker-test",
		Triggers: triggers,
		Pipeline: pipeline,
		Settings: &config.PipelineConfig{
			SubmitInterval:      20 * time.Millisecond,
			CollectInterval:     20 * time.Millisecond,
			WatchdogInterval:    20 * time.Millisecond,
			TerminalizeInterval: 20 * time.Millisecond,
			TriggerBatchSize:    10,
		},
	}
}

func TestNewRewriteWorkerValidation(t *testing.T) {
	cfg := testWorkerConfig(t)

	_, err := NewRewriteWorker(&RewriteWorkerConfig{
		Triggers: cfg.Triggers, Pipeline: cfg.Pipeline, Settings: cfg.Settings,
	})
	assert.Error(t, err, "worker ID is required")

	_, err = NewRewriteWorker(&RewriteWorkerConfig{
		WorkerID: "w", Pipeline: cfg.Pipeline, Settings: cfg.Settings,
	})
	assert.Error(t, err, "trigger service is required")

	_, err = NewRewriteWorker(&RewriteWorkerConfig{
		WorkerID: "w", Triggers: cfg.Triggers, Settings: cfg.Settings,
	})
	assert.Error(t, err, "pipeline service is required")

	_, err = NewRewriteWorker(&RewriteWorkerConfig{
		WorkerID: "w", Triggers: cfg.Triggers, Pipeline: cfg.Pipeline,
	})
	assert.Error(t, err, "settings are required")

	worker, err := NewRewriteWorker(cfg)
	require.NoError(t, err)
	assert.False(t, worker.IsRunning())
}

// countingQueue counts PopPending calls so tests can observe drain activity.
type countingQueue struct {
	idleQueue
	pops atomic.Int32
}

func (c *countingQueue) PopPending(ctx context.Context, limit, maxAttempts int) ([]*models.TriggerQueueEntry, error) {
	c.pops.Add(1)
	return nil, nil
}

// manualWake hands the worker a channel the test controls directly.
type manualWake struct {
	ch chan struct{}
}

func (m *manualWake) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	return m.ch, func() {}
}

func TestRewriteWorkerSurvivesClosedWakeChannel(t *testing.T) {
	queue := &countingQueue{}
	triggers := service.NewTriggerService(&service.TriggerServiceConfig{
		Triggers: queue,
	})
	pipeline := service.NewPipelineService(&service.PipelineServiceConfig{
		Jobs:     idleJobs{},
		Batches:  idleBatches{},
		Triggers: idleMaintenance{},
		Client:   idleProvider{},
		Model:    "gpt-4o-mini",
	})
	wake := &manualWake{ch: make(chan struct{}, 1)}

	worker, err := NewRewriteWorker(&RewriteWorkerConfig{
		WorkerID: "worker-test",
		Triggers: triggers,
		Pipeline: pipeline,
		Wake:     wake,
		Settings: &config.PipelineConfig{
			// Timers are parked far out so only wake nudges drive drains.
			SubmitInterval:      time.Hour,
			CollectInterval:     time.Hour,
			WatchdogInterval:    time.Hour,
			TerminalizeInterval: time.Hour,
			TriggerBatchSize:    10,
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))

	// One nudge, then the subscription dies.
	wake.ch <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	close(wake.ch)
	time.Sleep(150 * time.Millisecond)

	// Startup drain plus one nudge; a closed channel must not busy-spin the
	// drain loop.
	assert.LessOrEqual(t, queue.pops.Load(), int32(3))
	assert.True(t, worker.IsRunning())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Stop(stopCtx))
}

func TestRewriteWorkerLifecycle(t *testing.T) {
	worker, err := NewRewriteWorker(testWorkerConfig(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, worker.Start(ctx))
	assert.True(t, worker.IsRunning())

	// Double start is rejected while running.
	assert.Error(t, worker.Start(ctx))

	// Let a few ticks fire before stopping.
	time.Sleep(100 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, worker.Stop(stopCtx))
	assert.False(t, worker.IsRunning())

	// Stopping an already stopped worker is an error.
	assert.Error(t, worker.Stop(stopCtx))
}
