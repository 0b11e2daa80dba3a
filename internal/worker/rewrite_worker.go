package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/config"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/logging"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/service"
)

// WakeSource is the subscription side of the enqueue wake signal. The
// returned channel closes when the subscription dies.
type WakeSource interface {
	Subscribe(ctx context.Context) (<-chan struct{}, func())
}

// RewriteWorker drives the asynchronous half of the pipeline: draining the
// trigger queue, submitting job batches, collecting finished batches, and
// the watchdog and terminalizer sweeps. Everything runs on timers; the Redis
// wake signal only shortens the wait after an enqueue.
type RewriteWorker struct {
	workerID string
	triggers *service.TriggerService
	pipeline *service.PipelineService
	wake     WakeSource

	submitInterval      time.Duration
	collectInterval     time.Duration
	watchdogInterval    time.Duration
	terminalizeInterval time.Duration
	triggerBatchSize    int

	running bool
	mu      sync.RWMutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// RewriteWorkerConfig holds configuration for a rewrite worker
type RewriteWorkerConfig struct {
	WorkerID string
	Triggers *service.TriggerService
	Pipeline *service.PipelineService
	Wake     WakeSource
	Settings *config.PipelineConfig
}

// NewRewriteWorker creates a new rewrite worker
func NewRewriteWorker(cfg *RewriteWorkerConfig) (*RewriteWorker, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker ID cannot be empty")
	}
	if cfg.Triggers == nil {
		return nil, fmt.Errorf("trigger service cannot be nil")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline service cannot be nil")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("pipeline settings cannot be nil")
	}

	return &RewriteWorker{
		workerID:            cfg.WorkerID,
		triggers:            cfg.Triggers,
		pipeline:            cfg.Pipeline,
		wake:                cfg.Wake,
		submitInterval:      cfg.Settings.SubmitInterval,
		collectInterval:     cfg.Settings.CollectInterval,
		watchdogInterval:    cfg.Settings.WatchdogInterval,
		terminalizeInterval: cfg.Settings.TerminalizeInterval,
		triggerBatchSize:    cfg.Settings.TriggerBatchSize,
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}, nil
}

// Start begins the worker loop.
func (w *RewriteWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("rewrite worker %s is already running", w.workerID)
	}
	w.running = true
	w.mu.Unlock()

	logging.FromContext(ctx).WithField("workerId", w.workerID).Info("Starting rewrite worker")

	go w.runLoop(ctx)

	return nil
}

// Stop gracefully stops the worker, waiting for the loop to finish or the
// context to expire.
func (w *RewriteWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("rewrite worker %s is not running", w.workerID)
	}
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		logging.FromContext(ctx).WithField("workerId", w.workerID).Info("Rewrite worker stopped")
	case <-ctx.Done():
		logging.FromContext(ctx).WithField("workerId", w.workerID).Warn("Rewrite worker stop timed out")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// IsRunning reports whether the worker loop is active.
func (w *RewriteWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *RewriteWorker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	logger := logging.FromContext(ctx).WithField("workerId", w.workerID)
	ctx = logging.WithLogger(ctx, logger)

	var wakeCh <-chan struct{}
	if w.wake != nil {
		var cancel func()
		wakeCh, cancel = w.wake.Subscribe(ctx)
		defer cancel()
	}

	submitTicker := time.NewTicker(w.submitInterval)
	defer submitTicker.Stop()
	collectTicker := time.NewTicker(w.collectInterval)
	defer collectTicker.Stop()
	watchdogTicker := time.NewTicker(w.watchdogInterval)
	defer watchdogTicker.Stop()
	terminalizeTicker := time.NewTicker(w.terminalizeInterval)
	defer terminalizeTicker.Stop()

	// Run one submit pass immediately so a restart drains promptly.
	w.drainAndSubmit(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case _, ok := <-wakeCh:
			if !ok {
				// Subscription died; a nil channel blocks forever, so the
				// loop falls back to timer-driven polling.
				logger.Warn("Wake subscription closed, relying on timers")
				wakeCh = nil
				continue
			}
			w.drainAndSubmit(ctx)
		case <-submitTicker.C:
			w.drainAndSubmit(ctx)
		case <-collectTicker.C:
			if _, err := w.pipeline.CollectTick(ctx, w.workerID); err != nil {
				logger.WithError(err).Error("Collect tick failed")
			}
		case <-watchdogTicker.C:
			if _, err := w.pipeline.WatchdogTick(ctx); err != nil {
				logger.WithError(err).Error("Watchdog tick failed")
			}
		case <-terminalizeTicker.C:
			if _, err := w.pipeline.TerminalizeTick(ctx); err != nil {
				logger.WithError(err).Error("Terminalize tick failed")
			}
		}
	}
}

// drainAndSubmit runs the trigger drain and then a submit pass, so a freshly
// enqueued trigger can reach the provider in one wake.
func (w *RewriteWorker) drainAndSubmit(ctx context.Context) {
	logger := logging.FromContext(ctx)

	if _, err := w.triggers.ProcessPending(ctx, w.workerID, w.triggerBatchSize); err != nil {
		logger.WithError(err).Error("Trigger drain failed")
	}

	if _, err := w.pipeline.SubmitTick(ctx, w.workerID); err != nil {
		logger.WithError(err).Error("Submit tick failed")
	}
}
