package workers

import (
	"context"
	"time"

	"github.com/davidmoltin/crm-rules/internal/services"
	"github.com/davidmoltin/crm-rules/pkg/distlock"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
)

const reprocessLockName = "reprocess-worker"

// PendingProcessor reprocesses emails left unprocessed by an aborted run
type PendingProcessor interface {
	ProcessPending(ctx context.Context, limit int) ([]*services.ProcessResult, error)
}

// ReprocessWorker periodically retries emails whose processing was aborted by a transient error
type ReprocessWorker struct {
	processor     PendingProcessor
	locker        *distlock.Locker
	logger        *logger.Logger
	metrics       *metrics.Metrics
	checkInterval time.Duration
	batchSize     int
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewReprocessWorker creates a new reprocess worker. locker may be nil when a single
// instance runs; otherwise it keeps replicas from reprocessing the same batch.
func NewReprocessWorker(
	processor PendingProcessor,
	locker *distlock.Locker,
	m *metrics.Metrics,
	log *logger.Logger,
	checkInterval time.Duration,
	batchSize int,
) *ReprocessWorker {
	if checkInterval == 0 {
		checkInterval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	return &ReprocessWorker{
		processor:     processor,
		locker:        locker,
		logger:        log,
		metrics:       m,
		checkInterval: checkInterval,
		batchSize:     batchSize,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start starts the worker in the background
func (w *ReprocessWorker) Start(ctx context.Context) {
	w.logger.Info("Starting reprocess worker",
		logger.String("interval", w.checkInterval.String()),
		logger.Int("batch_size", w.batchSize),
	)

	go w.run(ctx)
}

// Stop stops the worker gracefully
func (w *ReprocessWorker) Stop() {
	w.logger.Info("Stopping reprocess worker")
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info("Reprocess worker stopped")
}

// run is the main worker loop
func (w *ReprocessWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.reprocessPending(ctx)

	for {
		select {
		case <-ticker.C:
			w.reprocessPending(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reprocessPending runs one batch of unprocessed emails through the rules
func (w *ReprocessWorker) reprocessPending(ctx context.Context) {
	start := time.Now()

	if w.locker != nil {
		lock, err := w.locker.TryLock(ctx, reprocessLockName)
		if err != nil {
			w.logger.Errorf("Failed to acquire reprocess lock: %v", err)
			w.metrics.RecordWorkerJob("reprocess", false, time.Since(start))
			return
		}
		if lock == nil {
			w.logger.Debug("Reprocess batch already running elsewhere")
			return
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				w.logger.Warnf("Failed to release reprocess lock: %v", err)
			}
		}()
	}

	w.logger.Debug("Checking for unprocessed emails")

	results, err := w.processor.ProcessPending(ctx, w.batchSize)

	processed, failed := 0, 0
	for _, res := range results {
		if res.Success {
			processed++
		} else {
			failed++
		}
	}

	if err != nil {
		w.logger.Errorf("Failed to reprocess emails: %v", err)
	} else if len(results) == 0 {
		w.logger.Debug("No unprocessed emails found")
	} else {
		w.logger.Infof("Unprocessed emails handled: processed=%d, failed=%d", processed, failed)
	}

	w.metrics.RecordWorkerJob("reprocess", err == nil && failed == 0, time.Since(start))
}
