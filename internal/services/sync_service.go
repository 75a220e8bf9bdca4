package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidmoltin/crm-rules/internal/models"
	"github.com/davidmoltin/crm-rules/pkg/distlock"
	"github.com/davidmoltin/crm-rules/pkg/logger"
	"github.com/davidmoltin/crm-rules/pkg/metrics"
)

// ErrSyncInProgress is returned when another sync holds the mailbox lock
var ErrSyncInProgress = errors.New("sync already in progress for mailbox")

// SyncSummary reports the outcome of one sync batch
type SyncSummary struct {
	Mailbox string           `json:"mailbox"`
	Total   int              `json:"total"`
	Synced  int              `json:"synced"`
	Skipped int              `json:"skipped"`
	Failed  int              `json:"failed"`
	Results []*ProcessResult `json:"results"`
}

// String renders the user-visible counter
func (s *SyncSummary) String() string {
	return fmt.Sprintf("synced %d of %d", s.Synced, s.Total)
}

// SyncService processes batches of synced email records, one mailbox at a time
type SyncService struct {
	processor *EmailProcessor
	locker    *distlock.Locker
	lockTTL   time.Duration
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

// NewSyncService creates a new sync service. locker may be nil, which disables mailbox locking.
func NewSyncService(
	processor *EmailProcessor,
	locker *distlock.Locker,
	lockTTL time.Duration,
	m *metrics.Metrics,
	log *logger.Logger,
) *SyncService {
	if log == nil {
		log = logger.Default()
	}
	return &SyncService{
		processor: processor,
		locker:    locker,
		lockTTL:   lockTTL,
		logger:    log,
		metrics:   m,
	}
}

// SyncBatch processes records sequentially. A failing record never stops the batch.
func (s *SyncService) SyncBatch(ctx context.Context, mailbox string, records []*models.EmailRecord, accessToken string) (*SyncSummary, error) {
	mailbox = models.NormalizeEmail(mailbox)

	lock, err := s.acquire(ctx, mailbox)
	if err != nil {
		s.metrics.RecordSyncBatch("rejected", 0, 0)
		return nil, err
	}
	if lock != nil {
		defer func() {
			// Release even when ctx is already cancelled
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, distlock.ErrNotHeld) {
				s.logger.Warn("Failed to release sync lock", logger.String("mailbox", mailbox), logger.Err(err))
			}
		}()
	}

	summary := &SyncSummary{
		Mailbox: mailbox,
		Total:   len(records),
		Results: make([]*ProcessResult, 0, len(records)),
	}
	lastExtend := time.Now()

	for _, record := range records {
		res := s.processor.ProcessEmail(ctx, record, accessToken, false)
		summary.Results = append(summary.Results, res)

		switch {
		case res.Skipped:
			summary.Skipped++
			summary.Synced++
		case res.Success:
			summary.Synced++
		default:
			summary.Failed++
			s.logger.Warn("Email failed to sync",
				logger.String("mailbox", mailbox),
				logger.String("external_id", res.ExternalID),
				logger.String("error_kind", string(res.ErrorKind)),
				logger.String("error", res.Error),
			)
		}

		if lock != nil && s.lockTTL > 0 && time.Since(lastExtend) > s.lockTTL/2 {
			if err := lock.Extend(ctx, s.lockTTL); err != nil {
				s.logger.Warn("Failed to extend sync lock", logger.String("mailbox", mailbox), logger.Err(err))
			}
			lastExtend = time.Now()
		}
	}

	status := "completed"
	if summary.Failed > 0 {
		status = "partial"
	}
	s.metrics.RecordSyncBatch(status, summary.Synced, summary.Failed)

	s.logger.Info("Sync batch finished",
		logger.String("mailbox", mailbox),
		logger.String("summary", summary.String()),
		logger.Int("skipped", summary.Skipped),
		logger.Int("failed", summary.Failed),
	)

	return summary, nil
}

func (s *SyncService) acquire(ctx context.Context, mailbox string) (*distlock.RedisLock, error) {
	if s.locker == nil {
		return nil, nil
	}

	lock, err := s.locker.TryLock(ctx, "sync:"+mailbox)
	if err != nil {
		return nil, models.WrapError(models.ErrTransient, "sync_batch", err)
	}
	if lock == nil {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, mailbox)
	}
	return lock, nil
}
