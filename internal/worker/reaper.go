package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/queue"
	"github.com/robfig/cron/v3"
)

const (
	lostJobMessage = "La importación se perdió antes de terminar"
	reapBatchSize  = 100
)

// StaleJobStore finds and fails import jobs that stopped making progress
type StaleJobStore interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ImportJob, error)
	Fail(ctx context.Context, jobID, message string) (bool, error)
}

// QueueInspector is what the reaper needs from the queue
type QueueInspector interface {
	queue.Maintainer
	Status(ctx context.Context, jobID string) (*queue.TaskStatus, error)
}

// ReaperConfig holds reaper settings
type ReaperConfig struct {
	Schedule          string        // cron expression, e.g. "@every 1m"
	VisibilityTimeout time.Duration // active deliveries without a heartbeat for this long are requeued
	StaleAfter        time.Duration // non-terminal jobs untouched for this long are checked against the queue
}

// Reaper periodically recovers deliveries abandoned by crashed workers and
// fails jobs whose queue task no longer exists
type Reaper struct {
	jobs   StaleJobStore
	queue  QueueInspector
	cfg    ReaperConfig
	cron   *cron.Cron
	now    func() time.Time
	logger *logging.Logger
}

// NewReaper creates a new reaper
func NewReaper(jobs StaleJobStore, q QueueInspector, cfg ReaperConfig) *Reaper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}

	return &Reaper{
		jobs:   jobs,
		queue:  q,
		cfg:    cfg,
		cron:   cron.New(),
		now:    time.Now,
		logger: logging.GetGlobalLogger().WithField("component", "reaper"),
	}
}

// Start schedules the reaper
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, _, err := r.RunOnce(ctx); err != nil {
			r.logger.WithError(err).Error("Reaper run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("unable to schedule reaper: %w", err)
	}

	r.cron.Start()
	r.logger.WithField("schedule", r.cfg.Schedule).Info("Reaper scheduled")
	return nil
}

// Stop unschedules the reaper and waits for a running pass to finish
func (r *Reaper) Stop(ctx context.Context) error {
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one maintenance pass
func (r *Reaper) RunOnce(ctx context.Context) (requeued, failed int, err error) {
	requeued, err = r.queue.RequeueStale(ctx, r.cfg.VisibilityTimeout)
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 {
		r.logger.WithField("requeued", requeued).Warn("Requeued stalled deliveries")
	}

	cutoff := r.now().Add(-r.cfg.StaleAfter)
	stale, err := r.jobs.ListStale(ctx, cutoff, reapBatchSize)
	if err != nil {
		return requeued, 0, err
	}

	for _, job := range stale {
		status, err := r.queue.Status(ctx, job.ID)
		if err != nil {
			r.logger.ForJob(job.ID, job.UserID).WithError(err).Warn("Queue status unavailable, skipping stale job")
			continue
		}
		if status != nil && status.State != queue.StateFailed && status.State != queue.StateCompleted {
			continue
		}

		message := lostJobMessage
		if status != nil && status.FailedReason != "" {
			message = status.FailedReason
		}
		ok, err := r.jobs.Fail(ctx, job.ID, message)
		if err != nil {
			return requeued, failed, err
		}
		if ok {
			failed++
			r.logger.ForJob(job.ID, job.UserID).WithField("status", string(job.Status)).Warn("Failed import job lost by the queue")
		}
	}

	return requeued, failed, nil
}
