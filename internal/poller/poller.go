// Package poller follows a submitted import until it reaches a terminal state.
package poller

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/models"
)

// ErrJobNotFound is returned when the job keeps being reported as missing
var ErrJobNotFound = stderrors.New("import job not found")

// JobFetcher reads the status of one job. It returns nil, nil when the job does not exist.
type JobFetcher interface {
	GetJob(ctx context.Context, jobID string) (*models.ImportJobView, error)
}

// Poller fetches a job on a fixed interval. Fetch errors are logged and retried on
// the next tick; there is no backoff since the interval is already coarse.
type Poller struct {
	fetcher   JobFetcher
	interval  time.Duration
	maxMisses int
	logger    *logging.Logger

	// OnUpdate is called with every successful observation, terminal ones included
	OnUpdate func(job *models.ImportJobView)
}

// New creates a poller. A non-positive interval falls back to two seconds.
func New(fetcher JobFetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		fetcher:   fetcher,
		interval:  interval,
		maxMisses: 3,
		logger:    logging.GetGlobalLogger().WithField("component", "poller"),
	}
}

// Wait polls until the job is COMPLETED or FAILED and returns the final observation.
// The first fetch happens immediately.
func (p *Poller) Wait(ctx context.Context, jobID string) (*models.ImportJobView, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	misses := 0
	for {
		job, err := p.fetcher.GetJob(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.WithField("job_id", jobID).WithError(err).Warn("Status fetch failed, retrying")
		case job == nil:
			misses++
			if misses >= p.maxMisses {
				return nil, ErrJobNotFound
			}
		default:
			misses = 0
			if p.OnUpdate != nil {
				p.OnUpdate(job)
			}
			if job.Status.IsTerminal() {
				return job, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
