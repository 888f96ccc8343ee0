// Package queue carries import tasks from the submission path to the worker pool.
// Delivery is at-least-once: a task stays owned by the queue until it is acknowledged or discarded.
package queue

import (
	"context"
	"time"

	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/retry"
)

// TaskState is the queue's own view of a task
type TaskState string

const (
	StateWaiting   TaskState = "waiting"
	StateActive    TaskState = "active"
	StateDelayed   TaskState = "delayed"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
)

// Task is the queue work item. JobID is the id of the durable import job record.
type Task struct {
	JobID    string               `json:"jobId"`
	UserID   string               `json:"userId"`
	Filename string               `json:"filename"`
	CSVData  string               `json:"csvData"`
	Mapping  models.ColumnMapping `json:"mapping"`
}

// Delivery is a dequeued task. Attempt starts at 1.
type Delivery struct {
	Task        Task
	Attempt     int
	MaxAttempts int
}

// Exhausted reports whether the delivery is past the retry budget, e.g. after repeated stalls
func (d *Delivery) Exhausted() bool {
	return d.MaxAttempts > 0 && d.Attempt > d.MaxAttempts
}

// TaskStatus is the ephemeral execution state reported by the queue
type TaskStatus struct {
	State        TaskState `json:"state"`
	Progress     int       `json:"progress"`
	Attempts     int       `json:"attempts"`
	FailedReason string    `json:"failedReason,omitempty"`
}

// Producer is the capability set used by the submission path
type Producer interface {
	// Enqueue adds a task. Enqueuing an id that is already known is a no-op.
	Enqueue(ctx context.Context, task *Task) error
	// Status returns nil when the queue no longer knows the task
	Status(ctx context.Context, jobID string) (*TaskStatus, error)
	Remove(ctx context.Context, jobID string) error
}

// Consumer is the capability set used by the worker
type Consumer interface {
	// Dequeue returns nil when nothing is ready
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, jobID string) error
	// Retry schedules a redelivery with backoff. It returns false when the
	// retry budget is spent, in which case the task has been discarded.
	Retry(ctx context.Context, d *Delivery, reason string) (bool, error)
	Discard(ctx context.Context, jobID, reason string) error
	// ReportProgress records progress and doubles as the delivery heartbeat
	ReportProgress(ctx context.Context, jobID string, progress int) error
}

// Maintainer recovers deliveries abandoned by crashed workers
type Maintainer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Policy is the delivery policy shared by both implementations
type Policy struct {
	MaxAttempts int
	Backoff     retry.RetryConfig
	Retention   time.Duration
}

// PolicyFromConfig builds the delivery policy from queue settings
func PolicyFromConfig(cfg config.QueueConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: retry.RetryConfig{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.BackoffBase,
			MaxDelay:     cfg.BackoffMax,
			Multiplier:   2.0,
		},
		Retention: cfg.Retention,
	}
}

// DefaultPolicy is three attempts with exponential backoff from one second
func DefaultPolicy() Policy {
	return PolicyFromConfig(config.QueueConfig{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		Retention:   24 * time.Hour,
	})
}

func (p Policy) delay(attempt int) time.Duration {
	return retry.Backoff(&p.Backoff, attempt)
}
