package queue

import (
	"context"
	"sync"
	"time"
)

type memoryTask struct {
	task      Task
	status    TaskStatus
	heartbeat time.Time
	dueAt     time.Time
}

// MemoryQueue is a single-process queue with the same delivery semantics as RedisQueue.
// Finished tasks are kept until removed.
type MemoryQueue struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	wait    []string
	active  map[string]struct{}
	delayed map[string]struct{}
	tasks   map[string]*memoryTask
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(policy Policy) *MemoryQueue {
	return &MemoryQueue{
		policy:  policy,
		now:     time.Now,
		active:  make(map[string]struct{}),
		delayed: make(map[string]struct{}),
		tasks:   make(map[string]*memoryTask),
	}
}

// SetClock replaces the time source
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements Producer
func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[task.JobID]; exists {
		return nil
	}
	q.tasks[task.JobID] = &memoryTask{task: *task, status: TaskStatus{State: StateWaiting}}
	q.wait = append(q.wait, task.JobID)
	return nil
}

// Dequeue implements Consumer
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id := range q.delayed {
		t := q.tasks[id]
		if !t.dueAt.After(now) {
			delete(q.delayed, id)
			t.status.State = StateWaiting
			q.wait = append(q.wait, id)
		}
	}

	for len(q.wait) > 0 {
		id := q.wait[0]
		q.wait = q.wait[1:]

		t, ok := q.tasks[id]
		if !ok {
			continue
		}
		t.status.Attempts++
		t.status.State = StateActive
		t.heartbeat = now
		q.active[id] = struct{}{}

		return &Delivery{Task: t.task, Attempt: t.status.Attempts, MaxAttempts: q.policy.MaxAttempts}, nil
	}
	return nil, nil
}

func (q *MemoryQueue) finish(jobID string, state TaskState, reason string) {
	delete(q.active, jobID)
	if t, ok := q.tasks[jobID]; ok {
		t.status.State = state
		if state == StateCompleted {
			t.status.Progress = 100
		}
		if reason != "" {
			t.status.FailedReason = reason
		}
	}
}

// Ack implements Consumer
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finish(jobID, StateCompleted, "")
	return nil
}

// Discard implements Consumer
func (q *MemoryQueue) Discard(ctx context.Context, jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finish(jobID, StateFailed, reason)
	return nil
}

// Retry implements Consumer
func (q *MemoryQueue) Retry(ctx context.Context, d *Delivery, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobID := d.Task.JobID
	if d.Attempt >= q.policy.MaxAttempts {
		q.finish(jobID, StateFailed, reason)
		return false, nil
	}

	delete(q.active, jobID)
	t, ok := q.tasks[jobID]
	if !ok {
		return true, nil
	}
	t.status.State = StateDelayed
	t.status.FailedReason = reason
	t.dueAt = q.now().Add(q.policy.delay(d.Attempt))
	q.delayed[jobID] = struct{}{}
	return true, nil
}

// ReportProgress implements Consumer
func (q *MemoryQueue) ReportProgress(ctx context.Context, jobID string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[jobID]; ok {
		t.status.Progress = progress
		t.heartbeat = q.now()
	}
	return nil
}

// Status implements Producer
func (q *MemoryQueue) Status(ctx context.Context, jobID string) (*TaskStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[jobID]
	if !ok {
		return nil, nil
	}
	status := t.status
	return &status, nil
}

// Remove implements Producer
func (q *MemoryQueue) Remove(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.tasks, jobID)
	delete(q.active, jobID)
	delete(q.delayed, jobID)
	return nil
}

// RequeueStale implements Maintainer
func (q *MemoryQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	moved := 0
	for id := range q.active {
		t, ok := q.tasks[id]
		if !ok {
			delete(q.active, id)
			continue
		}
		if t.heartbeat.Before(cutoff) {
			delete(q.active, id)
			t.status.State = StateWaiting
			q.wait = append(q.wait, id)
			moved++
		}
	}
	return moved, nil
}
