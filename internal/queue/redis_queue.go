package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/finance-importer/internal/errors"
	"github.com/redis/go-redis/v9"
)

// Task hash fields
const (
	fieldPayload      = "payload"
	fieldState        = "state"
	fieldAttempts     = "attempts"
	fieldProgress     = "progress"
	fieldFailedReason = "failedReason"
	fieldEnqueuedAt   = "enqueuedAt"
	fieldHeartbeatAt  = "heartbeatAt"
)

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'state', 'waiting', 'attempts', '0', 'progress', '0', 'enqueuedAt', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
return #due
`)

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('LREM', KEYS[2], 0, ARGV[1])
  return false
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', '1')
redis.call('HSET', KEYS[1], 'state', 'active', 'heartbeatAt', ARGV[2])
return {attempts, redis.call('HGET', KEYS[1], 'payload')}
`)

var updateIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

var requeueStaleScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 0 then
    redis.call('LREM', KEYS[1], 0, id)
  else
    local hb = tonumber(redis.call('HGET', key, 'heartbeatAt') or '0')
    if hb < tonumber(ARGV[1]) then
      redis.call('LREM', KEYS[1], 0, id)
      redis.call('LPUSH', KEYS[2], id)
      redis.call('HSET', key, 'state', 'waiting')
      moved = moved + 1
    end
  end
end
return moved
`)

// RedisQueue is the durable queue. Keys under the queue name:
//
//	{name}:wait     list of ready ids, consumed FIFO
//	{name}:active   list of delivered, unacknowledged ids
//	{name}:delayed  zset of ids waiting out a retry backoff, scored by due time (ms)
//	{name}:task:ID  hash with payload and execution state
type RedisQueue struct {
	client redis.UniversalClient
	name   string
	policy Policy
	now    func() time.Time
}

// NewRedisQueue creates a queue on top of an existing client
func NewRedisQueue(client redis.UniversalClient, name string, policy Policy) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   name,
		policy: policy,
		now:    time.Now,
	}
}

func (q *RedisQueue) waitKey() string    { return q.name + ":wait" }
func (q *RedisQueue) activeKey() string  { return q.name + ":active" }
func (q *RedisQueue) delayedKey() string { return q.name + ":delayed" }
func (q *RedisQueue) taskPrefix() string { return q.name + ":task:" }
func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix() + id
}

func (q *RedisQueue) nowMillis() int64 {
	return q.now().UnixMilli()
}

// Enqueue implements Producer
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.JobID, err)
	}

	keys := []string{q.taskKey(task.JobID), q.waitKey()}
	if err := enqueueScript.Run(ctx, q.client, keys, payload, task.JobID, q.nowMillis()).Err(); err != nil {
		return errors.NewQueueError("enqueue", err)
	}
	return nil
}

// Dequeue implements Consumer
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for {
		id, err := q.client.LMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT").Result()
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.NewQueueError("dequeue", err)
		}

		res, err := claimScript.Run(ctx, q.client, []string{q.taskKey(id), q.activeKey()}, id, q.nowMillis()).Slice()
		if stderrors.Is(err, redis.Nil) {
			// removed while waiting
			continue
		}
		if err != nil {
			return nil, errors.NewQueueError("claim", err)
		}

		attempts, _ := res[0].(int64)
		payload, _ := res[1].(string)

		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			_ = q.Discard(ctx, id, "undecodable payload")
			return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
		}

		return &Delivery{Task: task, Attempt: int(attempts), MaxAttempts: q.policy.MaxAttempts}, nil
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	keys := []string{q.delayedKey(), q.waitKey()}
	if err := promoteScript.Run(ctx, q.client, keys, q.nowMillis(), q.taskPrefix()).Err(); err != nil {
		return errors.NewQueueError("promote", err)
	}
	return nil
}

func (q *RedisQueue) updateIfExists(ctx context.Context, jobID string, fields ...interface{}) error {
	return updateIfExistsScript.Run(ctx, q.client, []string{q.taskKey(jobID)}, fields...).Err()
}

// finish removes the id from the active list and keeps the record for the retention window
func (q *RedisQueue) finish(ctx context.Context, op, jobID string, fields ...interface{}) error {
	if err := q.client.LRem(ctx, q.activeKey(), 0, jobID).Err(); err != nil {
		return errors.NewQueueError(op, err)
	}
	if err := q.updateIfExists(ctx, jobID, fields...); err != nil {
		return errors.NewQueueError(op, err)
	}
	if q.policy.Retention > 0 {
		if err := q.client.Expire(ctx, q.taskKey(jobID), q.policy.Retention).Err(); err != nil {
			return errors.NewQueueError(op, err)
		}
	}
	return nil
}

// Ack implements Consumer
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.finish(ctx, "ack", jobID, fieldState, string(StateCompleted), fieldProgress, 100)
}

// Discard implements Consumer
func (q *RedisQueue) Discard(ctx context.Context, jobID, reason string) error {
	return q.finish(ctx, "discard", jobID, fieldState, string(StateFailed), fieldFailedReason, reason)
}

// Retry implements Consumer
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, reason string) (bool, error) {
	jobID := d.Task.JobID
	if d.Attempt >= q.policy.MaxAttempts {
		return false, q.Discard(ctx, jobID, reason)
	}

	due := q.now().Add(q.policy.delay(d.Attempt)).UnixMilli()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(), 0, jobID)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: jobID})
		return nil
	})
	if err != nil {
		return false, errors.NewQueueError("retry", err)
	}
	if err := q.updateIfExists(ctx, jobID, fieldState, string(StateDelayed), fieldFailedReason, reason); err != nil {
		return false, errors.NewQueueError("retry", err)
	}
	return true, nil
}

// ReportProgress implements Consumer
func (q *RedisQueue) ReportProgress(ctx context.Context, jobID string, progress int) error {
	if err := q.updateIfExists(ctx, jobID, fieldProgress, progress, fieldHeartbeatAt, q.nowMillis()); err != nil {
		return errors.NewQueueError("progress", err)
	}
	return nil
}

// Status implements Producer
func (q *RedisQueue) Status(ctx context.Context, jobID string) (*TaskStatus, error) {
	values, err := q.client.HGetAll(ctx, q.taskKey(jobID)).Result()
	if err != nil {
		return nil, errors.NewQueueError("status", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	progress, _ := strconv.Atoi(values[fieldProgress])
	attempts, _ := strconv.Atoi(values[fieldAttempts])
	return &TaskStatus{
		State:        TaskState(values[fieldState]),
		Progress:     progress,
		Attempts:     attempts,
		FailedReason: values[fieldFailedReason],
	}, nil
}

// Remove implements Producer
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.waitKey(), 0, jobID)
		pipe.LRem(ctx, q.activeKey(), 0, jobID)
		pipe.ZRem(ctx, q.delayedKey(), jobID)
		pipe.Del(ctx, q.taskKey(jobID))
		return nil
	})
	if err != nil {
		return errors.NewQueueError("remove", err)
	}
	return nil
}

// RequeueStale implements Maintainer. Active tasks whose last heartbeat is older
// than olderThan go back to the wait list and keep their attempt count.
func (q *RedisQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	keys := []string{q.activeKey(), q.waitKey()}

	moved, err := requeueStaleScript.Run(ctx, q.client, keys, cutoff, q.taskPrefix()).Int()
	if err != nil {
		return 0, errors.NewQueueError("requeue stale", err)
	}
	return moved, nil
}

// Len returns the number of waiting, active and delayed tasks
func (q *RedisQueue) Len(ctx context.Context) (waiting, active, delayed int64, err error) {
	pipe := q.client.Pipeline()
	w := pipe.LLen(ctx, q.waitKey())
	a := pipe.LLen(ctx, q.activeKey())
	d := pipe.ZCard(ctx, q.delayedKey())
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, errors.NewQueueError("len", err)
	}
	return w.Val(), a.Val(), d.Val(), nil
}
