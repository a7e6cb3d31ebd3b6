package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mojtabashariatzade/adder-repo/internal/config"
)

const (
	readyKey     = "runs:ready"
	scheduledKey = "runs:scheduled"
	inflightKey  = "runs:inflight"
)

// RunQueue coordinates the run intake pipeline in Redis: submitted runs wait
// in a ready list, deferred runs sit in a scheduled set until due, and the
// run an orchestrator is executing is tracked in-flight under a lease so a
// crashed process gives its run back.
type RunQueue struct {
	client   *redis.Client
	leaseTTL time.Duration
	dlqKey   string
}

// NewRunQueue builds a queue client from config.
func NewRunQueue(cfg config.Config) *RunQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRunQueueWithClient(client, cfg.DLQName)
}

// NewRunQueueWithClient wires an existing Redis client, used by tests.
func NewRunQueueWithClient(client *redis.Client, dlqName string) *RunQueue {
	return &RunQueue{
		client:   client,
		leaseTTL: 5 * time.Minute,
		dlqKey:   dlqName,
	}
}

// Enqueue submits a run. Runs with a future startAt go to the scheduled set,
// everything else straight to the ready list.
func (q *RunQueue) Enqueue(ctx context.Context, runID string, startAt time.Time) error {
	if startAt.After(time.Now()) {
		return q.client.ZAdd(ctx, scheduledKey, redis.Z{
			Score:  float64(startAt.UnixMilli()),
			Member: runID,
		}).Err()
	}
	return q.client.RPush(ctx, readyKey, runID).Err()
}

// PromoteScheduled moves due scheduled runs to the ready list and returns
// how many were promoted.
func (q *RunQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready run and records it in-flight with a
// lease deadline. Returns "" when nothing is ready.
func (q *RunQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{readyKey, inflightKey},
		time.Now().Add(q.leaseTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	runID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return runID, nil
}

// ExtendLease pushes the lease deadline forward for a run still executing.
func (q *RunQueue) ExtendLease(ctx context.Context, runID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: runID,
	}).Err()
}

// Ack drops a finished run from in-flight tracking.
func (q *RunQueue) Ack(ctx context.Context, runID string) error {
	return q.client.ZRem(ctx, inflightKey, runID).Err()
}

// RequeueExpired reclaims runs whose lease lapsed, putting them back on the
// ready list so another orchestrator can resume them.
func (q *RunQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove takes a run out of ready, scheduled, and in-flight sets. Used when
// a queued run is cancelled before execution starts.
func (q *RunQueue) Remove(ctx context.Context, runID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, readyKey, 0, runID)
	pipe.ZRem(ctx, scheduledKey, runID)
	pipe.ZRem(ctx, inflightKey, runID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequestCancel flags a run for cancellation. The orchestrator watches the
// flag while executing and stops the run at the next task boundary.
func (q *RunQueue) RequestCancel(ctx context.Context, runID string) error {
	return q.client.Set(ctx, cancelKey(runID), "1", 24*time.Hour).Err()
}

// CancelRequested reports whether a cancel flag is set for the run.
func (q *RunQueue) CancelRequested(ctx context.Context, runID string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelKey(runID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearCancel removes the cancel flag once the run has stopped.
func (q *RunQueue) ClearCancel(ctx context.Context, runID string) error {
	return q.client.Del(ctx, cancelKey(runID)).Err()
}

func cancelKey(runID string) string {
	return "runs:cancel:" + runID
}

// RequestUnblock queues an operator request to unblock an account. The
// orchestrator owns the account registry and applies it.
func (q *RunQueue) RequestUnblock(ctx context.Context, accountID string) error {
	return q.client.RPush(ctx, "accounts:unblock", accountID).Err()
}

// PopUnblock takes the next pending unblock request, or "" when none.
func (q *RunQueue) PopUnblock(ctx context.Context) (string, error) {
	id, err := q.client.LPop(ctx, "accounts:unblock").Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// DLQPush records a terminally failed task for operational inspection.
func (q *RunQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads up to count dead-lettered task IDs.
func (q *RunQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth returns the number of runs waiting on the ready list.
func (q *RunQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local run = redis.call('LPOP', KEYS[1])
if run then
  redis.call('ZADD', KEYS[2], ARGV[1], run)
  return run
end
return nil
`)
