// Package redisq implements the tenant queue, worker lock and result slots
// on Redis.
//
// Two separate clients are held on purpose: one dedicated to blocking list
// pops and one for everything else, so a BLPOP in flight never stalls
// unrelated commands on the same connection.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// cleanupScript atomically deletes the tenant lock iff the queue is empty.
// It closes the race between a worker deciding to shut down and a producer
// pushing a new job at the same moment.
const cleanupScript = `
if redis.call("LLEN", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[2])
  return 1
else
  return 0
end
`

// Options configures the queue gateway. Zero durations fall back to the
// documented defaults (300s lock and result TTLs, 1s pop timeout).
type Options struct {
	Addr       string
	LockTTL    time.Duration
	ResultTTL  time.Duration
	PopTimeout time.Duration
}

// Queue is the KV-store gateway for job queues, tenant locks and result
// slots.
type Queue struct {
	cmd        *redis.Client
	blocking   *redis.Client
	lockTTL    time.Duration
	resultTTL  time.Duration
	popTimeout time.Duration
	cleanup    *redis.Script
}

// New builds the gateway with its two client handles.
func New(opts Options) *Queue {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 300 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 300 * time.Second
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = time.Second
	}
	newClient := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:       opts.Addr,
			MaxRetries: 3,
		})
	}
	return &Queue{
		cmd:        newClient(),
		blocking:   newClient(),
		lockTTL:    opts.LockTTL,
		resultTTL:  opts.ResultTTL,
		popTimeout: opts.PopTimeout,
		cleanup:    redis.NewScript(cleanupScript),
	}
}

func queueKey(tenant string) string { return "queue:" + tenant }
func lockKey(tenant string) string  { return "lock:" + tenant }
func resultKey(jobID string) string { return "result:" + jobID }

// Enqueue appends a job to the tail of its tenant queue.
func (q *Queue) Enqueue(ctx domain.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	if err := q.cmd.RPush(ctx, queueKey(job.Tenant), payload).Err(); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueJob(job.Tenant)
	return nil
}

// PopBlocking pops the head job of the tenant queue, blocking up to the
// configured pop timeout. A timeout is not an error; it returns ok=false.
func (q *Queue) PopBlocking(ctx domain.Context, tenant string) ([]byte, bool, error) {
	vals, err := q.blocking.BLPop(ctx, q.popTimeout, queueKey(tenant)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=queue.pop: %w", err)
	}
	// BLPOP returns [key, value]
	if len(vals) != 2 {
		return nil, false, fmt.Errorf("op=queue.pop: unexpected reply length %d", len(vals))
	}
	return []byte(vals[1]), true, nil
}

// AcquireLock claims the tenant worker lock with set-if-absent semantics.
func (q *Queue) AcquireLock(ctx domain.Context, tenant string) (bool, error) {
	ok, err := q.cmd.SetNX(ctx, lockKey(tenant), "1", q.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.acquire_lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock deletes the tenant lock. Used only on crash paths; the normal
// exit deletes it atomically via CleanupIfIdle.
func (q *Queue) ReleaseLock(ctx domain.Context, tenant string) error {
	if err := q.cmd.Del(ctx, lockKey(tenant)).Err(); err != nil {
		return fmt.Errorf("op=queue.release_lock: %w", err)
	}
	return nil
}

// CleanupIfIdle runs the atomic empty-queue check. It reports true when the
// queue was empty and the lock was deleted, meaning the worker must exit.
func (q *Queue) CleanupIfIdle(ctx domain.Context, tenant string) (bool, error) {
	res, err := q.cleanup.Run(ctx, q.cmd, []string{queueKey(tenant), lockKey(tenant)}).Int()
	if err != nil {
		return false, fmt.Errorf("op=queue.cleanup: %w", err)
	}
	return res == 1, nil
}

// PublishResult writes the terminal outcome of a job into its result slot.
func (q *Queue) PublishResult(ctx domain.Context, jobID string, res domain.JobResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=queue.publish_result: %w", err)
	}
	if err := q.cmd.SetEx(ctx, resultKey(jobID), payload, q.resultTTL).Err(); err != nil {
		return fmt.Errorf("op=queue.publish_result: %w", err)
	}
	return nil
}

// FetchResult reads a result slot. found reports whether the slot exists;
// a decode failure of an existing slot returns found=true with the error so
// the caller still deletes the slot.
func (q *Queue) FetchResult(ctx domain.Context, jobID string) (domain.JobResult, bool, error) {
	raw, err := q.cmd.Get(ctx, resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.JobResult{}, false, nil
	}
	if err != nil {
		return domain.JobResult{}, false, fmt.Errorf("op=queue.fetch_result: %w", err)
	}
	var res domain.JobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.JobResult{}, true, fmt.Errorf("op=queue.fetch_result: %w", err)
	}
	return res, true, nil
}

// DeleteResult removes a consumed result slot.
func (q *Queue) DeleteResult(ctx domain.Context, jobID string) error {
	if err := q.cmd.Del(ctx, resultKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=queue.delete_result: %w", err)
	}
	return nil
}

// QueueLen reports the number of pending jobs for a tenant.
func (q *Queue) QueueLen(ctx domain.Context, tenant string) (int64, error) {
	n, err := q.cmd.LLen(ctx, queueKey(tenant)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.len: %w", err)
	}
	return n, nil
}

// Ping verifies both connections.
func (q *Queue) Ping(ctx domain.Context) error {
	if err := q.cmd.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=queue.ping: %w", err)
	}
	if err := q.blocking.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=queue.ping: %w", err)
	}
	return nil
}

// Close releases both client handles, the blocking one last so an in-flight
// pop cannot outlive the command connection.
func (q *Queue) Close() error {
	return errors.Join(q.cmd.Close(), q.blocking.Close())
}
