package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-gateway/internal/observability"
)

// WorkerPool tracks which tenants have a live worker goroutine in this
// process. The Redis lock is what guarantees one worker per tenant across
// the fleet; the local registry only avoids spawning goroutines that would
// lose the lock race anyway.
type WorkerPool struct {
	queue *Queue
	exec  domain.JobExecutor
	log   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

// NewWorkerPool builds the registry. exec runs each dequeued job.
func NewWorkerPool(queue *Queue, exec domain.JobExecutor, log *slog.Logger) *WorkerPool {
	if log == nil {
		log = slog.Default()
	}
	return &WorkerPool{
		queue:   queue,
		exec:    exec,
		log:     log,
		workers: make(map[string]*worker),
	}
}

// Ensure spawns a worker goroutine for the tenant unless one is already
// registered locally. It reports whether a new worker was started.
func (p *WorkerPool) Ensure(ctx domain.Context, tenant string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[tenant]; ok {
		return false
	}
	w := &worker{
		tenant: tenant,
		pool:   p,
		log:    p.log.With(slog.String("tenant", tenant)),
	}
	p.workers[tenant] = w
	go w.run()
	obsctx.LoggerFromContext(ctx).Debug("worker spawned", slog.String("tenant", tenant))
	return true
}

// Active reports how many tenant workers this process is running.
func (p *WorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *WorkerPool) remove(tenant string, w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.workers[tenant]; ok && cur == w {
		delete(p.workers, tenant)
	}
}

// worker drains one tenant queue while holding that tenant's Redis lock.
type worker struct {
	tenant string
	pool   *WorkerPool
	log    *slog.Logger
}

// run owns the worker lifecycle. It is detached from any request context:
// jobs keep executing after the submitting client disconnects.
func (w *worker) run() {
	ctx := context.Background()
	defer w.pool.remove(w.tenant, w)

	acquired, err := w.pool.queue.AcquireLock(ctx, w.tenant)
	if err != nil {
		w.log.Error("worker lock acquire failed", slog.Any("error", err))
		return
	}
	if !acquired {
		// Another process already drains this tenant.
		w.log.Debug("worker lock held elsewhere")
		return
	}

	observability.WorkerStarted()
	defer observability.WorkerStopped()
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("worker crashed", slog.Any("recover", rec))
			if rerr := w.pool.queue.ReleaseLock(ctx, w.tenant); rerr != nil {
				w.log.Error("worker lock release failed", slog.Any("error", rerr))
			}
		}
	}()

	w.log.Info("worker started")
	for {
		payload, ok, err := w.pool.queue.PopBlocking(ctx, w.tenant)
		if err != nil {
			w.log.Error("queue pop failed", slog.Any("error", err))
		}
		if !ok {
			released, cerr := w.pool.queue.CleanupIfIdle(ctx, w.tenant)
			if cerr != nil {
				w.log.Error("idle cleanup failed", slog.Any("error", cerr))
				if rerr := w.pool.queue.ReleaseLock(ctx, w.tenant); rerr != nil {
					w.log.Error("worker lock release failed", slog.Any("error", rerr))
				}
				return
			}
			if released {
				w.log.Info("worker exiting, queue empty")
				return
			}
			continue
		}
		w.process(ctx, payload)
	}
}

// process decodes one queued job, executes it and publishes the outcome to
// the job's result slot. Failures become failure envelopes rather than
// worker exits.
func (w *worker) process(parent domain.Context, payload []byte) {
	var job domain.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		// Without a job id there is no result slot to report into.
		w.log.Error("job decode failed", slog.Any("error", err))
		return
	}

	log := w.log.With(slog.String("job_id", job.ID), slog.String("request_id", job.RequestID))
	ctx := obsctx.ContextWithLogger(parent, log)
	ctx = obsctx.ContextWithRequestID(ctx, job.RequestID)
	ctx = obsctx.ContextWithJobID(ctx, job.ID)

	start := time.Now()
	res := w.execute(ctx, job)

	status := "success"
	if !res.Success {
		status = "failure"
	}
	observability.CompleteJob(status, time.Since(start))
	if res.Success && res.Data != nil && res.Data.Metadata != nil {
		md := res.Data.Metadata
		observability.ObserveUsage(md.QueryType, md.Provider, md.CreditsUsed, md.CostUSD)
	}

	if err := w.pool.queue.PublishResult(ctx, job.ID, res); err != nil {
		log.Error("result publish failed", slog.Any("error", err))
		return
	}
	log.Info("job finished", slog.String("status", status), slog.Duration("took", time.Since(start)))
}

// execute isolates one job run behind its own recover so a panicking
// provider adapter fails the job, not the worker.
func (w *worker) execute(ctx domain.Context, job domain.Job) (res domain.JobResult) {
	defer func() {
		if rec := recover(); rec != nil {
			obsctx.LoggerFromContext(ctx).Error("job execution panicked", slog.Any("recover", rec))
			res = domain.JobResult{Success: false, Error: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	reply, err := w.pool.exec.ExecuteJob(ctx, job)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("job failed", slog.Any("error", err))
		return domain.JobResult{Success: false, Error: err.Error()}
	}
	return domain.JobResult{Success: true, Data: &reply}
}
