package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler runs one queued job. A returned error puts the job back in the
// queue with a growing delay.
type JobHandler func(ctx context.Context, payload string) error

const (
	jobRetryBase  = 30 * time.Second
	jobRetryLimit = 30 * time.Minute
)

// JobRunner drains the jobs table. In queue dispatch mode the scanner enqueues
// one reminder_dispatch job per claim and the runner hands it to the processor.
type JobRunner struct {
	repo           JobRepo
	mu             sync.RWMutex
	handlers       map[string]JobHandler
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:           repo,
		handlers:       map[string]JobHandler{},
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHandler binds kind to h, replacing any earlier binding.
func (r *JobRunner) RegisterHandler(kind string, h JobHandler) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
	slog.Debug("JobRunner.RegisterHandler: bound", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs puts back jobs a previous process left running. The
// reminder claim behind such a job is checked again by the handler, so a
// recovered job never sends for a claim that has since moved on.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: jobs back in queue", "count", n)
	}
	return nil
}

// Run polls until ctx is done.
func (r *JobRunner) Run(ctx context.Context) {
	pollEvery(ctx, "JobRunner", r.pollInterval, func(ctx context.Context) { r.RunOnce(ctx) })
}

// RunOnce takes up to claimLimit due jobs and reports how many completed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: could not claim jobs", "error", err)
		return 0
	}

	completed := 0
	for _, job := range jobs {
		if r.runJob(ctx, job, now) {
			completed++
		}
	}
	return completed
}

func (r *JobRunner) runJob(ctx context.Context, job Job, now time.Time) bool {
	h, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.runJob: unhandled kind", "id", job.ID, "kind", job.Kind)
		r.retryLater(ctx, job.ID, "no handler for kind "+job.Kind, now.Add(time.Minute))
		return false
	}

	if err := h(ctx, job.PayloadJSON); err != nil {
		slog.Warn("JobRunner.runJob: handler error", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		r.retryLater(ctx, job.ID, err.Error(), now.Add(retryDelay(jobRetryBase, jobRetryLimit, job.Attempt)))
		return false
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.runJob: could not mark done", "id", job.ID, "error", err)
		return false
	}
	slog.Debug("JobRunner.runJob: done", "id", job.ID, "kind", job.Kind)
	return true
}

func (r *JobRunner) retryLater(ctx context.Context, id, reason string, at time.Time) {
	if err := r.repo.FailJob(ctx, id, reason, at); err != nil {
		slog.Error("JobRunner.retryLater: could not reschedule", "id", id, "error", err)
	}
}

// retryDelay doubles base per earlier attempt and stops growing at limit.
func retryDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// pollEvery calls fn on every tick until ctx is done.
func pollEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	slog.Info(name+".Run: polling", "interval", interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info(name + ".Run: stopped")
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
