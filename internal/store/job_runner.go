package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job. A non-nil error reschedules the job.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner periodically claims due jobs and dispatches them to the handler
// registered for their kind.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	retryBase      time.Duration
	retryCap       time.Duration
	claimLimit     int
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithRetryBackoff sets the delay before the first retry and the cap on the
// doubling delay that follows.
func WithRetryBackoff(base, max time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.retryBase = base
		}
		if max > 0 {
			r.retryCap = max
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before recovery
// requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// NewJobRunner creates a JobRunner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		retryBase:      30 * time.Second,
		retryCap:       30 * time.Minute,
		claimLimit:     10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
// Call it once at startup, before Run.
func (r *JobRunner) RecoverStaleJobs() (int, error) {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return n, nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes the jobs due now. It returns how many ran.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.RunOnce: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.RunOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.RunOnce: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Warn("JobRunner.RunOnce: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
			if err := r.repo.FailJob(job.ID, err.Error(), now.Add(r.retryDelay(job.Attempt))); err != nil {
				slog.Error("JobRunner.RunOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.RunOnce: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.RunOnce: job completed", "id", job.ID, "kind", job.Kind)
	}
	return len(jobs)
}

// retryDelay doubles retryBase per attempt, capped at retryCap.
func (r *JobRunner) retryDelay(attempt int) time.Duration {
	d := r.retryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.retryCap {
			return r.retryCap
		}
	}
	if d > r.retryCap {
		return r.retryCap
	}
	return d
}
