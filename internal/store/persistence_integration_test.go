package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// TestJobRunnerRestartRecovery enqueues a job, stops the process while the
// job is claimed but unfinished, then reopens the same database and checks
// the job executes exactly once.
func TestJobRunnerRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	jobID, err := s1.EnqueueJob("progress_write", time.Now(), `{"participantId":"p1"}`, "p1:exp-1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	claimed, err := s1.ClaimDueJobs(time.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueJobs = %d, %v", len(claimed), err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, 10*time.Millisecond, WithStaleThreshold(time.Nanosecond))
	runner.RegisterHandler("progress_write", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})

	time.Sleep(time.Millisecond)
	n, err := runner.RecoverStaleJobs()
	if err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}

	runner.RunOnce(context.Background())
	runner.RunOnce(context.Background())

	if got := atomic.LoadInt32(&executed); got != 1 {
		t.Errorf("expected 1 execution after restart, got %d", got)
	}
	job, err := s2.GetJob(jobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob = %v, %v", job, err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("expected job status done, got %q", job.Status)
	}
}

func TestEnqueueJobDedupeRefreshesPayload(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runAt := time.Now().Add(time.Hour)
			id1, err := s.EnqueueJob("progress_write", runAt, `{"v":1}`, "p1:exp-1")
			if err != nil {
				t.Fatalf("EnqueueJob failed: %v", err)
			}
			id2, err := s.EnqueueJob("progress_write", runAt, `{"v":2}`, "p1:exp-1")
			if err != nil {
				t.Fatalf("EnqueueJob (dup) failed: %v", err)
			}
			if id1 != id2 {
				t.Fatalf("expected dedupe to return %s, got %s", id1, id2)
			}
			job, err := s.GetJob(id1)
			if err != nil || job == nil {
				t.Fatalf("GetJob = %v, %v", job, err)
			}
			if job.PayloadJSON != `{"v":2}` {
				t.Errorf("payload = %s, want newest", job.PayloadJSON)
			}

			if err := s.CancelJob(id1); err != nil {
				t.Fatalf("CancelJob failed: %v", err)
			}
			id3, err := s.EnqueueJob("progress_write", runAt, `{"v":3}`, "p1:exp-1")
			if err != nil {
				t.Fatalf("EnqueueJob after cancel failed: %v", err)
			}
			if id3 == id1 {
				t.Error("canceled job must not absorb new work")
			}
		})
	}
}

func TestJobRunnerRetriesThenGivesUp(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var calls int32
			runner := NewJobRunner(s, time.Millisecond, WithRetryBackoff(time.Nanosecond, time.Nanosecond))
			runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
				atomic.AddInt32(&calls, 1)
				return errors.New("store unavailable")
			})
			id, err := s.EnqueueJob("flaky", time.Now(), "{}", "")
			if err != nil {
				t.Fatalf("EnqueueJob failed: %v", err)
			}
			for i := 0; i < DefaultJobMaxAttempts+2; i++ {
				time.Sleep(time.Millisecond)
				runner.RunOnce(context.Background())
			}
			if got := atomic.LoadInt32(&calls); got != DefaultJobMaxAttempts {
				t.Errorf("handler calls = %d, want %d", got, DefaultJobMaxAttempts)
			}
			job, err := s.GetJob(id)
			if err != nil || job == nil {
				t.Fatalf("GetJob = %v, %v", job, err)
			}
			if job.Status != JobStatusFailed || job.LastError != "store unavailable" {
				t.Errorf("job = %+v, want failed with last error", job)
			}
		})
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	r := NewJobRunner(NewInMemoryStore(), time.Second, WithRetryBackoff(time.Second, 10*time.Second))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, w := range want {
		if got := r.retryDelay(attempt); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}
