package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob(DefaultSweepSchedule, func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("every tuesday", func() {}); err == nil {
		t.Error("Expected an error for an invalid expression")
	}
	// Seconds are not part of the 5-field format.
	if err := s.AddJob("*/5 * * * * *", func() {}); err == nil {
		t.Error("Expected an error for a 6-field expression")
	}
}

type fakeCloser struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakeCloser) CloseIdle(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0
}

func TestSweepIdleSessionsUsesCutoff(t *testing.T) {
	f := &fakeCloser{}
	before := time.Now()
	SweepIdleSessions(f, time.Hour)()
	SweepIdleSessions(f, 0)()

	if len(f.cutoffs) != 2 {
		t.Fatalf("expected two sweeps, got %d", len(f.cutoffs))
	}
	if got := before.Sub(f.cutoffs[0]); got > time.Hour || got < time.Hour-time.Second {
		t.Errorf("expected a cutoff one hour back, got %v", got)
	}
	if got := before.Sub(f.cutoffs[1]); got < DefaultSessionIdleTimeout-time.Second {
		t.Errorf("a non-positive timeout should use the default, got %v", got)
	}
}
