// Package scheduler runs LabLab's periodic maintenance on cron expressions.
//
// Its main job is reaping participant sessions that were abandoned
// mid-stage: a session keeps its countdown and fetch goroutines alive until
// it is closed, and participants who simply close the browser never close it.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance defaults.
const (
	// DefaultSweepSchedule runs the idle-session sweep every five minutes.
	DefaultSweepSchedule = "*/5 * * * *"
	// DefaultSessionIdleTimeout is how long a session may go unopened before it is reaped.
	DefaultSessionIdleTimeout = 2 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. A panicking job is
// logged and does not stop the scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow).
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// IdleCloser closes sessions that have not been used since a cutoff.
type IdleCloser interface {
	CloseIdle(cutoff time.Time) int
}

// SweepIdleSessions returns a job closing sessions idle for longer than maxIdle.
func SweepIdleSessions(sessions IdleCloser, maxIdle time.Duration) func() {
	if maxIdle <= 0 {
		maxIdle = DefaultSessionIdleTimeout
	}
	return func() {
		n := sessions.CloseIdle(time.Now().Add(-maxIdle))
		slog.Debug("scheduler.SweepIdleSessions: sweep finished", "closed", n, "maxIdle", maxIdle)
	}
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
