// Package telemetry records operator-facing metrics for the experiment
// runtime: data-source retries, fallback substitution, progress write
// failures and stage/session completions.
package telemetry

import (
	"context"
	"time"
)

// Recorder is the metrics sink used by the runtime. Implementations must be
// safe for concurrent use.
type Recorder interface {
	// FetchAttempt records one attempt against the scenario/wallet data source.
	FetchAttempt(ctx context.Context, resource string, attempt int, err error)
	// FallbackUsed records that built-in sample data replaced real data.
	FallbackUsed(ctx context.Context, resource, reason string)
	// ProgressWriteFailed records a progress write that was deferred to the background.
	ProgressWriteFailed(ctx context.Context, experimentID string)
	// StageCompleted records a participant passing a stage gate.
	StageCompleted(ctx context.Context, experimentID string, stageType string)
	// SessionCompleted records a participant reaching the end of an experiment.
	SessionCompleted(ctx context.Context, experimentID string, elapsed time.Duration)
	Close(ctx context.Context) error
}

// NoOp is a Recorder that does nothing.
type NoOp struct{}

// NewNoOp creates a recorder for when metrics export is disabled.
func NewNoOp() *NoOp {
	return &NoOp{}
}

func (NoOp) FetchAttempt(context.Context, string, int, error)        {}
func (NoOp) FallbackUsed(context.Context, string, string)            {}
func (NoOp) ProgressWriteFailed(context.Context, string)             {}
func (NoOp) StageCompleted(context.Context, string, string)          {}
func (NoOp) SessionCompleted(context.Context, string, time.Duration) {}
func (NoOp) Close(context.Context) error                             { return nil }
