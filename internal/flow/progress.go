package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
	"github.com/BTreeMap/LabLab/internal/telemetry"
)

// DefaultProgressRetryDelay is how long a failed progress write waits before
// its first background retry.
const DefaultProgressRetryDelay = 5 * time.Second

// ProgressWriter persists participant progress. Each write is attempted once
// in the foreground; a failure is logged, counted and handed to the durable
// job queue, and never blocks the participant.
type ProgressWriter struct {
	st         store.Store
	jobs       store.JobRepo
	recorder   telemetry.Recorder
	retryDelay time.Duration
	timeout    time.Duration
}

// ProgressWriterOption configures a ProgressWriter.
type ProgressWriterOption func(*ProgressWriter)

// WithJobRepo enables background retries through the durable job queue.
func WithJobRepo(jobs store.JobRepo) ProgressWriterOption {
	return func(w *ProgressWriter) { w.jobs = jobs }
}

// WithProgressRecorder sets the metrics sink for failed writes.
func WithProgressRecorder(r telemetry.Recorder) ProgressWriterOption {
	return func(w *ProgressWriter) {
		if r != nil {
			w.recorder = r
		}
	}
}

// WithProgressRetryDelay sets the delay before the first background retry.
func WithProgressRetryDelay(d time.Duration) ProgressWriterOption {
	return func(w *ProgressWriter) {
		if d >= 0 {
			w.retryDelay = d
		}
	}
}

// WithProgressWriteTimeout bounds the foreground write. A write that times
// out is retried in the background like any other failure.
func WithProgressWriteTimeout(d time.Duration) ProgressWriterOption {
	return func(w *ProgressWriter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewProgressWriter creates a ProgressWriter over st.
func NewProgressWriter(st store.Store, opts ...ProgressWriterOption) *ProgressWriter {
	w := &ProgressWriter{
		st:         st,
		recorder:   telemetry.NewNoOp(),
		retryDelay: DefaultProgressRetryDelay,
		timeout:    DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write saves p and returns the merged record. On failure it returns a
// *PersistenceError together with p itself, after scheduling a retry.
func (w *ProgressWriter) Write(ctx context.Context, p models.ParticipantProgress) (models.ParticipantProgress, error) {
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	merged, err := w.st.SaveProgress(wctx, p)
	cancel()
	if err == nil {
		slog.Debug("ProgressWriter.Write: saved", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "status", merged.Status, "currentStageID", merged.CurrentStageID)
		return merged, nil
	}

	slog.Error("ProgressWriter.Write: save failed, deferring to background", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "status", p.Status, "error", err)
	w.recorder.ProgressWriteFailed(ctx, p.ExperimentID)
	w.scheduleRetry(p, err)
	return p, &PersistenceError{Target: TargetProgress, Err: err}
}

func (w *ProgressWriter) scheduleRetry(p models.ParticipantProgress, cause error) {
	if w.jobs == nil {
		slog.Warn("ProgressWriter.scheduleRetry: no job queue configured, write dropped", "participantID", p.ParticipantID, "experimentID", p.ExperimentID)
		return
	}
	payload, err := json.Marshal(ProgressWritePayload{Progress: p, Reason: cause.Error()})
	if err != nil {
		slog.Error("ProgressWriter.scheduleRetry: marshal failed", "participantID", p.ParticipantID, "error", err)
		return
	}
	id, err := w.jobs.EnqueueJob(JobKindProgressWrite, time.Now().Add(w.retryDelay), string(payload), progressDedupeKey(p.ParticipantID, p.ExperimentID))
	if err != nil {
		slog.Error("ProgressWriter.scheduleRetry: enqueue failed", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "error", err)
		return
	}
	slog.Info("ProgressWriter.scheduleRetry: retry scheduled", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "jobID", id, "delay", w.retryDelay)
}
