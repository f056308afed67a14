package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

// JobKindProgressWrite re-applies a progress record whose foreground write failed.
const JobKindProgressWrite = "progress_write"

// ProgressWritePayload is the JSON payload for progress_write jobs.
type ProgressWritePayload struct {
	Progress models.ParticipantProgress `json:"progress"`
	Reason   string                     `json:"reason,omitempty"`
}

// progressDedupeKey keeps at most one pending retry per participant and experiment.
func progressDedupeKey(participantID, experimentID string) string {
	return "progress:" + participantID + ":" + experimentID
}

// RegisterJobHandlers registers all flow-related job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, st store.Store) {
	runner.RegisterHandler(JobKindProgressWrite, makeProgressWriteHandler(st))
}

func makeProgressWriteHandler(st store.Store) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p ProgressWritePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid progress_write payload: %w", err)
		}
		rec := p.Progress
		if rec.ParticipantID == "" || rec.ExperimentID == "" {
			return fmt.Errorf("invalid progress_write payload: missing participant or experiment")
		}
		slog.Info("JobHandler.progress_write: executing", "participantID", rec.ParticipantID, "experimentID", rec.ExperimentID, "status", rec.Status)

		// Safe to repeat: the store merges, so an older record never regresses a newer one.
		merged, err := st.SaveProgress(ctx, rec)
		if err != nil {
			return fmt.Errorf("progress write failed: %w", err)
		}
		slog.Info("JobHandler.progress_write: applied", "participantID", rec.ParticipantID, "experimentID", rec.ExperimentID, "status", merged.Status, "currentStageID", merged.CurrentStageID)
		return nil
	}
}
