package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LabLab/internal/models"
)

// StaleJobRecovery requeues durable jobs left in the running state by a
// process that died mid-job, such as a background progress write.
type StaleJobRecovery struct{}

// RecoverState implements Recoverable.
func (StaleJobRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	runner := registry.GetRunner()
	if runner == nil {
		slog.Debug("StaleJobRecovery.RecoverState: no job runner configured")
		return nil
	}
	n, err := runner.RecoverStaleJobs()
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	registry.report.RequeuedJobs += n
	if n > 0 {
		slog.Info("StaleJobRecovery.RecoverState: requeued stale jobs", "count", n)
	}
	return nil
}

// ExperimentAudit validates every stored experiment and counts the
// participants who will resume into each one. An invalid experiment is
// reported, not repaired: its participants get a load error until it is
// fixed.
type ExperimentAudit struct{}

// RecoverState implements Recoverable.
func (ExperimentAudit) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	st := registry.GetStore()
	exps, err := st.ListExperiments(ctx)
	if err != nil {
		return fmt.Errorf("list experiments: %w", err)
	}

	for i := range exps {
		if err := ctx.Err(); err != nil {
			return err
		}
		exp := &exps[i]
		registry.report.ExperimentsAudited++
		if err := exp.Validate(); err != nil {
			slog.Warn("ExperimentAudit.RecoverState: invalid experiment definition", "experimentID", exp.ID, "error", err)
			registry.report.InvalidExperiments = append(registry.report.InvalidExperiments, exp.ID)
			continue
		}

		records, err := st.ListProgress(ctx, exp.ID)
		if err != nil {
			return fmt.Errorf("list progress for %s: %w", exp.ID, err)
		}
		inProgress := 0
		for _, rec := range records {
			switch rec.Status {
			case models.ProgressInProgress:
				inProgress++
				if rec.CurrentStageID != "" && exp.StageIndex(rec.CurrentStageID) < 0 {
					slog.Warn("ExperimentAudit.RecoverState: participant stage no longer exists", "experimentID", exp.ID, "participantID", rec.ParticipantID, "stageID", rec.CurrentStageID)
				}
			case models.ProgressCompleted:
				registry.report.Completed++
			}
		}
		registry.report.InProgress += inProgress
		if inProgress > 0 {
			slog.Info("ExperimentAudit.RecoverState: participants awaiting resume", "experimentID", exp.ID, "count", inProgress)
		}
	}
	return nil
}
