// Package recovery restores LabLab's durable state after a restart.
//
// Participant sessions are rebuilt on demand from stored progress, so the
// work done here is limited to infrastructure: requeueing background jobs a
// crashed process left running and auditing what participants will resume
// into. Components register a Recoverable and the manager runs them once at
// startup, before the HTTP server accepts traffic.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LabLab/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store  store.Store
	runner *store.JobRunner
	report Report
}

// Report summarizes one recovery pass.
type Report struct {
	RequeuedJobs       int
	InProgress         int
	Completed          int
	InvalidExperiments []string
	ExperimentsAudited int
}

// NewRecoveryRegistry creates a new recovery registry. runner may be nil
// when no durable job runner is configured.
func NewRecoveryRegistry(st store.Store, runner *store.JobRunner) *RecoveryRegistry {
	return &RecoveryRegistry{store: st, runner: runner}
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// GetRunner provides access to the durable job runner, or nil.
func (r *RecoveryRegistry) GetRunner() *store.JobRunner {
	return r.runner
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store, runner *store.JobRunner) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st, runner),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll performs recovery of all registered components. Every component
// runs even when an earlier one fails.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) (Report, error) {
	slog.Info("RecoveryManager.RecoverAll: starting recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return rm.registry.report, err
		}
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	report := rm.registry.report
	slog.Info("RecoveryManager.RecoverAll: recovery completed",
		"recovered", recoveredCount,
		"errors", errorCount,
		"requeuedJobs", report.RequeuedJobs,
		"inProgress", report.InProgress,
		"completed", report.Completed,
		"invalidExperiments", len(report.InvalidExperiments))

	if errorCount > 0 {
		return report, fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return report, nil
}
