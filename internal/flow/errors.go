package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrGateUnsatisfied rejects an advance while the current stage's gate is still closed.
	ErrGateUnsatisfied = errors.New("stage gate not satisfied")
	// ErrNotRunning rejects stage actions outside the running phase.
	ErrNotRunning = errors.New("session is not running")
	// ErrStageMismatch rejects an action addressed to a stage that is not current.
	ErrStageMismatch = errors.New("stage is not the current stage")
	// ErrNotApplicable rejects an action the current stage type does not support.
	ErrNotApplicable = errors.New("action does not apply to this stage")
	// ErrSkipNotAllowed rejects a skip unless the scenario could not be loaded at all.
	ErrSkipNotAllowed = errors.New("stage can only be skipped when its scenario failed to load")
	// ErrSessionClosed is returned for any call after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyStarted rejects Begin outside the welcome phase.
	ErrAlreadyStarted = errors.New("session already started")
)

// LoadErrorKind says why an experiment definition could not be loaded.
type LoadErrorKind string

const (
	LoadErrorNotFound    LoadErrorKind = "not_found"
	LoadErrorUnreachable LoadErrorKind = "unreachable"
	LoadErrorInvalid     LoadErrorKind = "invalid"
)

// LoadError is fatal to starting a run. Callers offer a retry; no substitute
// definition is ever used.
type LoadError struct {
	Kind         LoadErrorKind
	ExperimentID string
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load experiment %s (%s): %v", e.ExperimentID, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same load can succeed.
func (e *LoadError) Retryable() bool {
	return e.Kind == LoadErrorUnreachable
}

// Persistence targets.
const (
	TargetProgress = "progress"
	TargetSurvey   = "survey"
)

// PersistenceError reports a failed progress or survey write. Survey failures
// block advancement; progress failures are retried in the background.
type PersistenceError struct {
	Target string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s write failed: %v", e.Target, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
