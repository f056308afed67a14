package models

import "errors"

// Request validation errors.
var (
	ErrMissingExperimentID = errors.New("experiment_id is required")
	ErrMissingStageID      = errors.New("stage_id is required")
	ErrMissingAnswers      = errors.New("answers are required")
)

// CreateSessionRequest opens (or resumes) a participant session.
type CreateSessionRequest struct {
	ExperimentID string `json:"experiment_id"`
}

// Validate checks the request.
func (r CreateSessionRequest) Validate() error {
	if r.ExperimentID == "" {
		return ErrMissingExperimentID
	}
	return nil
}

// StageActionRequest addresses the stage an action applies to, so a stale
// client cannot act on a stage it is no longer showing.
type StageActionRequest struct {
	StageID string `json:"stage_id"`
}

// Validate checks the request.
func (r StageActionRequest) Validate() error {
	if r.StageID == "" {
		return ErrMissingStageID
	}
	return nil
}

// SurveySubmission carries the full answer map for one survey stage.
// StageID may be omitted when the stage comes from the URL.
type SurveySubmission struct {
	StageID string    `json:"stage_id,omitempty"`
	Answers AnswerSet `json:"answers"`
}

// Validate checks the request.
func (r SurveySubmission) Validate() error {
	if r.StageID == "" {
		return ErrMissingStageID
	}
	if r.Answers == nil {
		return ErrMissingAnswers
	}
	return nil
}
