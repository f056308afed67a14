// Package models defines experiment and stage definitions.
package models

import (
	"errors"
	"fmt"
	"time"
)

// StageType discriminates the Stage tagged union.
type StageType string

const (
	// StageTypeInstructions shows static content that only needs acknowledgement.
	StageTypeInstructions StageType = "instructions"
	// StageTypeBreak is a fixed countdown.
	StageTypeBreak StageType = "break"
	// StageTypeScenario runs a timed market simulation over several rounds.
	StageTypeScenario StageType = "scenario"
	// StageTypeSurvey collects answers to a list of questions.
	StageTypeSurvey StageType = "survey"
)

// QuestionType identifies how a survey question is answered.
type QuestionType string

const (
	QuestionTypeText           QuestionType = "text"
	QuestionTypeTextarea       QuestionType = "textarea"
	QuestionTypeMultipleChoice QuestionType = "multipleChoice"
	QuestionTypeCheckboxes     QuestionType = "checkboxes"
	QuestionTypeScale          QuestionType = "scale"
)

// Validation constants for experiment definitions
const (
	// MaxStagesCount bounds the number of stages an experiment may declare
	MaxStagesCount = 200
	// MaxQuestionsPerSurvey bounds the number of questions in a survey stage
	MaxQuestionsPerSurvey = 100
	// DefaultScaleMin is used when a scale question omits its bounds
	DefaultScaleMin = 1
	// DefaultScaleMax is used when a scale question omits its bounds
	DefaultScaleMax = 7
)

// Error variables for experiment validation
var (
	ErrEmptyExperimentID   = errors.New("experiment id cannot be empty")
	ErrNoStages            = errors.New("experiment must declare at least one stage")
	ErrTooManyStages       = errors.New("experiment declares too many stages")
	ErrEmptyStageID        = errors.New("stage id cannot be empty")
	ErrDuplicateStageID    = errors.New("duplicate stage id")
	ErrInvalidStageType    = errors.New("invalid stage type")
	ErrMissingStagePayload = errors.New("stage payload does not match its type")
	ErrInvalidBreak        = errors.New("break duration must be positive")
	ErrMissingScenarioID   = errors.New("scenario stage requires a scenario id")
	ErrEmptySurvey         = errors.New("survey stage requires at least one question")
	ErrTooManyQuestions    = errors.New("survey declares too many questions")
	ErrInvalidQuestion     = errors.New("invalid survey question")
	ErrUnknownStartStage   = errors.New("start stage id does not reference a stage")
)

// IsValidStageType checks if the given stage type is supported.
func IsValidStageType(t StageType) bool {
	switch t {
	case StageTypeInstructions, StageTypeBreak, StageTypeScenario, StageTypeSurvey:
		return true
	default:
		return false
	}
}

// IsValidQuestionType checks if the given question type is supported.
func IsValidQuestionType(t QuestionType) bool {
	switch t {
	case QuestionTypeText, QuestionTypeTextarea, QuestionTypeMultipleChoice, QuestionTypeCheckboxes, QuestionTypeScale:
		return true
	default:
		return false
	}
}

// Experiment is an administrator-owned, ordered list of stages.
type Experiment struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description"`
	Stages       []Stage   `json:"stages" yaml:"stages"`
	StartStageID string    `json:"startStageId,omitempty" yaml:"startStageId"`
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"-"`
}

// Stage is one unit of participant-facing content. Exactly one of the
// payload pointers is set, selected by Type.
type Stage struct {
	ID              string    `json:"id" yaml:"id"`
	Type            StageType `json:"type" yaml:"type"`
	Title           string    `json:"title" yaml:"title"`
	Description     string    `json:"description,omitempty" yaml:"description"`
	DurationSeconds int       `json:"durationSeconds,omitempty" yaml:"durationSeconds"` // hint shown in the preview
	Order           int       `json:"order" yaml:"order"`
	Required        bool      `json:"required" yaml:"required"`
	Branches        []string  `json:"branches,omitempty" yaml:"branches"` // carried, not interpreted

	Instructions *InstructionsContent `json:"instructions,omitempty" yaml:"instructions"`
	Break        *BreakConfig         `json:"break,omitempty" yaml:"break"`
	Scenario     *ScenarioRef         `json:"scenario,omitempty" yaml:"scenario"`
	Survey       *SurveyConfig        `json:"survey,omitempty" yaml:"survey"`
}

// InstructionsContent is a static markdown block.
type InstructionsContent struct {
	Content string `json:"content" yaml:"content"`
}

// BreakConfig configures a fixed countdown.
type BreakConfig struct {
	DurationSeconds int    `json:"durationSeconds" yaml:"durationSeconds"`
	Message         string `json:"message,omitempty" yaml:"message"`
}

// ScenarioRef points a stage at scenario data served by the market data source.
// WalletID, when set, overrides the scenario's own wallet and lets both be
// fetched at once.
type ScenarioRef struct {
	ScenarioID string `json:"scenarioId" yaml:"scenarioId"`
	WalletID   string `json:"walletId,omitempty" yaml:"walletId"`
}

// SurveyConfig holds the ordered questions of a survey stage.
type SurveyConfig struct {
	Questions []Question `json:"questions" yaml:"questions"`
}

// Question is a single survey item.
type Question struct {
	ID       string       `json:"id" yaml:"id"`
	Type     QuestionType `json:"type" yaml:"type"`
	Text     string       `json:"text" yaml:"text"`
	Required bool         `json:"required" yaml:"required"`
	Options  []string     `json:"options,omitempty" yaml:"options"`
	ScaleMin int          `json:"scaleMin,omitempty" yaml:"scaleMin"`
	ScaleMax int          `json:"scaleMax,omitempty" yaml:"scaleMax"`
}

// Bounds returns the inclusive numeric range of a scale question.
func (q Question) Bounds() (int, int) {
	lo, hi := q.ScaleMin, q.ScaleMax
	if lo == 0 && hi == 0 {
		return DefaultScaleMin, DefaultScaleMax
	}
	return lo, hi
}

// Validate checks that the experiment can be run.
func (e *Experiment) Validate() error {
	if e.ID == "" {
		return ErrEmptyExperimentID
	}
	if len(e.Stages) == 0 {
		return ErrNoStages
	}
	if len(e.Stages) > MaxStagesCount {
		return ErrTooManyStages
	}
	seen := make(map[string]bool, len(e.Stages))
	for i := range e.Stages {
		st := &e.Stages[i]
		if err := st.Validate(); err != nil {
			return fmt.Errorf("stage %d (%s): %w", i, st.ID, err)
		}
		if seen[st.ID] {
			return fmt.Errorf("stage %s: %w", st.ID, ErrDuplicateStageID)
		}
		seen[st.ID] = true
	}
	if e.StartStageID != "" && !seen[e.StartStageID] {
		return ErrUnknownStartStage
	}
	return nil
}

// StageIndex returns the position of the stage with the given id, or -1.
func (e *Experiment) StageIndex(stageID string) int {
	for i := range e.Stages {
		if e.Stages[i].ID == stageID {
			return i
		}
	}
	return -1
}

// Validate checks that the stage's payload matches its type.
func (s *Stage) Validate() error {
	if s.ID == "" {
		return ErrEmptyStageID
	}
	if !IsValidStageType(s.Type) {
		return ErrInvalidStageType
	}
	if s.payloadCount() > 1 {
		return ErrMissingStagePayload
	}

	switch s.Type {
	case StageTypeInstructions:
		if s.Instructions == nil {
			return ErrMissingStagePayload
		}
	case StageTypeBreak:
		if s.Break == nil {
			return ErrMissingStagePayload
		}
		if s.Break.DurationSeconds <= 0 {
			return ErrInvalidBreak
		}
	case StageTypeScenario:
		if s.Scenario == nil {
			return ErrMissingStagePayload
		}
		if s.Scenario.ScenarioID == "" {
			return ErrMissingScenarioID
		}
	case StageTypeSurvey:
		if s.Survey == nil {
			return ErrMissingStagePayload
		}
		return s.Survey.validate()
	}
	return nil
}

// payloadCount returns how many of the per-type payloads are set.
func (s *Stage) payloadCount() int {
	n := 0
	if s.Instructions != nil {
		n++
	}
	if s.Break != nil {
		n++
	}
	if s.Scenario != nil {
		n++
	}
	if s.Survey != nil {
		n++
	}
	return n
}

func (c *SurveyConfig) validate() error {
	if len(c.Questions) == 0 {
		return ErrEmptySurvey
	}
	if len(c.Questions) > MaxQuestionsPerSurvey {
		return ErrTooManyQuestions
	}
	ids := make(map[string]bool, len(c.Questions))
	for _, q := range c.Questions {
		if q.ID == "" || ids[q.ID] || !IsValidQuestionType(q.Type) {
			return fmt.Errorf("%w: %q", ErrInvalidQuestion, q.ID)
		}
		ids[q.ID] = true
		switch q.Type {
		case QuestionTypeMultipleChoice, QuestionTypeCheckboxes:
			if len(q.Options) == 0 {
				return fmt.Errorf("%w: %q has no options", ErrInvalidQuestion, q.ID)
			}
		case QuestionTypeScale:
			if lo, hi := q.Bounds(); lo >= hi {
				return fmt.Errorf("%w: %q has an empty scale", ErrInvalidQuestion, q.ID)
			}
		}
	}
	return nil
}
