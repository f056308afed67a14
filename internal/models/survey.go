// Package models defines survey answers and their validation.
package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// AnswerSet maps question id to an answer. Values are string (text,
// textarea, multipleChoice), []string (checkboxes) or float64 (scale).
type AnswerSet map[string]any

// SurveyResponse is the answer map one participant submitted for one survey stage.
type SurveyResponse struct {
	ParticipantID string    `json:"participantId"`
	ExperimentID  string    `json:"experimentId"`
	StageID       string    `json:"stageId"`
	Answers       AnswerSet `json:"answers"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// ValidationError lists the questions that block a survey submission.
type ValidationError struct {
	StageID string            `json:"stageId"`
	Missing []string          `json:"missing,omitempty"`
	Invalid map[string]string `json:"invalid,omitempty"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		parts = append(parts, "unanswered required questions: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		ids := make([]string, 0, len(e.Invalid))
		for id := range e.Invalid {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts = append(parts, "invalid answers: "+strings.Join(ids, ", "))
	}
	return fmt.Sprintf("survey %s: %s", e.StageID, strings.Join(parts, "; "))
}

// Normalize converts JSON-decoded values into the canonical Go types:
// []any of strings becomes []string and integer kinds become float64.
// A list holding anything but strings is kept as is so validation rejects it.
func (a AnswerSet) Normalize() AnswerSet {
	out := make(AnswerSet, len(a))
	for k, v := range a {
		switch val := v.(type) {
		case []any:
			if ss, ok := stringItems(val); ok {
				out[k] = ss
			} else {
				out[k] = val
			}
		case []string:
			out[k] = append([]string{}, val...)
		case int:
			out[k] = float64(val)
		case int64:
			out[k] = float64(val)
		case float32:
			out[k] = float64(val)
		default:
			out[k] = v
		}
	}
	return out
}

func stringItems(items []any) ([]string, bool) {
	ss := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		ss = append(ss, s)
	}
	return ss, true
}

// isAnswered reports whether v counts as a non-empty answer.
func isAnswered(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case []string:
		return len(val) > 0
	case []any:
		return len(val) > 0
	case float64:
		return !math.IsNaN(val)
	default:
		return false
	}
}

// ValidateAnswers checks answers against the survey's questions. Every
// required question must be answered; answered questions must have the
// value shape their type expects. A nil return means the set can be submitted.
func (c *SurveyConfig) ValidateAnswers(stageID string, answers AnswerSet) *ValidationError {
	verr := &ValidationError{StageID: stageID}
	for _, q := range c.Questions {
		v, present := answers[q.ID]
		if !present || !isAnswered(v) {
			if q.Required {
				verr.Missing = append(verr.Missing, q.ID)
			}
			continue
		}
		if msg := checkShape(q, v); msg != "" {
			if verr.Invalid == nil {
				verr.Invalid = make(map[string]string)
			}
			verr.Invalid[q.ID] = msg
		}
	}
	if len(verr.Missing) == 0 && len(verr.Invalid) == 0 {
		return nil
	}
	return verr
}

func checkShape(q Question, v any) string {
	switch q.Type {
	case QuestionTypeText, QuestionTypeTextarea:
		if _, ok := v.(string); !ok {
			return "expected text"
		}
	case QuestionTypeMultipleChoice:
		s, ok := v.(string)
		if !ok {
			return "expected a single option"
		}
		if !containsString(q.Options, s) {
			return "unknown option"
		}
	case QuestionTypeCheckboxes:
		ss, ok := v.([]string)
		if !ok {
			return "expected a list of options"
		}
		for _, s := range ss {
			if !containsString(q.Options, s) {
				return "unknown option"
			}
		}
	case QuestionTypeScale:
		f, ok := v.(float64)
		if !ok {
			return "expected a number"
		}
		lo, hi := q.Bounds()
		if f < float64(lo) || f > float64(hi) {
			return "out of range"
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
