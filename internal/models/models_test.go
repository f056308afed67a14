package models

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPriceAtClampsRound(t *testing.T) {
	s := AssetPriceSeries{Symbol: "ACME", Prices: []float64{10, 11, 12, 13}}
	tests := []struct {
		round int
		want  float64
	}{
		{0, 10},
		{1, 10},
		{4, 13},
		{5, 13},
		{100, 13},
	}
	for _, tt := range tests {
		if got := s.PriceAt(tt.round); got != tt.want {
			t.Errorf("PriceAt(%d) = %v, want %v", tt.round, got, tt.want)
		}
	}
	if got := (AssetPriceSeries{}).PriceAt(3); got != 0 {
		t.Errorf("empty series PriceAt = %v, want 0", got)
	}
}

func TestProgressMergeNeverRegressesStatus(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stored := ParticipantProgress{
		ParticipantID:   "p1",
		ExperimentID:    "e1",
		Status:          ProgressCompleted,
		CompletedStages: []string{"a", "b"},
		CompletedAt:     &t0,
		LastActivityAt:  t0,
	}
	stale := ParticipantProgress{
		ParticipantID:   "p1",
		ExperimentID:    "e1",
		Status:          ProgressInProgress,
		CurrentStageID:  "b",
		CompletedStages: []string{"a"},
		LastActivityAt:  t0.Add(-time.Minute),
	}

	got := stored.Merge(stale)
	if got.Status != ProgressCompleted {
		t.Fatalf("status regressed to %q", got.Status)
	}
	if !got.CompletedAt.Equal(t0) {
		t.Errorf("completedAt changed: %v", got.CompletedAt)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got.CompletedStages); diff != "" {
		t.Errorf("completed stages mismatch (-want +got):\n%s", diff)
	}
}

func TestProgressMergeIgnoresOlderCurrentStage(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stored := ParticipantProgress{
		Status:          ProgressInProgress,
		CurrentStageID:  "c",
		CompletedStages: []string{"a", "b"},
		LastActivityAt:  t0,
	}
	older := ParticipantProgress{
		Status:          ProgressInProgress,
		CurrentStageID:  "b",
		CompletedStages: []string{"a"},
		LastActivityAt:  t0.Add(-time.Second),
	}
	got := stored.Merge(older)
	if got.CurrentStageID != "c" {
		t.Errorf("currentStageId = %q, want c", got.CurrentStageID)
	}

	newer := ParticipantProgress{
		Status:          ProgressCompleted,
		CompletedStages: []string{"a", "b", "c"},
		LastActivityAt:  t0.Add(time.Second),
	}
	got = got.Merge(newer)
	if got.Status != ProgressCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", got)
	}
	if got.CurrentStageID != "" {
		t.Errorf("completed record should not point at a stage, got %q", got.CurrentStageID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got.CompletedStages); diff != "" {
		t.Errorf("completed stages mismatch (-want +got):\n%s", diff)
	}
}

func surveyFixture() *SurveyConfig {
	return &SurveyConfig{Questions: []Question{
		{ID: "name", Type: QuestionTypeText, Required: true},
		{ID: "notes", Type: QuestionTypeTextarea},
		{ID: "color", Type: QuestionTypeMultipleChoice, Required: true, Options: []string{"red", "blue"}},
		{ID: "tools", Type: QuestionTypeCheckboxes, Required: true, Options: []string{"a", "b", "c"}},
		{ID: "risk", Type: QuestionTypeScale, Required: true, ScaleMin: 1, ScaleMax: 5},
	}}
}

func TestValidateAnswersRequiredAndOptional(t *testing.T) {
	cfg := surveyFixture()
	ok := AnswerSet{
		"name":  "Ada",
		"color": "red",
		"tools": []string{"a", "c"},
		"risk":  float64(3),
	}
	if verr := cfg.ValidateAnswers("s1", ok); verr != nil {
		t.Fatalf("unexpected validation error: %v", verr)
	}

	empty := AnswerSet{
		"name":  "  ",
		"color": "",
		"tools": []string{},
	}
	verr := cfg.ValidateAnswers("s1", empty)
	if verr == nil {
		t.Fatal("expected validation error")
	}
	if diff := cmp.Diff([]string{"name", "color", "tools", "risk"}, verr.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	var target *ValidationError
	if !errors.As(error(verr), &target) {
		t.Error("ValidationError should satisfy errors.As")
	}
}

func TestValidateAnswersRejectsBadShapes(t *testing.T) {
	cfg := surveyFixture()
	bad := AnswerSet{
		"name":  "Ada",
		"color": "green",
		"tools": []string{"z"},
		"risk":  float64(9),
	}
	verr := cfg.ValidateAnswers("s1", bad)
	if verr == nil {
		t.Fatal("expected validation error")
	}
	for _, id := range []string{"color", "tools", "risk"} {
		if _, ok := verr.Invalid[id]; !ok {
			t.Errorf("expected %s to be flagged invalid", id)
		}
	}
}

func TestAnswerSetNormalize(t *testing.T) {
	raw := AnswerSet{
		"tools": []any{"a", "b"},
		"risk":  4,
		"name":  "x",
	}
	got := raw.Normalize()
	want := AnswerSet{"tools": []string{"a", "b"}, "risk": float64(4), "name": "x"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestMixedListAnswerIsReportedInvalid(t *testing.T) {
	cfg := surveyFixture()
	answers := AnswerSet{
		"name":  "Ada",
		"color": "red",
		"tools": []any{"a", 3.0},
		"risk":  float64(3),
	}.Normalize()
	if _, ok := answers["tools"].([]any); !ok {
		t.Fatalf("expected the mixed list to be kept, got %#v", answers["tools"])
	}
	verr := cfg.ValidateAnswers("s1", answers)
	if verr == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := verr.Invalid["tools"]; !ok {
		t.Errorf("expected tools to be flagged invalid, got %+v", verr)
	}
	if len(verr.Missing) != 0 {
		t.Errorf("a mixed list is an answer, got missing %v", verr.Missing)
	}
}

func TestExperimentValidate(t *testing.T) {
	exp := Experiment{
		ID: "e1",
		Stages: []Stage{
			{ID: "intro", Type: StageTypeInstructions, Instructions: &InstructionsContent{Content: "hi"}},
			{ID: "pause", Type: StageTypeBreak, Break: &BreakConfig{DurationSeconds: 5}},
			{ID: "market", Type: StageTypeScenario, Scenario: &ScenarioRef{ScenarioID: "sc1"}},
			{ID: "exit", Type: StageTypeSurvey, Survey: surveyFixture()},
		},
	}
	if err := exp.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exp.Stages[1].Break = nil
	if err := exp.Validate(); !errors.Is(err, ErrMissingStagePayload) {
		t.Errorf("expected ErrMissingStagePayload, got %v", err)
	}

	exp.Stages[1] = Stage{ID: "intro", Type: StageTypeBreak, Break: &BreakConfig{DurationSeconds: 1}}
	if err := exp.Validate(); !errors.Is(err, ErrDuplicateStageID) {
		t.Errorf("expected ErrDuplicateStageID, got %v", err)
	}
}

func TestStageValidateRejectsForeignPayload(t *testing.T) {
	cases := map[string]Stage{
		"break with survey": {ID: "s", Type: StageTypeBreak, Break: &BreakConfig{DurationSeconds: 5}, Survey: surveyFixture()},
		"instructions with scenario": {ID: "s", Type: StageTypeInstructions,
			Instructions: &InstructionsContent{Content: "hi"}, Scenario: &ScenarioRef{ScenarioID: "sc1"}},
		"survey with break":               {ID: "s", Type: StageTypeSurvey, Survey: surveyFixture(), Break: &BreakConfig{DurationSeconds: 5}},
		"scenario with only instructions": {ID: "s", Type: StageTypeScenario, Instructions: &InstructionsContent{Content: "hi"}},
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			if err := st.Validate(); !errors.Is(err, ErrMissingStagePayload) {
				t.Errorf("expected ErrMissingStagePayload, got %v", err)
			}
		})
	}
}
