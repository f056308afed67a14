package flow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

func TestAdvanceRejectedWhileGateUnsatisfied(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("intro"), breakStage("pause", 3600), surveyStage("exit",
		models.Question{ID: "q1", Type: models.QuestionTypeText, Required: true}))
	c := newTestController(t, st, "p1", "exp")

	if _, err := c.Advance(context.Background(), "intro"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("advance before Begin: expected ErrNotRunning, got %v", err)
	}
	if _, err := c.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	snap, err := c.Advance(context.Background(), "intro")
	if !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("expected ErrGateUnsatisfied, got %v", err)
	}
	if snap.StageIndex != 0 {
		t.Errorf("stage index moved to %d on a rejected advance", snap.StageIndex)
	}
	if _, err := c.Advance(context.Background(), "pause"); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch for a later stage, got %v", err)
	}
	if _, err := c.Acknowledge("pause"); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch acknowledging a later stage, got %v", err)
	}

	if _, err := c.Acknowledge("intro"); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if snap, err = c.Advance(context.Background(), "intro"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if snap.StageIndex != 1 {
		t.Fatalf("expected stage index 1, got %d", snap.StageIndex)
	}

	// The break has an hour left; neither advancing nor acknowledging opens it.
	if _, err := c.Acknowledge("pause"); !errors.Is(err, ErrNotApplicable) {
		t.Errorf("expected ErrNotApplicable, got %v", err)
	}
	if _, err := c.Skip(context.Background(), "pause"); !errors.Is(err, ErrSkipNotAllowed) {
		t.Errorf("expected ErrSkipNotAllowed, got %v", err)
	}
	snap, err = c.Advance(context.Background(), "pause")
	if !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("expected ErrGateUnsatisfied on the break, got %v", err)
	}
	if snap.StageIndex != 1 || c.Snapshot().StageIndex != 1 {
		t.Errorf("stage index moved on a rejected advance: %d", c.Snapshot().StageIndex)
	}
}

func TestExperimentRequiresEveryGate(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("intro"), breakStage("pause", 5), surveyStage("exit",
		models.Question{ID: "mood", Type: models.QuestionTypeText, Required: true}))
	c := newTestController(t, st, "p1", "exp", WithTickInterval(20*time.Millisecond))
	ctx := context.Background()

	if snap := c.Snapshot(); snap.Phase != PhaseWelcome || len(snap.Stages) != 3 {
		t.Fatalf("expected welcome with a three stage preview, got %s / %d", snap.Phase, len(snap.Stages))
	}
	if _, err := c.Begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := c.Begin(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	// (a) instructions need an acknowledgement
	if _, err := c.Advance(ctx, "intro"); !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("expected ErrGateUnsatisfied, got %v", err)
	}
	c.Acknowledge("intro")
	if _, err := c.Advance(ctx, "intro"); err != nil {
		t.Fatalf("Advance intro failed: %v", err)
	}

	// (b) the break must run down all five ticks
	snap := c.Snapshot()
	if snap.Gate == nil || snap.Gate.Satisfied {
		t.Fatalf("break gate should start closed: %+v", snap.Gate)
	}
	waitFor(t, c, "break to finish", gateSatisfied)
	if got := c.Snapshot().Gate.RemainingSeconds; got != 0 {
		t.Errorf("remaining = %d after the break", got)
	}
	if _, err := c.Advance(ctx, "pause"); err != nil {
		t.Fatalf("Advance pause failed: %v", err)
	}

	// (c) the required question must be answered
	var verr *models.ValidationError
	if _, err := c.SubmitSurvey(ctx, "exit", models.AnswerSet{"mood": "  "}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if diff := cmp.Diff([]string{"mood"}, verr.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if g := c.Snapshot().Gate; len(g.Missing) != 1 || g.Satisfied {
		t.Errorf("gate should show the missing question: %+v", g)
	}
	if _, err := c.Advance(ctx, "exit"); !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("expected ErrGateUnsatisfied, got %v", err)
	}
	if _, err := c.SubmitSurvey(ctx, "exit", models.AnswerSet{"mood": "fine"}); err != nil {
		t.Fatalf("SubmitSurvey failed: %v", err)
	}
	snap, err := c.Advance(ctx, "exit")
	if err != nil {
		t.Fatalf("Advance exit failed: %v", err)
	}
	if snap.Phase != PhaseDone {
		t.Fatalf("expected done, got %s", snap.Phase)
	}

	rec, err := st.GetProgress(t.Context(), "p1", "exp")
	if err != nil || rec == nil {
		t.Fatalf("GetProgress = %v, %v", rec, err)
	}
	if rec.Status != models.ProgressCompleted || rec.CompletedAt == nil || rec.StartedAt == nil {
		t.Errorf("unexpected final record: %+v", rec)
	}
	if diff := cmp.Diff([]string{"intro", "pause", "exit"}, rec.CompletedStages); diff != "" {
		t.Errorf("completed stages mismatch (-want +got):\n%s", diff)
	}
}

func TestProgressPersistedBeforeEachTransition(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("a"), instructionsStage("b"))
	c := newTestController(t, st, "p1", "exp")
	ctx := context.Background()

	c.Begin(ctx)
	rec, _ := st.GetProgress(t.Context(), "p1", "exp")
	if rec == nil || rec.Status != models.ProgressInProgress || rec.CurrentStageID != "a" {
		t.Fatalf("Begin should persist stage a as current, got %+v", rec)
	}

	c.Acknowledge("a")
	c.Advance(ctx, "a")
	rec, _ = st.GetProgress(t.Context(), "p1", "exp")
	if rec.CurrentStageID != "b" || !rec.HasCompleted("a") {
		t.Fatalf("Advance should persist b as current, got %+v", rec)
	}
	if snap := c.Snapshot(); snap.Stage == nil || snap.Stage.ID != rec.CurrentStageID {
		t.Errorf("local stage %v differs from persisted %s", snap.Stage, rec.CurrentStageID)
	}
}

func TestCompletionWrittenOnce(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("only"))
	c := newTestController(t, st, "p1", "exp")
	ctx := context.Background()

	c.Begin(ctx)
	c.Acknowledge("only")
	if _, err := c.Advance(ctx, "only"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if n := st.completionWrites(); n != 1 {
		t.Fatalf("expected one completion write, got %d", n)
	}
	first, _ := st.GetProgress(t.Context(), "p1", "exp")

	if _, err := c.Advance(ctx, "only"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second completion: expected ErrNotRunning, got %v", err)
	}
	c.mu.Lock()
	guarded := c.completionWritten
	c.mu.Unlock()
	if !guarded {
		t.Error("completion guard not set")
	}

	// Resuming a completed session re-enters Done without writing again.
	writes := st.writeCount()
	resumed := newTestController(t, st, "p1", "exp")
	if snap := resumed.Snapshot(); snap.Phase != PhaseDone {
		t.Fatalf("expected resumed session in done, got %s", snap.Phase)
	}
	if _, err := resumed.Begin(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted on a completed session, got %v", err)
	}
	if st.writeCount() != writes || st.completionWrites() != 1 {
		t.Errorf("resume wrote progress: %d -> %d writes", writes, st.writeCount())
	}
	second, _ := st.GetProgress(t.Context(), "p1", "exp")
	if !first.CompletedAt.Equal(*second.CompletedAt) {
		t.Errorf("completion timestamp changed: %v -> %v", first.CompletedAt, second.CompletedAt)
	}
}

func TestScenarioVisitsEveryRoundAndClampsPrices(t *testing.T) {
	st := newFlakyStore()
	st.SaveScenario(t.Context(), models.Scenario{
		ID:                   "sc",
		Rounds:               4,
		RoundDurationSeconds: 20,
		WalletID:             "w",
		AssetPrices: []models.AssetPriceSeries{
			{AssetID: "a", Symbol: "AAA", Prices: []float64{10, 11}},
		},
	})
	st.SaveWallet(t.Context(), models.Wallet{ID: "w", Assets: []models.WalletAsset{{ID: "a", Symbol: "AAA", Amount: 3}}})
	saveExperiment(t, st, "exp", scenarioStage("market", "sc"), instructionsStage("bye"))
	c := newTestController(t, st, "p1", "exp")
	ctx := context.Background()
	c.Begin(ctx)

	if _, err := c.Advance(ctx, "market"); !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("expected ErrGateUnsatisfied during rounds, got %v", err)
	}
	if _, err := c.Skip(ctx, "market"); !errors.Is(err, ErrSkipNotAllowed) {
		t.Fatalf("expected ErrSkipNotAllowed for a loaded scenario, got %v", err)
	}

	snap := waitFor(t, c, "all rounds", gateSatisfied)
	g := snap.Gate
	if g.RoundsPlayed != 4 || g.Round != 4 || g.TotalRounds != 4 {
		t.Fatalf("expected exactly 4 rounds, got played=%d round=%d total=%d", g.RoundsPlayed, g.Round, g.TotalRounds)
	}
	if g.Fallback || len(g.Notices) != 0 {
		t.Errorf("real data should not carry a fallback notice: %+v", g)
	}
	// Rounds 3 and 4 are past the two-price series and reuse the last price.
	if g.Portfolio == nil || !g.Portfolio.Total.Equal(decimal.NewFromInt(33)) {
		t.Errorf("expected clamped portfolio value 33, got %+v", g.Portfolio)
	}
	if g.Portfolio.Delta == nil || !g.Portfolio.Delta.IsZero() {
		t.Errorf("expected zero delta between clamped rounds, got %v", g.Portfolio.Delta)
	}
	if _, err := c.Advance(ctx, "market"); err != nil {
		t.Fatalf("Advance after all rounds failed: %v", err)
	}
}

func TestScenarioSettlesOnFallbackWhenSourceFails(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", scenarioStage("market", "sc"))
	src := &failingSource{}
	c := newTestController(t, st, "p1", "exp", WithFetcher(fastFetcher(src, marketdata.WithMaxAttempts(3))))
	ctx := context.Background()
	c.Begin(ctx)

	snap := waitFor(t, c, "fallback rounds", gateSatisfied)
	g := snap.Gate
	if !g.Fallback || len(g.Notices) != 1 || g.Notices[0] != marketdata.FallbackNotice {
		t.Errorf("expected the fallback notice, got %+v", g)
	}
	if g.RoundsPlayed != marketdata.FallbackRounds {
		t.Errorf("expected %d fallback rounds, got %d", marketdata.FallbackRounds, g.RoundsPlayed)
	}
	if n := src.callCount(); n != 3 {
		t.Errorf("expected the retry budget of 3 attempts, got %d", n)
	}
	if g.CanSkip || g.LoadFailed {
		t.Error("fallback data must not enable the skip escape hatch")
	}
	snap, err := c.Advance(ctx, "market")
	if err != nil || snap.Phase != PhaseDone {
		t.Fatalf("Advance = %s, %v", snap.Phase, err)
	}
}

func TestScenarioLoadFailureEnablesSkip(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", scenarioStage("market", "sc"), instructionsStage("bye"))
	src := &failingSource{err: marketdata.ErrServiceUnavailable}
	c := newTestController(t, st, "p1", "exp", WithFetcher(fastFetcher(src, marketdata.WithFallback(false))))
	ctx := context.Background()
	c.Begin(ctx)

	snap := waitFor(t, c, "load failure", func(s Snapshot) bool { return s.Gate != nil && s.Gate.LoadFailed })
	if !snap.Gate.CanSkip || snap.Gate.Satisfied {
		t.Fatalf("expected a skippable, unsatisfied gate: %+v", snap.Gate)
	}
	if _, err := c.Advance(ctx, "market"); !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("expected ErrGateUnsatisfied, got %v", err)
	}
	snap, err := c.Skip(ctx, "market")
	if err != nil {
		t.Fatalf("Skip failed: %v", err)
	}
	if snap.Stage == nil || snap.Stage.ID != "bye" {
		t.Fatalf("expected to land on bye, got %+v", snap.Stage)
	}
	rec, _ := st.GetProgress(t.Context(), "p1", "exp")
	if !rec.HasCompleted("market") || rec.CurrentStageID != "bye" {
		t.Errorf("unexpected record after skip: %+v", rec)
	}
}

func TestSurveyAnswersRoundTripThroughSQLite(t *testing.T) {
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "lablab.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	saveExperiment(t, st, "exp", surveyStage("all",
		models.Question{ID: "name", Type: models.QuestionTypeText, Required: true},
		models.Question{ID: "story", Type: models.QuestionTypeTextarea, Required: true},
		models.Question{ID: "pick", Type: models.QuestionTypeMultipleChoice, Required: true, Options: []string{"a", "b", "c"}},
		models.Question{ID: "many", Type: models.QuestionTypeCheckboxes, Required: true, Options: []string{"x", "y", "z"}},
		models.Question{ID: "rate", Type: models.QuestionTypeScale, Required: true, ScaleMin: 1, ScaleMax: 10},
	))
	c := newTestController(t, st, "p1", "exp")
	ctx := context.Background()
	c.Begin(ctx)

	submitted := models.AnswerSet{
		"name":  "Ada",
		"story": "line one\nline two, with \"quotes\" and ünicode",
		"pick":  "b",
		"many":  []any{"x", "z"},
		"rate":  7,
	}
	if _, err := c.SubmitSurvey(ctx, "all", submitted); err != nil {
		t.Fatalf("SubmitSurvey failed: %v", err)
	}

	got, err := st.GetSurveyResponse(t.Context(), "p1", "exp", "all")
	if err != nil || got == nil {
		t.Fatalf("GetSurveyResponse = %v, %v", got, err)
	}
	want := models.AnswerSet{
		"name":  "Ada",
		"story": "line one\nline two, with \"quotes\" and ünicode",
		"pick":  "b",
		"many":  []string{"x", "z"},
		"rate":  float64(7),
	}
	if diff := cmp.Diff(want, got.Answers); diff != "" {
		t.Errorf("answers changed on the way through storage (-want +got):\n%s", diff)
	}
}

func TestSurveyRequiredChoiceBoundaries(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", surveyStage("s",
		models.Question{ID: "pick", Type: models.QuestionTypeMultipleChoice, Required: true, Options: []string{"a", "b"}},
		models.Question{ID: "many", Type: models.QuestionTypeCheckboxes, Required: true, Options: []string{"x", "y"}},
		models.Question{ID: "extra", Type: models.QuestionTypeText},
	))
	c := newTestController(t, st, "p1", "exp")
	ctx := context.Background()
	c.Begin(ctx)

	var verr *models.ValidationError
	_, err := c.SubmitSurvey(ctx, "s", models.AnswerSet{"pick": "", "many": []any{}})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if diff := cmp.Diff([]string{"pick", "many"}, verr.Missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if got, _ := st.GetSurveyResponse(t.Context(), "p1", "exp", "s"); got != nil {
		t.Fatal("a failed validation must not write a partial response")
	}

	// The optional question stays unanswered and does not block.
	if _, err := c.SubmitSurvey(ctx, "s", models.AnswerSet{"pick": "a", "many": []any{"y"}}); err != nil {
		t.Fatalf("SubmitSurvey failed: %v", err)
	}
	if !gateSatisfied(c.Snapshot()) {
		t.Error("gate should be satisfied after a valid submission")
	}
}

func TestSurveyWriteFailureBlocksAdvance(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", surveyStage("s", models.Question{ID: "q", Type: models.QuestionTypeText, Required: true}))
	c := newTestController(t, st, "p1", "exp")
	ctx := context.Background()
	c.Begin(ctx)

	st.set(func(s *flakyStore) { s.failSurvey = true })
	answers := models.AnswerSet{"q": "answer"}
	_, err := c.SubmitSurvey(ctx, "s", answers)
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Target != TargetSurvey {
		t.Fatalf("expected a survey PersistenceError, got %v", err)
	}
	if _, err := c.Advance(ctx, "s"); !errors.Is(err, ErrGateUnsatisfied) {
		t.Fatalf("advance must be blocked after a failed survey write, got %v", err)
	}

	st.set(func(s *flakyStore) { s.failSurvey = false })
	if _, err := c.SubmitSurvey(ctx, "s", answers); err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
	if _, err := c.Advance(ctx, "s"); err != nil {
		t.Fatalf("Advance after resubmission failed: %v", err)
	}
}

func TestProgressWriteFailureDoesNotBlock(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("a"), instructionsStage("b"))
	writer := NewProgressWriter(st, WithJobRepo(st), WithProgressRetryDelay(0))
	c := newTestController(t, st, "p1", "exp", WithProgressWriter(writer))
	ctx := context.Background()

	st.set(func(s *flakyStore) { s.failProgress = true })
	if _, err := c.Begin(ctx); err != nil {
		t.Fatalf("Begin must not surface a progress failure: %v", err)
	}
	c.Acknowledge("a")
	snap, err := c.Advance(ctx, "a")
	if err != nil {
		t.Fatalf("Advance must not surface a progress failure: %v", err)
	}
	if snap.Stage == nil || snap.Stage.ID != "b" {
		t.Fatalf("participant should be on b, got %+v", snap.Stage)
	}
	if rec, _ := st.GetProgress(t.Context(), "p1", "exp"); rec != nil {
		t.Fatalf("nothing should be stored yet, got %+v", rec)
	}

	// The store recovers and the background job applies the latest record.
	st.set(func(s *flakyStore) { s.failProgress = false })
	runner := store.NewJobRunner(st, time.Hour)
	RegisterJobHandlers(runner, st)
	if n := runner.RunOnce(ctx); n != 1 {
		t.Fatalf("expected one deduplicated retry job, ran %d", n)
	}
	rec, _ := st.GetProgress(t.Context(), "p1", "exp")
	if rec == nil || rec.CurrentStageID != "b" || !rec.HasCompleted("a") {
		t.Fatalf("retry did not apply the latest record: %+v", rec)
	}
}

func TestResumeContinuesAtStoredStage(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("a"), breakStage("pause", 3600), instructionsStage("c"))
	started := time.Now().Add(-time.Minute)
	st.InMemoryStore.SaveProgress(t.Context(), models.ParticipantProgress{
		ParticipantID:   "p1",
		ExperimentID:    "exp",
		Status:          models.ProgressInProgress,
		CurrentStageID:  "pause",
		CompletedStages: []string{"a"},
		StartedAt:       &started,
		LastActivityAt:  started,
	})

	c := newTestController(t, st, "p1", "exp")
	snap := c.Snapshot()
	if snap.Phase != PhaseRunning || snap.StageIndex != 1 {
		t.Fatalf("expected to resume running at index 1, got %s/%d", snap.Phase, snap.StageIndex)
	}
	// The break restarts from its full duration.
	if snap.Gate == nil || snap.Gate.RemainingSeconds < 3590 {
		t.Errorf("expected a fresh countdown, got %+v", snap.Gate)
	}
	if st.writeCount() != 0 {
		t.Errorf("resume should not write progress, got %d writes", st.writeCount())
	}
}

func TestResumeSurveyAlreadySubmitted(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", surveyStage("s", models.Question{ID: "q", Type: models.QuestionTypeText, Required: true}))
	now := time.Now()
	st.InMemoryStore.SaveProgress(t.Context(), models.ParticipantProgress{ParticipantID: "p1", ExperimentID: "exp", Status: models.ProgressInProgress, CurrentStageID: "s", LastActivityAt: now})
	st.InMemoryStore.SaveSurveyResponse(t.Context(), models.SurveyResponse{ParticipantID: "p1", ExperimentID: "exp", StageID: "s", Answers: models.AnswerSet{"q": "kept"}, SubmittedAt: now})

	c := newTestController(t, st, "p1", "exp")
	waitFor(t, c, "stored submission to open the survey gate", gateSatisfied)
	if _, err := c.Advance(context.Background(), "s"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
}

func TestLoadErrorKinds(t *testing.T) {
	st := newFlakyStore()

	c := NewController("p1", "missing", st)
	defer c.Close()
	var lerr *LoadError
	if err := c.Load(context.Background()); !errors.As(err, &lerr) || lerr.Kind != LoadErrorNotFound || lerr.Retryable() {
		t.Fatalf("expected a non-retryable NotFound LoadError, got %v", err)
	}

	saveExperiment(t, st, "exp", instructionsStage("a"))
	st.set(func(s *flakyStore) { s.failExperiment = true })
	c2 := NewController("p1", "exp", st)
	defer c2.Close()
	if err := c2.Load(context.Background()); !errors.As(err, &lerr) || lerr.Kind != LoadErrorUnreachable || !lerr.Retryable() {
		t.Fatalf("expected a retryable Unreachable LoadError, got %v", err)
	}

	// Retrying the same controller succeeds once the store is back.
	st.set(func(s *flakyStore) { s.failExperiment = false })
	if err := c2.Load(context.Background()); err != nil {
		t.Fatalf("retry Load failed: %v", err)
	}
	if c2.Snapshot().Phase != PhaseWelcome {
		t.Errorf("expected welcome after a successful retry")
	}

	st.InMemoryStore.SaveExperiment(t.Context(), models.Experiment{ID: "broken"})
	c3 := NewController("p1", "broken", st)
	defer c3.Close()
	if err := c3.Load(context.Background()); !errors.As(err, &lerr) || lerr.Kind != LoadErrorInvalid {
		t.Fatalf("expected an Invalid LoadError, got %v", err)
	}
}

func TestLoadGivesUpOnBlockedStore(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("a"))
	st.set(func(s *flakyStore) { s.blockExp = "exp" })

	// The caller's deadline wins.
	c := NewController("p1", "exp", st)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	var lerr *LoadError
	if err := c.Load(ctx); !errors.As(err, &lerr) || lerr.Kind != LoadErrorUnreachable || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected an Unreachable LoadError from the deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Load ignored the deadline, took %v", elapsed)
	}

	// Without a caller deadline the store timeout applies.
	c2 := NewController("p1", "exp", st, WithStoreTimeout(30*time.Millisecond))
	defer c2.Close()
	if err := c2.Load(context.Background()); !errors.As(err, &lerr) || lerr.Kind != LoadErrorUnreachable {
		t.Fatalf("expected an Unreachable LoadError from the store timeout, got %v", err)
	}
}

func TestCloseCancelsInFlightFetch(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", scenarioStage("market", "sc"))
	src := &failingSource{block: true}
	c := NewController("p1", "exp", st, WithTickInterval(testTick),
		WithFetcher(marketdata.NewFetcher(src, marketdata.WithAttemptTimeout(time.Hour))))
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	c.Begin(context.Background())
	for src.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight fetch")
	}
	if _, err := c.Advance(context.Background(), "market"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	c.Close()
}

func TestStaleVisitResultsAreDiscarded(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", breakStage("pause", 3600))
	c := newTestController(t, st, "p1", "exp")
	c.Begin(context.Background())

	c.mu.Lock()
	stale := c.visit
	c.mu.Unlock()

	// Replace the visit as a stage change would; the old one may not touch state.
	c.mu.Lock()
	c.visit = newVisit(c.ctx, stale.stage)
	fresh := c.visit
	c.mu.Unlock()
	stale.teardown()

	if c.apply(stale, func() { fresh.timerDone = true }) {
		t.Fatal("apply accepted a result from a stale visit")
	}
	if gateSatisfied(c.Snapshot()) {
		t.Error("stale result leaked into the current gate")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	st := newFlakyStore()
	saveExperiment(t, st, "exp", instructionsStage("a"))
	c := newTestController(t, st, "p1", "exp")

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()
	first := <-ch
	if first.Phase != PhaseWelcome {
		t.Fatalf("expected the current snapshot first, got %s", first.Phase)
	}
	c.Begin(context.Background())
	select {
	case snap := <-ch:
		if snap.Phase != PhaseRunning || snap.Version <= first.Version {
			t.Errorf("unexpected update: phase=%s version=%d", snap.Phase, snap.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("no update after Begin")
	}

	c.Close()
	for range ch {
	}
}
