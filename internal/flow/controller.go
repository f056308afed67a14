// Package flow runs participants through experiments.
//
// A Controller owns one participant's session in one experiment. It loads the
// stage list, walks it in order (Welcome -> Running -> Done), enforces each
// stage's completion gate and persists progress before every transition.
// Progress write failures never block the participant; they are retried in
// the background through the durable job queue.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
	"github.com/BTreeMap/LabLab/internal/telemetry"
)

// subscriberBuffer is how many snapshots a slow subscriber may lag behind
// before the oldest is dropped.
const subscriberBuffer = 8

// DefaultStoreTimeout bounds every experiment, progress and survey store call
// made on a participant's behalf.
const DefaultStoreTimeout = 5 * time.Second

// Controller drives a single participant session.
type Controller struct {
	participantID string
	experimentID  string

	st           store.Store
	fetcher      *marketdata.Fetcher
	progress     *ProgressWriter
	recorder     telemetry.Recorder
	tickInterval time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	onDone       func(*Controller)

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes public operations; mu guards the state below and is
	// the only lock stage goroutines take.
	opMu sync.Mutex
	mu   sync.Mutex

	exp               *models.Experiment
	phase             Phase
	index             int
	visit             *visit
	record            models.ParticipantProgress
	completionWritten bool
	closed            bool
	version           uint64

	subMu      sync.Mutex
	subs       map[int]chan Snapshot
	nextSub    int
	subsClosed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithTickInterval sets how long one countdown second lasts.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithStoreTimeout bounds each store call made while loading the session or
// recording a survey.
func WithStoreTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// WithClock overrides the time source used for progress timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithFetcher sets the scenario data fetcher.
func WithFetcher(f *marketdata.Fetcher) Option {
	return func(c *Controller) {
		if f != nil {
			c.fetcher = f
		}
	}
}

// WithProgressWriter sets how progress is persisted.
func WithProgressWriter(w *ProgressWriter) Option {
	return func(c *Controller) {
		if w != nil {
			c.progress = w
		}
	}
}

// WithRecorder sets the metrics sink for stage and session completions.
func WithRecorder(r telemetry.Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

func withOnDone(fn func(*Controller)) Option {
	return func(c *Controller) { c.onDone = fn }
}

// NewController creates a controller for one participant and experiment.
// Call Load before anything else.
func NewController(participantID, experimentID string, st store.Store, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		participantID: participantID,
		experimentID:  experimentID,
		st:            st,
		recorder:      telemetry.NewNoOp(),
		tickInterval:  DefaultTickInterval,
		storeTimeout:  DefaultStoreTimeout,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		phase:         PhaseLoading,
		record:        models.NewProgress(participantID, experimentID),
		subs:          make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = marketdata.NewFetcher(marketdata.NewStoreSource(st), marketdata.WithRecorder(c.recorder))
	}
	if c.progress == nil {
		c.progress = NewProgressWriter(st, WithProgressRecorder(c.recorder))
	}
	return c
}

// ParticipantID returns the participant this session belongs to.
func (c *Controller) ParticipantID() string { return c.participantID }

// ExperimentID returns the experiment this session runs.
func (c *Controller) ExperimentID() string { return c.experimentID }

// Load fetches the experiment definition and the participant's progress,
// then resumes where the participant left off. The definition is fetched
// once per session; later calls are no-ops. A completed record re-enters
// Done without writing anything.
func (c *Controller) Load(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed, loaded := c.closed, c.exp != nil
	c.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &LoadError{Kind: LoadErrorUnreachable, ExperimentID: c.experimentID, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	exp, err := c.st.GetExperiment(ctx, c.experimentID)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && exp == nil):
		slog.Warn("Controller.Load: experiment not found", "experimentID", c.experimentID, "participantID", c.participantID)
		return &LoadError{Kind: LoadErrorNotFound, ExperimentID: c.experimentID, Err: store.ErrNotFound}
	case err != nil:
		slog.Error("Controller.Load: experiment store unreachable", "experimentID", c.experimentID, "error", err)
		return &LoadError{Kind: LoadErrorUnreachable, ExperimentID: c.experimentID, Err: err}
	}
	if err := exp.Validate(); err != nil {
		slog.Error("Controller.Load: experiment definition invalid", "experimentID", c.experimentID, "error", err)
		return &LoadError{Kind: LoadErrorInvalid, ExperimentID: c.experimentID, Err: err}
	}

	rec, err := c.st.GetProgress(ctx, c.participantID, c.experimentID)
	if err != nil {
		slog.Error("Controller.Load: progress read failed", "experimentID", c.experimentID, "participantID", c.participantID, "error", err)
		return &LoadError{Kind: LoadErrorUnreachable, ExperimentID: c.experimentID, Err: err}
	}

	c.mu.Lock()
	c.exp = exp
	c.resumeLocked(rec)
	snap := c.changedLocked()
	c.mu.Unlock()

	slog.Info("Controller.Load: session loaded", "experimentID", c.experimentID, "participantID", c.participantID, "phase", snap.Phase, "stageIndex", snap.StageIndex)
	c.publish(snap)
	return nil
}

func (c *Controller) resumeLocked(rec *models.ParticipantProgress) {
	if rec == nil {
		c.phase = PhaseWelcome
		return
	}
	c.record = rec.Clone()

	switch rec.Status {
	case models.ProgressCompleted:
		c.phase = PhaseDone
		c.completionWritten = true
		return
	case models.ProgressInProgress:
	default:
		c.phase = PhaseWelcome
		return
	}

	idx := c.exp.StageIndex(rec.CurrentStageID)
	if idx < 0 {
		// The stored stage no longer exists; continue at the first stage not yet passed.
		idx = len(c.exp.Stages) - 1
		for i, st := range c.exp.Stages {
			if !rec.HasCompleted(st.ID) {
				idx = i
				break
			}
		}
		slog.Warn("Controller.resume: current stage not in experiment", "experimentID", c.experimentID, "participantID", c.participantID, "storedStageID", rec.CurrentStageID, "resumeIndex", idx)
	}
	c.phase = PhaseRunning
	c.index = idx
	c.startVisitLocked(idx)
}

// Begin leaves the welcome screen and enters the first stage.
func (c *Controller) Begin(ctx context.Context) (Snapshot, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrSessionClosed
	}
	if c.phase != PhaseWelcome {
		err := ErrAlreadyStarted
		if c.phase == PhaseLoading {
			err = ErrNotRunning
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	now := c.now()
	rec := c.record.Clone()
	rec.Status = models.ProgressInProgress
	rec.CurrentStageID = c.exp.Stages[0].ID
	rec.LastActivityAt = now
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	c.mu.Unlock()

	saved := c.writeProgress(ctx, rec)

	c.mu.Lock()
	c.record = saved
	c.phase = PhaseRunning
	c.index = 0
	c.startVisitLocked(0)
	snap := c.changedLocked()
	c.mu.Unlock()

	slog.Info("Controller.Begin: run started", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", rec.CurrentStageID)
	c.publish(snap)
	return snap, nil
}

// Acknowledge satisfies an instructions stage.
func (c *Controller) Acknowledge(stageID string) (Snapshot, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	v, err := c.currentLocked(stageID)
	if err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	if v.stage.Type != models.StageTypeInstructions {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNotApplicable
	}
	v.acknowledged = true
	snap := c.changedLocked()
	c.mu.Unlock()

	slog.Debug("Controller.Acknowledge: instructions acknowledged", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stageID)
	c.publish(snap)
	return snap, nil
}

// SubmitSurvey validates answers and persists them as one write. The gate
// opens only once the write succeeds; on failure the participant resubmits
// the full answer map.
func (c *Controller) SubmitSurvey(ctx context.Context, stageID string, answers models.AnswerSet) (Snapshot, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	v, err := c.currentLocked(stageID)
	if err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	if v.stage.Type != models.StageTypeSurvey {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNotApplicable
	}
	normalized := answers.Normalize()
	if verr := v.stage.Survey.ValidateAnswers(stageID, normalized); verr != nil {
		v.missing, v.invalid = verr.Missing, verr.Invalid
		snap := c.changedLocked()
		c.mu.Unlock()
		slog.Debug("Controller.SubmitSurvey: validation failed", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stageID, "missing", verr.Missing)
		c.publish(snap)
		return snap, verr
	}
	v.missing, v.invalid = nil, nil
	c.mu.Unlock()

	resp := models.SurveyResponse{
		ParticipantID: c.participantID,
		ExperimentID:  c.experimentID,
		StageID:       stageID,
		Answers:       normalized,
		SubmittedAt:   c.now(),
	}
	wctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	err = c.st.SaveSurveyResponse(wctx, resp)
	cancel()
	if err != nil {
		slog.Error("Controller.SubmitSurvey: survey write failed", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stageID, "error", err)
		return c.Snapshot(), &PersistenceError{Target: TargetSurvey, Err: err}
	}

	c.mu.Lock()
	v.submitted = true
	snap := c.changedLocked()
	c.mu.Unlock()

	slog.Info("Controller.SubmitSurvey: survey recorded", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stageID)
	c.publish(snap)
	return snap, nil
}

// Advance completes the current stage and moves to the next one, or to Done
// after the last. It is rejected while the stage's gate is closed. Progress
// is written before the local transition; a failed write is retried in the
// background and does not stop the participant.
func (c *Controller) Advance(ctx context.Context, stageID string) (Snapshot, error) {
	snap, done, err := c.leaveStage(ctx, stageID, false)
	if done && c.onDone != nil {
		c.onDone(c)
	}
	return snap, err
}

// Skip leaves a scenario stage whose data could not be loaded at all. Late
// or fallback data is not a reason to skip.
func (c *Controller) Skip(ctx context.Context, stageID string) (Snapshot, error) {
	snap, done, err := c.leaveStage(ctx, stageID, true)
	if done && c.onDone != nil {
		c.onDone(c)
	}
	return snap, err
}

func (c *Controller) leaveStage(ctx context.Context, stageID string, skip bool) (Snapshot, bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	v, err := c.currentLocked(stageID)
	if err == nil {
		switch {
		case skip && !v.canSkip():
			err = ErrSkipNotAllowed
		case !skip && !v.satisfied():
			err = ErrGateUnsatisfied
		}
	}
	if err != nil {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, false, err
	}

	now := c.now()
	rec := c.record.Clone()
	if !rec.HasCompleted(stageID) {
		rec.CompletedStages = append(rec.CompletedStages, stageID)
	}
	rec.LastActivityAt = now
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	next := c.index + 1
	last := next >= len(c.exp.Stages)
	write := true
	if last {
		rec.Status = models.ProgressCompleted
		rec.CurrentStageID = ""
		rec.CompletedAt = &now
		write = !c.completionWritten
		c.completionWritten = true
	} else {
		rec.Status = models.ProgressInProgress
		rec.CurrentStageID = c.exp.Stages[next].ID
	}
	c.mu.Unlock()

	saved := rec
	if write {
		saved = c.writeProgress(ctx, rec)
	}
	if skip {
		slog.Warn("Controller.Skip: scenario stage skipped after load failure", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stageID, "error", v.loadErr)
	} else {
		c.recorder.StageCompleted(ctx, c.experimentID, string(v.stage.Type))
	}

	c.mu.Lock()
	c.visit = nil
	c.record = saved
	if last {
		c.phase = PhaseDone
	} else {
		c.index = next
		c.startVisitLocked(next)
	}
	snap := c.changedLocked()
	c.mu.Unlock()

	v.teardown()
	c.publish(snap)

	if last {
		var elapsed time.Duration
		if saved.StartedAt != nil {
			elapsed = now.Sub(*saved.StartedAt)
		}
		c.recorder.SessionCompleted(ctx, c.experimentID, elapsed)
		slog.Info("Controller.Advance: experiment completed", "experimentID", c.experimentID, "participantID", c.participantID, "elapsed", elapsed)
	} else {
		slog.Info("Controller.Advance: stage completed", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stageID, "nextStageID", rec.CurrentStageID)
	}
	return snap, last, nil
}

// writeProgress attempts one write. On failure the record is kept locally
// and the writer has already scheduled a background retry.
func (c *Controller) writeProgress(ctx context.Context, rec models.ParticipantProgress) models.ParticipantProgress {
	saved, err := c.progress.Write(ctx, rec)
	if err != nil {
		slog.Warn("Controller.writeProgress: continuing without persisted progress", "experimentID", c.experimentID, "participantID", c.participantID, "status", rec.Status, "error", err)
		return rec
	}
	return saved
}

// currentLocked returns the visit for stageID if it is the current stage.
func (c *Controller) currentLocked(stageID string) (*visit, error) {
	switch {
	case c.closed:
		return nil, ErrSessionClosed
	case c.phase != PhaseRunning || c.visit == nil:
		return nil, ErrNotRunning
	case c.exp.Stages[c.index].ID != stageID:
		return nil, ErrStageMismatch
	}
	return c.visit, nil
}

func (c *Controller) startVisitLocked(idx int) {
	stage := c.exp.Stages[idx]
	v := newVisit(c.ctx, stage)
	c.visit = v

	switch stage.Type {
	case models.StageTypeBreak:
		v.remaining = stage.Break.DurationSeconds
		v.wg.Add(1)
		go c.runBreak(v)
	case models.StageTypeScenario:
		v.loading = true
		v.wg.Add(1)
		go c.runScenario(v)
	case models.StageTypeSurvey:
		v.wg.Add(1)
		go c.runSurveyLookup(v)
	}
	slog.Debug("Controller.startVisit: stage entered", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", stage.ID, "type", stage.Type)
}

// runSurveyLookup opens the gate of a survey answered before a restart.
func (c *Controller) runSurveyLookup(v *visit) {
	defer v.wg.Done()
	ctx, cancel := context.WithTimeout(v.ctx, c.storeTimeout)
	defer cancel()
	resp, err := c.st.GetSurveyResponse(ctx, c.participantID, c.experimentID, v.stage.ID)
	if err != nil {
		if v.ctx.Err() == nil {
			slog.Warn("Controller.runSurveyLookup: survey response lookup failed", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", v.stage.ID, "error", err)
		}
		return
	}
	if resp != nil {
		c.apply(v, func() { v.submitted = true })
	}
}

func (c *Controller) runBreak(v *visit) {
	defer v.wg.Done()
	done := countdown(v.ctx, v.stage.Break.DurationSeconds, c.tickInterval, func(remaining int) bool {
		return c.apply(v, func() { v.remaining = remaining })
	})
	if done {
		c.apply(v, func() { v.timerDone = true })
	}
}

func (c *Controller) runScenario(v *visit) {
	defer v.wg.Done()

	ds, err := c.fetcher.Load(v.ctx, *v.stage.Scenario)
	if err != nil {
		if v.ctx.Err() != nil {
			return
		}
		slog.Warn("Controller.runScenario: scenario could not be loaded", "experimentID", c.experimentID, "participantID", c.participantID, "stageID", v.stage.ID, "error", err)
		c.apply(v, func() {
			v.loading = false
			v.loadErr = err
		})
		return
	}

	applied := c.apply(v, func() {
		v.loading = false
		v.dataset = ds
		if ds.UsesFallback() {
			v.notices = append(v.notices, marketdata.FallbackNotice)
		}
	})
	if !applied {
		return
	}

	sc := &ds.Scenario
	for round := 1; round <= sc.Rounds; round++ {
		val := marketdata.Value(sc, ds.Assets, round)
		if !c.apply(v, func() {
			v.round = round
			v.remaining = sc.RoundDurationSeconds
			v.valuation = &val
		}) {
			return
		}
		if !countdown(v.ctx, sc.RoundDurationSeconds, c.tickInterval, func(remaining int) bool {
			return c.apply(v, func() { v.remaining = remaining })
		}) {
			return
		}
		if !c.apply(v, func() {
			v.roundsPlayed = round
			v.scenarioDone = round == sc.Rounds
		}) {
			return
		}
	}
}

// apply runs fn under mu if v is still the current visit, then publishes the
// new state. A false return means the visit is stale and its result was dropped.
func (c *Controller) apply(v *visit, fn func()) bool {
	c.mu.Lock()
	if c.visit != v || v.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	fn()
	snap := c.changedLocked()
	c.mu.Unlock()
	c.publish(snap)
	return true
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) changedLocked() Snapshot {
	c.version++
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ParticipantID: c.participantID,
		ExperimentID:  c.experimentID,
		Phase:         c.phase,
		StageIndex:    -1,
		Progress:      c.record.Clone(),
		Version:       c.version,
	}
	if c.exp != nil {
		s.ExperimentName = c.exp.Name
		s.Description = c.exp.Description
		s.Stages = previews(c.exp.Stages)
	}
	if c.phase == PhaseRunning {
		stage := c.exp.Stages[c.index]
		s.StageIndex = c.index
		s.Stage = &stage
		if c.visit != nil {
			s.Gate = c.visit.gateState()
		}
	}
	return s
}

// Subscribe returns a channel of snapshots, starting with the current one,
// and a function to unsubscribe. A subscriber that falls behind loses the
// oldest snapshots. The channel is closed when the session closes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.Snapshot()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Subscribers returns the number of open snapshot subscriptions.
func (c *Controller) Subscribers() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *Controller) publish(snap Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Close stops every timer and fetch of the current stage and ends the
// session. Closing twice is a no-op.
func (c *Controller) Close() {
	c.opMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.opMu.Unlock()
		return
	}
	c.closed = true
	v := c.visit
	c.visit = nil
	c.mu.Unlock()

	c.cancel()
	if v != nil {
		v.teardown()
	}
	c.opMu.Unlock()

	c.subMu.Lock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	slog.Debug("Controller.Close: session closed", "experimentID", c.experimentID, "participantID", c.participantID)
}
