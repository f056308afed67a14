package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/util"
)

// Compile-time checks that InMemoryStore implements Store and JobRepo.
var (
	_ Store   = (*InMemoryStore)(nil)
	_ JobRepo = (*InMemoryStore)(nil)
)

// InMemoryStore is a mutex-guarded map store. It copies values on the way in
// and out so callers never share slices with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	experiments map[string]models.Experiment
	scenarios   map[string]models.Scenario
	wallets     map[string]models.Wallet
	progress    map[progressKey]models.ParticipantProgress
	responses   map[responseKey]models.SurveyResponse
	jobs        map[string]*Job
}

type progressKey struct {
	participantID string
	experimentID  string
}

type responseKey struct {
	participantID string
	experimentID  string
	stageID       string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		experiments: make(map[string]models.Experiment),
		scenarios:   make(map[string]models.Scenario),
		wallets:     make(map[string]models.Wallet),
		progress:    make(map[progressKey]models.ParticipantProgress),
		responses:   make(map[responseKey]models.SurveyResponse),
		jobs:        make(map[string]*Job),
	}
}

func (s *InMemoryStore) SaveExperiment(ctx context.Context, e models.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.experiments[e.ID]; ok {
		e.CreatedAt = existing.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.experiments[e.ID] = cloneExperiment(e)
	slog.Debug("InMemoryStore SaveExperiment succeeded", "experimentID", e.ID, "stages", len(e.Stages))
	return nil
}

func (s *InMemoryStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneExperiment(e)
	return &out, nil
}

func (s *InMemoryStore) ListExperiments(ctx context.Context) ([]models.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		out = append(out, cloneExperiment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteExperiment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.experiments, id)
	return nil
}

func (s *InMemoryStore) SaveScenario(ctx context.Context, sc models.Scenario) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios[sc.ID] = cloneScenario(sc)
	return nil
}

func (s *InMemoryStore) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneScenario(sc)
	return &out, nil
}

func (s *InMemoryStore) SaveWallet(ctx context.Context, w models.Wallet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Assets = append([]models.WalletAsset(nil), w.Assets...)
	s.wallets[w.ID] = w
	return nil
}

func (s *InMemoryStore) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.Assets = append([]models.WalletAsset(nil), w.Assets...)
	return &w, nil
}

func (s *InMemoryStore) GetProgress(ctx context.Context, participantID, experimentID string) (*models.ParticipantProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[progressKey{participantID, experimentID}]
	if !ok {
		return nil, nil
	}
	out := p.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveProgress(ctx context.Context, p models.ParticipantProgress) (models.ParticipantProgress, error) {
	if err := ctx.Err(); err != nil {
		return models.ParticipantProgress{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{p.ParticipantID, p.ExperimentID}
	current, ok := s.progress[key]
	if !ok {
		current = models.NewProgress(p.ParticipantID, p.ExperimentID)
	}
	merged := current.Merge(p)
	s.progress[key] = merged
	slog.Debug("InMemoryStore SaveProgress succeeded", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "status", merged.Status)
	return merged.Clone(), nil
}

func (s *InMemoryStore) ListProgress(ctx context.Context, experimentID string) ([]models.ParticipantProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ParticipantProgress
	for key, p := range s.progress {
		if key.experimentID == experimentID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *InMemoryStore) SaveSurveyResponse(ctx context.Context, r models.SurveyResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Answers = r.Answers.Normalize()
	s.responses[responseKey{r.ParticipantID, r.ExperimentID, r.StageID}] = r
	return nil
}

func (s *InMemoryStore) GetSurveyResponse(ctx context.Context, participantID, experimentID, stageID string) (*models.SurveyResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[responseKey{participantID, experimentID, stageID}]
	if !ok {
		return nil, nil
	}
	r.Answers = r.Answers.Normalize()
	return &r, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Job repository

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
				// Keep the newest payload so the retry applies the latest snapshot.
				j.PayloadJSON = payloadJSON
				j.UpdatedAt = time.Now()
				slog.Debug("InMemoryStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", j.ID)
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := *j
	return &out, nil
}

func cloneExperiment(e models.Experiment) models.Experiment {
	out := e
	if e.Stages == nil {
		return out
	}
	out.Stages = make([]models.Stage, len(e.Stages))
	for i, st := range e.Stages {
		out.Stages[i] = cloneStage(st)
	}
	return out
}

// cloneStage copies the stage payloads so callers cannot edit stored definitions.
func cloneStage(st models.Stage) models.Stage {
	if st.Branches != nil {
		st.Branches = append([]string{}, st.Branches...)
	}
	if st.Instructions != nil {
		in := *st.Instructions
		st.Instructions = &in
	}
	if st.Break != nil {
		b := *st.Break
		st.Break = &b
	}
	if st.Scenario != nil {
		sc := *st.Scenario
		st.Scenario = &sc
	}
	if st.Survey != nil {
		sv := *st.Survey
		if st.Survey.Questions != nil {
			sv.Questions = make([]models.Question, len(st.Survey.Questions))
			for i, q := range st.Survey.Questions {
				if q.Options != nil {
					q.Options = append([]string{}, q.Options...)
				}
				sv.Questions[i] = q
			}
		}
		st.Survey = &sv
	}
	return st
}

func cloneScenario(sc models.Scenario) models.Scenario {
	out := sc
	out.AssetPrices = make([]models.AssetPriceSeries, len(sc.AssetPrices))
	for i, series := range sc.AssetPrices {
		series.Prices = append([]float64(nil), series.Prices...)
		out.AssetPrices[i] = series
	}
	return out
}
