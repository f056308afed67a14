package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

// participantID reads the participant from the header, falling back to the
// participant_id query parameter for clients that cannot set headers
// (browser websockets).
func participantID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ParticipantHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("participant_id"))
}

// storeContext bounds a store call by the request and the store timeout.
func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.StoreTimeout)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"sessions": s.sessions.Len(),
	}))
}

func (s *Server) listExperimentsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	exps, err := s.st.ListExperiments(ctx)
	if err != nil {
		slog.Error("Server.listExperimentsHandler: store error", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Experiment store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exps))
}

func (s *Server) getExperimentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := s.storeContext(r)
	defer cancel()
	exp, err := s.st.GetExperiment(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Debug("Server.getExperimentHandler: not found", "experimentID", id)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Experiment not found"))
		return
	case err != nil:
		slog.Error("Server.getExperimentHandler: store error", "experimentID", id, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Experiment store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exp))
}

func (s *Server) getScenarioHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := s.storeContext(r)
	defer cancel()
	sc, err := s.st.GetScenario(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Server.getScenarioHandler: store error", "scenarioID", id, "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Scenario store unavailable"))
			return
		}
		writeJSONResponse(w, http.StatusNotFound, models.Error("Scenario not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sc))
}

func (s *Server) getWalletAssetsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := s.storeContext(r)
	defer cancel()
	wallet, err := s.st.GetWallet(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Server.getWalletAssetsHandler: store error", "walletID", id, "error", err)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Wallet store unavailable"))
			return
		}
		writeJSONResponse(w, http.StatusNotFound, models.Error("Wallet not found"))
		return
	}
	assets := wallet.Assets
	if assets == nil {
		assets = []models.WalletAsset{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(assets))
}

func (s *Server) getProgressHandler(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	pid := participantID(r)
	if pid == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing "+ParticipantHeader+" header"))
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	rec, err := s.st.GetProgress(ctx, pid, experimentID)
	if err != nil {
		slog.Error("Server.getProgressHandler: store error", "participantID", pid, "experimentID", experimentID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Progress store unavailable"))
		return
	}
	if rec == nil {
		empty := models.NewProgress(pid, experimentID)
		rec = &empty
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

func (s *Server) saveProgressHandler(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	pid := participantID(r)
	if pid == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing "+ParticipantHeader+" header"))
		return
	}
	var rec models.ParticipantProgress
	if err := decodeJSON(w, r, &rec); err != nil {
		slog.Warn("Server.saveProgressHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !rec.Status.IsValid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidProgressStatus.Error()))
		return
	}
	rec.ParticipantID = pid
	rec.ExperimentID = experimentID
	if rec.LastActivityAt.IsZero() {
		rec.LastActivityAt = time.Now()
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	merged, err := s.st.SaveProgress(ctx, rec)
	if err != nil {
		slog.Error("Server.saveProgressHandler: store error", "participantID", pid, "experimentID", experimentID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Progress store unavailable"))
		return
	}
	slog.Debug("Server.saveProgressHandler: progress saved", "participantID", pid, "experimentID", experimentID, "status", merged.Status)
	writeJSONResponse(w, http.StatusOK, models.Recorded(merged))
}

func (s *Server) listProgressHandler(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	ctx, cancel := s.storeContext(r)
	defer cancel()
	records, err := s.st.ListProgress(ctx, experimentID)
	if err != nil {
		slog.Error("Server.listProgressHandler: store error", "experimentID", experimentID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Progress store unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// surveyResponseHandler records a full answer map for one survey stage. The
// answers are validated against the stage's questions when the experiment
// declares it.
func (s *Server) surveyResponseHandler(w http.ResponseWriter, r *http.Request) {
	experimentID, stageID := r.PathValue("id"), r.PathValue("stageId")
	pid := participantID(r)
	if pid == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing "+ParticipantHeader+" header"))
		return
	}
	var req models.SurveySubmission
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.surveyResponseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.StageID = stageID
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	exp, err := s.st.GetExperiment(ctx, experimentID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	idx := exp.StageIndex(stageID)
	if idx < 0 || exp.Stages[idx].Type != models.StageTypeSurvey || exp.Stages[idx].Survey == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Survey stage not found"))
		return
	}
	answers := req.Answers.Normalize()
	if verr := exp.Stages[idx].Survey.ValidateAnswers(stageID, answers); verr != nil {
		writeError(w, verr, nil)
		return
	}

	resp := models.SurveyResponse{
		ParticipantID: pid,
		ExperimentID:  experimentID,
		StageID:       stageID,
		Answers:       answers,
		SubmittedAt:   time.Now(),
	}
	if err := s.st.SaveSurveyResponse(ctx, resp); err != nil {
		slog.Error("Server.surveyResponseHandler: store error", "participantID", pid, "experimentID", experimentID, "stageID", stageID, "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Could not save survey response, please submit again"))
		return
	}
	slog.Info("Server.surveyResponseHandler: survey recorded", "participantID", pid, "experimentID", experimentID, "stageID", stageID)
	writeJSONResponse(w, http.StatusCreated, models.Recorded(resp))
}
