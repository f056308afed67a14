package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LabLab/internal/flow"
	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/util"
)

// createSessionHandler opens or resumes the session for the calling
// participant. A participant without an id is issued one, echoed back in the
// X-Participant-ID response header.
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	pid := participantID(r)
	if pid == "" {
		pid = util.GenerateParticipantID()
		slog.Debug("Server.createSessionHandler: issued participant id", "participantID", pid)
	}
	w.Header().Set(ParticipantHeader, pid)

	c, err := s.sessions.Open(r.Context(), pid, req.ExperimentID)
	if err != nil {
		slog.Warn("Server.createSessionHandler: open failed", "participantID", pid, "experimentID", req.ExperimentID, "error", err)
		writeError(w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c.Snapshot()))
}

// session resolves the controller addressed by the request, writing the
// error response itself when it cannot.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*flow.Controller, bool) {
	pid := participantID(r)
	if pid == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing "+ParticipantHeader+" header"))
		return nil, false
	}
	experimentID := r.PathValue("experimentId")
	c, err := s.sessions.Open(r.Context(), pid, experimentID)
	if err != nil {
		slog.Warn("Server.session: open failed", "participantID", pid, "experimentID", experimentID, "error", err)
		writeError(w, err, nil)
		return nil, false
	}
	return c, true
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c.Snapshot()))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	pid := participantID(r)
	if pid == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing "+ParticipantHeader+" header"))
		return
	}
	if !s.sessions.Close(pid, r.PathValue("experimentId")) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No live session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session closed", nil))
}

func (s *Server) beginHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	snap, err := c.Begin(r.Context())
	s.respond(w, "Server.beginHandler", snap, err)
}

// stageAction decodes a StageActionRequest and runs fn against the session.
func (s *Server) stageAction(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context, c *flow.Controller, stageID string) (flow.Snapshot, error)) {
	var req models.StageActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn(name+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	snap, err := fn(r.Context(), c, req.StageID)
	s.respond(w, name, snap, err)
}

func (s *Server) acknowledgeHandler(w http.ResponseWriter, r *http.Request) {
	s.stageAction(w, r, "Server.acknowledgeHandler", func(_ context.Context, c *flow.Controller, stageID string) (flow.Snapshot, error) {
		return c.Acknowledge(stageID)
	})
}

func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request) {
	s.stageAction(w, r, "Server.advanceHandler", func(ctx context.Context, c *flow.Controller, stageID string) (flow.Snapshot, error) {
		return c.Advance(ctx, stageID)
	})
}

func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request) {
	s.stageAction(w, r, "Server.skipHandler", func(ctx context.Context, c *flow.Controller, stageID string) (flow.Snapshot, error) {
		return c.Skip(ctx, stageID)
	})
}

func (s *Server) submitSurveyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SurveySubmission
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.submitSurveyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	c, ok := s.session(w, r)
	if !ok {
		return
	}
	snap, err := c.SubmitSurvey(r.Context(), req.StageID, req.Answers)
	s.respond(w, "Server.submitSurveyHandler", snap, err)
}

func (s *Server) respond(w http.ResponseWriter, name string, snap flow.Snapshot, err error) {
	if err != nil {
		slog.Debug(name+": rejected", "participantID", snap.ParticipantID, "experimentID", snap.ExperimentID, "error", err)
		writeError(w, err, snap)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}
