package flow

import (
	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/models"
)

// Phase is the top-level session state.
type Phase string

const (
	// PhaseLoading means the experiment definition has not been loaded yet.
	PhaseLoading Phase = "loading"
	// PhaseWelcome shows the stage preview and waits for Begin.
	PhaseWelcome Phase = "welcome"
	// PhaseRunning walks the stage list.
	PhaseRunning Phase = "running"
	// PhaseDone is terminal.
	PhaseDone Phase = "done"
)

// StagePreview is the welcome-screen summary of one stage.
type StagePreview struct {
	ID              string           `json:"id"`
	Type            models.StageType `json:"type"`
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	DurationSeconds int              `json:"durationSeconds,omitempty"`
	Required        bool             `json:"required"`
}

// GateState describes the current stage's completion gate.
type GateState struct {
	StageType models.StageType `json:"stageType"`
	Satisfied bool             `json:"satisfied"`

	// instructions
	Acknowledged bool `json:"acknowledged,omitempty"`

	// break and scenario rounds
	RemainingSeconds int `json:"remainingSeconds,omitempty"`

	// scenario
	Loading      bool                  `json:"loading,omitempty"`
	LoadFailed   bool                  `json:"loadFailed,omitempty"`
	LoadError    string                `json:"loadError,omitempty"`
	CanSkip      bool                  `json:"canSkip,omitempty"`
	Round        int                   `json:"round,omitempty"`
	TotalRounds  int                   `json:"totalRounds,omitempty"`
	RoundsPlayed int                   `json:"roundsPlayed,omitempty"`
	Portfolio    *marketdata.Valuation `json:"portfolio,omitempty"`
	Fallback     bool                  `json:"fallback,omitempty"`
	Notices      []string              `json:"notices,omitempty"`

	// survey
	Submitted bool              `json:"submitted,omitempty"`
	Missing   []string          `json:"missing,omitempty"`
	Invalid   map[string]string `json:"invalid,omitempty"`
}

// Snapshot is a point-in-time view of a session. Version increases with
// every state change so clients can drop out-of-order updates.
type Snapshot struct {
	ParticipantID  string                     `json:"participantId"`
	ExperimentID   string                     `json:"experimentId"`
	ExperimentName string                     `json:"experimentName,omitempty"`
	Description    string                     `json:"description,omitempty"`
	Phase          Phase                      `json:"phase"`
	Stages         []StagePreview             `json:"stages,omitempty"`
	StageIndex     int                        `json:"stageIndex"`
	Stage          *models.Stage              `json:"stage,omitempty"`
	Gate           *GateState                 `json:"gate,omitempty"`
	Progress       models.ParticipantProgress `json:"progress"`
	Version        uint64                     `json:"version"`
}

func previews(stages []models.Stage) []StagePreview {
	out := make([]StagePreview, 0, len(stages))
	for _, st := range stages {
		out = append(out, StagePreview{
			ID:              st.ID,
			Type:            st.Type,
			Title:           st.Title,
			Description:     st.Description,
			DurationSeconds: st.DurationSeconds,
			Required:        st.Required,
		})
	}
	return out
}
