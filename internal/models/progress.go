// Package models defines participant progress tracking.
package models

import (
	"errors"
	"time"
)

// ProgressStatus is the lifecycle of a participant within one experiment.
// It only ever moves forward: not_started -> in_progress -> completed.
type ProgressStatus string

const (
	ProgressNotStarted ProgressStatus = "not_started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
)

// ErrInvalidProgressStatus is returned for unknown status values.
var ErrInvalidProgressStatus = errors.New("invalid progress status")

// Rank orders statuses so that merges never regress.
func (s ProgressStatus) Rank() int {
	switch s {
	case ProgressInProgress:
		return 1
	case ProgressCompleted:
		return 2
	default:
		return 0
	}
}

// IsValid reports whether s is a known status. The empty string is treated
// as not_started by callers.
func (s ProgressStatus) IsValid() bool {
	switch s {
	case "", ProgressNotStarted, ProgressInProgress, ProgressCompleted:
		return true
	default:
		return false
	}
}

// ParticipantProgress is the persisted record of one participant's position
// within one experiment.
type ParticipantProgress struct {
	ParticipantID   string         `json:"participantId"`
	ExperimentID    string         `json:"experimentId"`
	Status          ProgressStatus `json:"status"`
	CurrentStageID  string         `json:"currentStageId,omitempty"`
	CompletedStages []string       `json:"completedStages"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	LastActivityAt  time.Time      `json:"lastActivityAt"`
}

// NewProgress returns an empty not_started record.
func NewProgress(participantID, experimentID string) ParticipantProgress {
	return ParticipantProgress{
		ParticipantID:   participantID,
		ExperimentID:    experimentID,
		Status:          ProgressNotStarted,
		CompletedStages: []string{},
	}
}

// HasCompleted reports whether stageID is in the completed set.
func (p *ParticipantProgress) HasCompleted(stageID string) bool {
	for _, id := range p.CompletedStages {
		if id == stageID {
			return true
		}
	}
	return false
}

// IsCompleted reports whether the record is terminal.
func (p *ParticipantProgress) IsCompleted() bool {
	return p.Status == ProgressCompleted
}

// Clone returns a deep copy.
func (p ParticipantProgress) Clone() ParticipantProgress {
	out := p
	out.CompletedStages = append([]string(nil), p.CompletedStages...)
	if out.CompletedStages == nil {
		out.CompletedStages = []string{}
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Merge applies an incoming write on top of the stored record and returns the
// result. Status never regresses, completed stages are a union that keeps the
// stored order, timestamps set once stay set, and the rest is last write wins.
// Once the stored record is completed it is terminal and only activity time moves.
func (p ParticipantProgress) Merge(incoming ParticipantProgress) ParticipantProgress {
	out := p.Clone()
	if out.ParticipantID == "" {
		out.ParticipantID = incoming.ParticipantID
	}
	if out.ExperimentID == "" {
		out.ExperimentID = incoming.ExperimentID
	}

	for _, id := range incoming.CompletedStages {
		if !out.HasCompleted(id) {
			out.CompletedStages = append(out.CompletedStages, id)
		}
	}

	// A delayed retry of an older write must not move the participant backwards.
	newer := !incoming.LastActivityAt.Before(p.LastActivityAt)
	if incoming.LastActivityAt.After(out.LastActivityAt) {
		out.LastActivityAt = incoming.LastActivityAt
	}
	if out.StartedAt == nil && incoming.StartedAt != nil {
		t := *incoming.StartedAt
		out.StartedAt = &t
	}

	if p.IsCompleted() {
		return out
	}

	rank, stored := incoming.Status.Rank(), out.Status.Rank()
	if rank > stored || (rank == stored && newer) {
		out.Status = incoming.Status
		if incoming.CurrentStageID != "" || incoming.Status == ProgressCompleted {
			out.CurrentStageID = incoming.CurrentStageID
		}
	}
	if out.Status == "" {
		out.Status = ProgressNotStarted
	}
	if out.Status == ProgressCompleted && out.CompletedAt == nil {
		t := incoming.LastActivityAt
		if incoming.CompletedAt != nil {
			t = *incoming.CompletedAt
		}
		out.CompletedAt = &t
	}
	return out
}
