package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/LabLab/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil for an empty string so nullable columns store NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZeroTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func scanJobFrom(sc rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := sc.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	j, err := scanJobFrom(rows)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row. sql.ErrNoRows is returned unwrapped.
func scanJobRow(row *sql.Row) (Job, error) {
	return scanJobFrom(row)
}

const progressColumns = `participant_id, experiment_id, status, current_stage_id, completed_stages, started_at, completed_at, last_activity_at`

func scanProgress(sc rowScanner) (models.ParticipantProgress, error) {
	var p models.ParticipantProgress
	var status string
	var currentStage sql.NullString
	var completedJSON string
	var startedAt, completedAt sql.NullTime
	if err := sc.Scan(&p.ParticipantID, &p.ExperimentID, &status, &currentStage, &completedJSON, &startedAt, &completedAt, &p.LastActivityAt); err != nil {
		return p, err
	}
	p.Status = models.ProgressStatus(status)
	p.CurrentStageID = currentStage.String
	if completedJSON != "" {
		if err := json.Unmarshal([]byte(completedJSON), &p.CompletedStages); err != nil {
			return p, fmt.Errorf("failed to decode completed stages: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		p.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return p, nil
}

func encodeStages(stages []string) (string, error) {
	if stages == nil {
		stages = []string{}
	}
	b, err := json.Marshal(stages)
	if err != nil {
		return "", fmt.Errorf("failed to encode completed stages: %w", err)
	}
	return string(b), nil
}

func scanSurveyResponse(sc rowScanner) (models.SurveyResponse, error) {
	var r models.SurveyResponse
	var answersJSON string
	if err := sc.Scan(&r.ParticipantID, &r.ExperimentID, &r.StageID, &answersJSON, &r.SubmittedAt); err != nil {
		return r, err
	}
	var raw models.AnswerSet
	if err := json.Unmarshal([]byte(answersJSON), &raw); err != nil {
		return r, fmt.Errorf("failed to decode survey answers: %w", err)
	}
	r.Answers = raw.Normalize()
	return r, nil
}
