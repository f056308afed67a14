package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/LabLab/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time checks that SQLiteStore implements Store and JobRepo.
var (
	_ Store   = (*SQLiteStore)(nil)
	_ JobRepo = (*SQLiteStore)(nil)
)

// SQLiteStore persists LabLab data in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite store at the DSN file path, creating the
// parent directory when needed, and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes transactions
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveExperiment(ctx context.Context, e models.Experiment) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode experiment %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, description, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
		   document = excluded.document, updated_at = excluded.updated_at`,
		e.ID, e.Name, e.Description, string(doc), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveExperiment failed", "error", err, "experimentID", e.ID)
		return fmt.Errorf("failed to save experiment %s: %w", e.ID, err)
	}
	slog.Debug("SQLiteStore SaveExperiment succeeded", "experimentID", e.ID, "stages", len(e.Stages))
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	var doc string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT document, created_at FROM experiments WHERE id = ?`, id).Scan(&doc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", id, err)
	}
	var e models.Experiment
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("failed to decode experiment %s: %w", id, err)
	}
	e.CreatedAt = createdAt
	return &e, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]models.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document, created_at FROM experiments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()
	var out []models.Experiment
	for rows.Next() {
		var doc string
		var createdAt time.Time
		if err := rows.Scan(&doc, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan experiment row: %w", err)
		}
		var e models.Experiment
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("failed to decode experiment: %w", err)
		}
		e.CreatedAt = createdAt
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete experiment %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SaveScenario(ctx context.Context, sc models.Scenario) error {
	return s.putDocument(ctx, "scenarios", sc.ID, sc)
}

func (s *SQLiteStore) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	var sc models.Scenario
	if err := s.getDocument(ctx, "scenarios", id, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *SQLiteStore) SaveWallet(ctx context.Context, w models.Wallet) error {
	return s.putDocument(ctx, "wallets", w.ID, w)
}

func (s *SQLiteStore) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	var w models.Wallet
	if err := s.getDocument(ctx, "wallets", id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// putDocument upserts a JSON document into a (id, document) table. table is
// always a package constant.
func (s *SQLiteStore) putDocument(ctx context.Context, table, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		id, string(doc), time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore putDocument failed", "table", table, "id", id, "error", err)
		return fmt.Errorf("failed to save %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) getDocument(ctx context.Context, table, id string, v any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM `+table+` WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLiteStore) GetProgress(ctx context.Context, participantID, experimentID string) (*models.ParticipantProgress, error) {
	p, err := scanProgress(s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM participant_progress WHERE participant_id = ? AND experiment_id = ?`,
		participantID, experimentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProgress failed", "error", err, "participantID", participantID, "experimentID", experimentID)
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, p models.ParticipantProgress) (models.ParticipantProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to begin progress transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanProgress(tx.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM participant_progress WHERE participant_id = ? AND experiment_id = ?`,
		p.ParticipantID, p.ExperimentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		current = models.NewProgress(p.ParticipantID, p.ExperimentID)
	} else if err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to load progress: %w", err)
	}

	merged := current.Merge(p)
	stages, err := encodeStages(merged.CompletedStages)
	if err != nil {
		return models.ParticipantProgress{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO participant_progress (`+progressColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(participant_id, experiment_id) DO UPDATE SET
		   status = excluded.status,
		   current_stage_id = excluded.current_stage_id,
		   completed_stages = excluded.completed_stages,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   last_activity_at = excluded.last_activity_at`,
		merged.ParticipantID, merged.ExperimentID, string(merged.Status), nilIfEmpty(merged.CurrentStageID),
		stages, nilIfZeroTime(merged.StartedAt), nilIfZeroTime(merged.CompletedAt), merged.LastActivityAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveProgress failed", "error", err, "participantID", p.ParticipantID, "experimentID", p.ExperimentID)
		return models.ParticipantProgress{}, fmt.Errorf("failed to save progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to commit progress: %w", err)
	}
	slog.Debug("SQLiteStore SaveProgress succeeded", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "status", merged.Status)
	return merged, nil
}

func (s *SQLiteStore) ListProgress(ctx context.Context, experimentID string) ([]models.ParticipantProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM participant_progress WHERE experiment_id = ? ORDER BY participant_id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()
	var out []models.ParticipantProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveSurveyResponse(ctx context.Context, r models.SurveyResponse) error {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode survey answers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO survey_responses (participant_id, experiment_id, stage_id, answers, submitted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(participant_id, experiment_id, stage_id) DO UPDATE SET
		   answers = excluded.answers, submitted_at = excluded.submitted_at`,
		r.ParticipantID, r.ExperimentID, r.StageID, string(answers), r.SubmittedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSurveyResponse failed", "error", err, "participantID", r.ParticipantID, "stageID", r.StageID)
		return fmt.Errorf("failed to save survey response: %w", err)
	}
	slog.Debug("SQLiteStore SaveSurveyResponse succeeded", "participantID", r.ParticipantID, "stageID", r.StageID, "answers", len(r.Answers))
	return nil
}

func (s *SQLiteStore) GetSurveyResponse(ctx context.Context, participantID, experimentID, stageID string) (*models.SurveyResponse, error) {
	r, err := scanSurveyResponse(s.db.QueryRowContext(ctx,
		`SELECT participant_id, experiment_id, stage_id, answers, submitted_at
		 FROM survey_responses WHERE participant_id = ? AND experiment_id = ? AND stage_id = ?`,
		participantID, experimentID, stageID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load survey response: %w", err)
	}
	return &r, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
