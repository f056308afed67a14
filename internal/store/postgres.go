package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/LabLab/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time checks that PostgresStore implements Store and JobRepo.
var (
	_ Store   = (*PostgresStore)(nil)
	_ JobRepo = (*PostgresStore)(nil)
)

// PostgresStore persists LabLab data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveExperiment(ctx context.Context, e models.Experiment) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
		   document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		e.ID, e.Name, e.Description, string(doc), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveExperiment failed", "error", err, "experimentID", e.ID)
		return fmt.Errorf("failed to save experiment %s: %w", e.ID, err)
	}
	slog.Debug("PostgresStore SaveExperiment succeeded", "experimentID", e.ID, "stages", len(e.Stages))
	return nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	var doc string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT document, created_at FROM experiments WHERE id = $1`, id).Scan(&doc, &createdAt)
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

func (s *PostgresStore) ListExperiments(ctx context.Context) ([]models.Experiment, error) {
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

func (s *PostgresStore) DeleteExperiment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete experiment %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveScenario(ctx context.Context, sc models.Scenario) error {
	return s.putDocument(ctx, "scenarios", sc.ID, sc)
}

func (s *PostgresStore) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	var sc models.Scenario
	if err := s.getDocument(ctx, "scenarios", id, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) SaveWallet(ctx context.Context, w models.Wallet) error {
	return s.putDocument(ctx, "wallets", w.ID, w)
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	var w models.Wallet
	if err := s.getDocument(ctx, "wallets", id, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) putDocument(ctx context.Context, table, id string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", table, id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, document, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		id, string(doc), time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore putDocument failed", "table", table, "id", id, "error", err)
		return fmt.Errorf("failed to save %s %s: %w", table, id, err)
	}
	return nil
}

func (s *PostgresStore) getDocument(ctx context.Context, table, id string, v any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM `+table+` WHERE id = $1`, id).Scan(&doc)
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

func (s *PostgresStore) GetProgress(ctx context.Context, participantID, experimentID string) (*models.ParticipantProgress, error) {
	p, err := scanProgress(s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM participant_progress WHERE participant_id = $1 AND experiment_id = $2`,
		participantID, experimentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProgress failed", "error", err, "participantID", participantID, "experimentID", experimentID)
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return &p, nil
}

// SaveProgress merges p into the stored row under a row lock so concurrent
// writers for the same participant cannot lose each other's stages.
func (s *PostgresStore) SaveProgress(ctx context.Context, p models.ParticipantProgress) (models.ParticipantProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to begin progress transaction: %w", err)
	}
	defer tx.Rollback()

	// Seed the row so FOR UPDATE always has something to lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participant_progress (participant_id, experiment_id, status, completed_stages, last_activity_at)
		 VALUES ($1, $2, $3, '[]', $4) ON CONFLICT (participant_id, experiment_id) DO NOTHING`,
		p.ParticipantID, p.ExperimentID, string(models.ProgressNotStarted), time.Time{},
	); err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to seed progress: %w", err)
	}

	current, err := scanProgress(tx.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM participant_progress WHERE participant_id = $1 AND experiment_id = $2 FOR UPDATE`,
		p.ParticipantID, p.ExperimentID,
	))
	if err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to load progress: %w", err)
	}

	merged := current.Merge(p)
	stages, err := encodeStages(merged.CompletedStages)
	if err != nil {
		return models.ParticipantProgress{}, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE participant_progress SET status = $3, current_stage_id = $4, completed_stages = $5,
		   started_at = $6, completed_at = $7, last_activity_at = $8
		 WHERE participant_id = $1 AND experiment_id = $2`,
		merged.ParticipantID, merged.ExperimentID, string(merged.Status), nilIfEmpty(merged.CurrentStageID),
		stages, nilIfZeroTime(merged.StartedAt), nilIfZeroTime(merged.CompletedAt), merged.LastActivityAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveProgress failed", "error", err, "participantID", p.ParticipantID, "experimentID", p.ExperimentID)
		return models.ParticipantProgress{}, fmt.Errorf("failed to save progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ParticipantProgress{}, fmt.Errorf("failed to commit progress: %w", err)
	}
	slog.Debug("PostgresStore SaveProgress succeeded", "participantID", p.ParticipantID, "experimentID", p.ExperimentID, "status", merged.Status)
	return merged, nil
}

func (s *PostgresStore) ListProgress(ctx context.Context, experimentID string) ([]models.ParticipantProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM participant_progress WHERE experiment_id = $1 ORDER BY participant_id`,
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

func (s *PostgresStore) SaveSurveyResponse(ctx context.Context, r models.SurveyResponse) error {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return fmt.Errorf("failed to encode survey answers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO survey_responses (participant_id, experiment_id, stage_id, answers, submitted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (participant_id, experiment_id, stage_id) DO UPDATE SET
		   answers = EXCLUDED.answers, submitted_at = EXCLUDED.submitted_at`,
		r.ParticipantID, r.ExperimentID, r.StageID, string(answers), r.SubmittedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSurveyResponse failed", "error", err, "participantID", r.ParticipantID, "stageID", r.StageID)
		return fmt.Errorf("failed to save survey response: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSurveyResponse(ctx context.Context, participantID, experimentID, stageID string) (*models.SurveyResponse, error) {
	r, err := scanSurveyResponse(s.db.QueryRowContext(ctx,
		`SELECT participant_id, experiment_id, stage_id, answers, submitted_at
		 FROM survey_responses WHERE participant_id = $1 AND experiment_id = $2 AND stage_id = $3`,
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

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
