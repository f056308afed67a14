// Package store provides storage backends for LabLab.
//
// It includes an in-memory store used by tests and single-process demos, and
// SQLite and PostgreSQL stores for persistent deployments. Experiments,
// scenarios and wallets are stored as JSON documents; participant progress and
// survey responses are stored as rows keyed by participant and experiment.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LabLab/internal/models"
)

// ErrNotFound is returned when a document lookup has no match.
var ErrNotFound = errors.New("not found")

// Store defines the persistence contract shared by every backend. Every
// call honours ctx cancellation and deadlines.
//
// Progress writes go through SaveProgress, which merges the incoming record
// into the stored one (see models.ParticipantProgress.Merge) and returns the
// merged result, so repeated or out-of-order writes are safe.
type Store interface {
	SaveExperiment(ctx context.Context, e models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListExperiments(ctx context.Context) ([]models.Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	SaveScenario(ctx context.Context, s models.Scenario) error
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
	SaveWallet(ctx context.Context, w models.Wallet) error
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)

	// GetProgress returns nil, nil when the participant has no record yet.
	GetProgress(ctx context.Context, participantID, experimentID string) (*models.ParticipantProgress, error)
	SaveProgress(ctx context.Context, p models.ParticipantProgress) (models.ParticipantProgress, error)
	ListProgress(ctx context.Context, experimentID string) ([]models.ParticipantProgress, error)

	// SaveSurveyResponse replaces any earlier submission for the same
	// (participant, experiment, stage) with the full answer map.
	SaveSurveyResponse(ctx context.Context, r models.SurveyResponse) error
	// GetSurveyResponse returns nil, nil when nothing was submitted.
	GetSurveyResponse(ctx context.Context, participantID, experimentID, stageID string) (*models.SurveyResponse, error)

	Close() error
}

// Opts holds configuration options for persistent stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports whether dsn addresses a PostgreSQL server or a SQLite file.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Backend is a Store that can also persist durable jobs.
type Backend interface {
	Store
	JobRepo
}

// Open builds the backend selected by the DSN. An empty DSN yields an in-memory store.
func Open(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
