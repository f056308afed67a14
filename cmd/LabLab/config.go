package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/LabLab/internal/api"
	"github.com/BTreeMap/LabLab/internal/flow"
	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/scheduler"
	"github.com/BTreeMap/LabLab/internal/store"
	"github.com/BTreeMap/LabLab/internal/telemetry"
	"github.com/BTreeMap/LabLab/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LabLab state data
	DefaultStateDir = "/var/lib/lablab"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "lablab.db"
	// DefaultJobPollInterval is how often the durable job runner looks for due jobs
	DefaultJobPollInterval = 5 * time.Second
)

// Config holds environment configuration. Flags registered in
// bindServeFlags use these values as their defaults.
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	LogLevel    string

	MarketDataURL       string
	FetchMaxAttempts    int
	FetchBaseDelay      time.Duration
	FetchMaxDelay       time.Duration
	FetchAttemptTimeout time.Duration
	FallbackEnabled     bool
	TickInterval        time.Duration

	SessionIdleTimeout time.Duration
	SweepSchedule      string

	Telemetry telemetry.Config

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	AlertTo          []string
}

// initializeLogger sets up structured logging. Unknown levels fall back to debug.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil || level == "" {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("LABLAB_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),
		LogLevel:    os.Getenv("LABLAB_LOG_LEVEL"),

		MarketDataURL:       os.Getenv("MARKET_DATA_URL"),
		FetchMaxAttempts:    util.ParseIntEnv("LABLAB_FETCH_MAX_ATTEMPTS", marketdata.DefaultMaxAttempts),
		FetchBaseDelay:      util.ParseDurationEnv("LABLAB_FETCH_BASE_DELAY", marketdata.DefaultBaseDelay),
		FetchMaxDelay:       util.ParseDurationEnv("LABLAB_FETCH_MAX_DELAY", marketdata.DefaultMaxDelay),
		FetchAttemptTimeout: util.ParseDurationEnv("LABLAB_FETCH_ATTEMPT_TIMEOUT", marketdata.DefaultAttemptTimeout),
		FallbackEnabled:     util.ParseBoolEnv("LABLAB_FALLBACK_ENABLED", true),
		TickInterval:        util.ParseDurationEnv("LABLAB_TICK_INTERVAL", flow.DefaultTickInterval),

		SessionIdleTimeout: util.ParseDurationEnv("LABLAB_SESSION_IDLE_TIMEOUT", scheduler.DefaultSessionIdleTimeout),
		SweepSchedule:      os.Getenv("LABLAB_SWEEP_SCHEDULE"),

		Telemetry: telemetry.LoadConfig(),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		AlertTo:          splitList(os.Getenv("LABLAB_ALERT_TO")),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LABLAB_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = scheduler.DefaultSweepSchedule
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LABLAB_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"MARKET_DATA_URL", config.MarketDataURL,
		"LABLAB_FETCH_MAX_ATTEMPTS", config.FetchMaxAttempts,
		"LABLAB_FALLBACK_ENABLED", config.FallbackEnabled,
		"LABLAB_OTEL_ENABLED", config.Telemetry.Enabled,
		"TWILIO_SET", config.TwilioAccountSID != "",
		"LABLAB_ALERT_TO_COUNT", len(config.AlertTo))

	return config
}

// resolveDSN picks the database: DATABASE_URL when set, otherwise a SQLite
// file in the state directory.
func resolveDSN(databaseURL, stateDir string) string {
	if databaseURL != "" {
		return databaseURL
	}
	return filepath.Join(stateDir, DefaultDBFileName)
}

// usesStateDir reports whether dsn is a file inside the state directory, in
// which case the directory must exist and be locked.
func usesStateDir(dsn string) bool {
	return store.DetectDSNType(dsn) != "postgres"
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(dsn string) []store.Option {
	var storeOpts []store.Option
	if dsn == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return append(storeOpts, store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return append(storeOpts, store.WithSQLiteDSN(dsn))
}

// buildFetcherOptions constructs market data fetcher options
func buildFetcherOptions(cfg Config) []marketdata.Option {
	return []marketdata.Option{
		marketdata.WithMaxAttempts(cfg.FetchMaxAttempts),
		marketdata.WithBaseDelay(cfg.FetchBaseDelay),
		marketdata.WithMaxDelay(cfg.FetchMaxDelay),
		marketdata.WithAttemptTimeout(cfg.FetchAttemptTimeout),
		marketdata.WithFallback(cfg.FallbackEnabled),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg Config) []api.Option {
	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
