package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LabLab/internal/alert"
	"github.com/BTreeMap/LabLab/internal/api"
	"github.com/BTreeMap/LabLab/internal/flow"
	"github.com/BTreeMap/LabLab/internal/lockfile"
	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/recovery"
	"github.com/BTreeMap/LabLab/internal/scheduler"
	"github.com/BTreeMap/LabLab/internal/store"
	"github.com/BTreeMap/LabLab/internal/telemetry"
)

func newServeCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and participant runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&cfg.MarketDataURL, "market-data-url", cfg.MarketDataURL, "base URL of the scenario/wallet data service; empty serves them from the store (overrides $MARKET_DATA_URL)")
	f.IntVar(&cfg.FetchMaxAttempts, "fetch-max-attempts", cfg.FetchMaxAttempts, "attempts per scenario or wallet fetch, at most 10 (overrides $LABLAB_FETCH_MAX_ATTEMPTS)")
	f.DurationVar(&cfg.FetchAttemptTimeout, "fetch-attempt-timeout", cfg.FetchAttemptTimeout, "timeout of a single fetch attempt (overrides $LABLAB_FETCH_ATTEMPT_TIMEOUT)")
	f.BoolVar(&cfg.FallbackEnabled, "fallback", cfg.FallbackEnabled, "substitute sample market data when the data service fails (overrides $LABLAB_FALLBACK_ENABLED)")
	f.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "countdown tick; shorten only for demos (overrides $LABLAB_TICK_INTERVAL)")
	f.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", cfg.SessionIdleTimeout, "close sessions nobody has opened for this long (overrides $LABLAB_SESSION_IDLE_TIMEOUT)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LABLAB_LOG_LEVEL)")
	return cmd
}

// openStore resolves the DSN, locks the state directory for file-backed
// databases and opens the backend. The returned cleanup releases both.
func openStore(cfg Config) (store.Backend, func(), error) {
	dsn := resolveDSN(cfg.DatabaseURL, cfg.StateDir)

	var lock *lockfile.Lock
	if usesStateDir(dsn) {
		var err error
		lock, err = lockfile.AcquireLock(filepath.Dir(dsn), cfg.APIAddr)
		if err != nil {
			return nil, nil, err
		}
	}

	backend, err := store.Open(buildStoreOptions(dsn)...)
	if err != nil {
		if lock != nil {
			lock.Release()
		}
		return nil, nil, err
	}
	cleanup := func() {
		if err := backend.Close(); err != nil {
			slog.Error("openStore: failed to close store", "error", err)
		}
		if lock != nil {
			lock.Release()
		}
	}
	return backend, cleanup, nil
}

// buildNotifier returns a Twilio-backed throttled notifier when credentials
// and recipients are configured, and a no-op otherwise.
func buildNotifier(cfg Config) alert.Notifier {
	if len(cfg.AlertTo) == 0 || cfg.TwilioAccountSID == "" {
		slog.Debug("buildNotifier: operator alerts disabled")
		return alert.NoOp{}
	}
	sender, err := alert.NewTwilioSender(
		alert.WithAccountSID(cfg.TwilioAccountSID),
		alert.WithAuthToken(cfg.TwilioAuthToken),
		alert.WithFromNumber(cfg.TwilioFromNumber),
	)
	if err != nil {
		slog.Warn("buildNotifier: Twilio not usable, operator alerts disabled", "error", err)
		return alert.NoOp{}
	}
	slog.Info("buildNotifier: operator alerts enabled", "recipients", len(cfg.AlertTo))
	return alert.NewThrottled(sender, cfg.AlertTo, alert.DefaultThrottleWindow)
}

// buildSource picks where scenario and wallet data come from.
func buildSource(cfg Config, st store.Store) marketdata.Source {
	if cfg.MarketDataURL != "" {
		slog.Info("buildSource: using market data service", "url", cfg.MarketDataURL)
		return marketdata.NewHTTPSource(cfg.MarketDataURL, nil)
	}
	slog.Info("buildSource: serving market data from the store")
	return marketdata.NewStoreSource(st)
}

func runServe(ctx context.Context, cfg Config) error {
	initializeLogger(cfg.LogLevel)
	slog.Info("Bootstrapping LabLab", "version", version)
	slog.Debug("Final configuration", "state_dir", cfg.StateDir, "dsn_set", cfg.DatabaseURL != "", "api_addr", cfg.APIAddr, "tick", cfg.TickInterval)

	backend, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	recorder := telemetry.New(ctx, cfg.Telemetry)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.Close(shutdownCtx); err != nil {
			slog.Warn("runServe: telemetry shutdown failed", "error", err)
		}
	}()

	notifier := buildNotifier(cfg)
	if t, ok := notifier.(*alert.Throttled); ok {
		defer t.Close()
	}
	fetcher := marketdata.NewFetcher(buildSource(cfg, backend),
		append(buildFetcherOptions(cfg),
			marketdata.WithRecorder(recorder),
			marketdata.WithNotifier(notifier),
		)...)

	runner := store.NewJobRunner(backend, DefaultJobPollInterval)
	flow.RegisterJobHandlers(runner, backend)

	rm := recovery.NewRecoveryManager(backend, runner)
	rm.RegisterRecoverable(recovery.StaleJobRecovery{})
	rm.RegisterRecoverable(recovery.ExperimentAudit{})
	if _, err := rm.RecoverAll(ctx); err != nil {
		slog.Error("runServe: recovery incomplete, continuing", "error", err)
	}

	writer := flow.NewProgressWriter(backend,
		flow.WithJobRepo(backend),
		flow.WithProgressRecorder(recorder),
	)
	sessions := flow.NewRegistry(backend,
		flow.WithFetcher(fetcher),
		flow.WithProgressWriter(writer),
		flow.WithRecorder(recorder),
		flow.WithTickInterval(cfg.TickInterval),
	)

	go runner.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(cfg.SweepSchedule, scheduler.SweepIdleSessions(sessions, cfg.SessionIdleTimeout)); err != nil {
		return fmt.Errorf("invalid LABLAB_SWEEP_SCHEDULE %q: %w", cfg.SweepSchedule, err)
	}

	server := api.NewServer(backend, sessions, buildAPIOptions(cfg)...)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	slog.Info("LabLab exited successfully")
	return nil
}
