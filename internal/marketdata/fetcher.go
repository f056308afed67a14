package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LabLab/internal/alert"
	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/telemetry"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts    = 10
	MaxAllowedAttempts    = 10
	DefaultBaseDelay      = 250 * time.Millisecond
	DefaultMaxDelay       = 4 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

// Dataset is everything the scenario stage needs to run its rounds.
type Dataset struct {
	Scenario         models.Scenario      `json:"scenario"`
	Assets           []models.WalletAsset `json:"assets"`
	ScenarioFallback bool                 `json:"scenarioFallback"`
	WalletFallback   bool                 `json:"walletFallback"`
}

// UsesFallback reports whether any part of the dataset is sample data.
func (d *Dataset) UsesFallback() bool {
	return d.ScenarioFallback || d.WalletFallback
}

// Fetcher loads scenario datasets with bounded retries and fallback.
type Fetcher struct {
	src            Source
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
	fallback       bool
	recorder       telemetry.Recorder
	notifier       alert.Notifier
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxAttempts sets the total attempts per resource, clamped to [1, MaxAllowedAttempts].
func WithMaxAttempts(n int) Option {
	return func(f *Fetcher) {
		if n < 1 {
			n = 1
		}
		if n > MaxAllowedAttempts {
			n = MaxAllowedAttempts
		}
		f.maxAttempts = n
	}
}

// WithBaseDelay sets the wait after the first failed attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.baseDelay = d
		}
	}
}

// WithMaxDelay caps the doubling wait between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.maxDelay = d
		}
	}
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithFallback toggles substitution of the built-in sample basket.
func WithFallback(enabled bool) Option {
	return func(f *Fetcher) { f.fallback = enabled }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r telemetry.Recorder) Option {
	return func(f *Fetcher) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithNotifier sets where operator alerts go when sample data is substituted.
func WithNotifier(n alert.Notifier) Option {
	return func(f *Fetcher) {
		if n != nil {
			f.notifier = n
		}
	}
}

// NewFetcher creates a Fetcher over src. Fallback is enabled by default.
func NewFetcher(src Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:            src,
		maxAttempts:    DefaultMaxAttempts,
		baseDelay:      DefaultBaseDelay,
		maxDelay:       DefaultMaxDelay,
		attemptTimeout: DefaultAttemptTimeout,
		fallback:       true,
		recorder:       telemetry.NewNoOp(),
		notifier:       alert.NoOp{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxDelay < f.baseDelay {
		f.maxDelay = f.baseDelay
	}
	return f
}

// FallbackEnabled reports whether the fetcher substitutes sample data.
func (f *Fetcher) FallbackEnabled() bool {
	return f.fallback
}

// Load fetches the scenario and its wallet holdings. With a wallet override
// on ref both are fetched concurrently; otherwise the wallet id comes from
// the scenario.
//
// Load only fails when ctx is cancelled or, with fallback disabled, when the
// scenario cannot be fetched. A wallet failure never fails the load.
func (f *Fetcher) Load(ctx context.Context, ref models.ScenarioRef) (*Dataset, error) {
	ds := &Dataset{}

	if ref.WalletID != "" {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			sc, fb, err := f.fetchScenario(gctx, ref.ScenarioID)
			ds.Scenario, ds.ScenarioFallback = sc, fb
			return err
		})
		g.Go(func() error {
			assets, fb, err := f.fetchWallet(gctx, ref.WalletID)
			ds.Assets, ds.WalletFallback = assets, fb
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		pairFallback(ds, ref.ScenarioID)
		return ds, nil
	}

	sc, fb, err := f.fetchScenario(ctx, ref.ScenarioID)
	if err != nil {
		return nil, err
	}
	ds.Scenario, ds.ScenarioFallback = sc, fb
	switch {
	case fb:
		ds.Assets, ds.WalletFallback = FallbackWalletAssets(), true
	case sc.WalletID == "":
		slog.Warn("Fetcher.Load: scenario has no wallet, running without holdings", "scenarioID", sc.ID)
	default:
		assets, wfb, err := f.fetchWallet(ctx, sc.WalletID)
		if err != nil {
			return nil, err
		}
		ds.Assets, ds.WalletFallback = assets, wfb
		pairFallback(ds, ref.ScenarioID)
	}
	return ds, nil
}

// pairFallback keeps sample data on both sides: sample holdings have no
// series in a real scenario, and real holdings have none in the sample one.
func pairFallback(ds *Dataset, scenarioID string) {
	switch {
	case ds.ScenarioFallback && !ds.WalletFallback:
		ds.Assets, ds.WalletFallback = FallbackWalletAssets(), true
	case ds.WalletFallback && !ds.ScenarioFallback:
		slog.Warn("Fetcher.Load: wallet is sample data, switching scenario to match", "scenarioID", scenarioID)
		ds.Scenario, ds.ScenarioFallback = FallbackScenario(scenarioID), true
	}
}

func (f *Fetcher) fetchScenario(ctx context.Context, id string) (models.Scenario, bool, error) {
	var sc *models.Scenario
	attempts, err := f.retry(ctx, ResourceScenario, id, func(actx context.Context) error {
		got, err := f.src.GetScenario(actx, id)
		if err != nil {
			return err
		}
		if err := validateScenario(got); err != nil {
			return err
		}
		sc = got
		return nil
	})
	if err == nil {
		return *sc, false, nil
	}
	if ctx.Err() != nil {
		return models.Scenario{}, false, ctx.Err()
	}
	if !f.fallback {
		slog.Error("Fetcher.fetchScenario: giving up", "scenarioID", id, "attempts", attempts, "error", err)
		return models.Scenario{}, false, &TransientDataError{Resource: ResourceScenario, ID: id, Attempts: attempts, Err: err}
	}
	f.substitute(ctx, ResourceScenario, id, attempts, err)
	return FallbackScenario(id), true, nil
}

func (f *Fetcher) fetchWallet(ctx context.Context, walletID string) ([]models.WalletAsset, bool, error) {
	var assets []models.WalletAsset
	attempts, err := f.retry(ctx, ResourceWallet, walletID, func(actx context.Context) error {
		got, err := f.src.GetWalletAssets(actx, walletID)
		if err != nil {
			return err
		}
		assets = got
		return nil
	})
	if err == nil {
		return assets, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	if !f.fallback {
		// Late wallet data is not a reason to block the scenario.
		slog.Warn("Fetcher.fetchWallet: running without holdings", "walletID", walletID, "attempts", attempts, "error", err)
		return nil, false, nil
	}
	f.substitute(ctx, ResourceWallet, walletID, attempts, err)
	return FallbackWalletAssets(), true, nil
}

// retry runs op until it succeeds, the attempt budget is spent, or a
// permanent error (503, not found, cancelled ctx) ends the loop. The wait
// between attempts starts at baseDelay and doubles up to maxDelay.
func (f *Fetcher) retry(ctx context.Context, resource, id string, op func(context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = f.maxDelay
	b.MaxElapsedTime = 0
	// WithMaxRetries treats zero as unlimited, so a single attempt needs StopBackOff.
	var limited backoff.BackOff = &backoff.StopBackOff{}
	if f.maxAttempts > 1 {
		limited = backoff.WithMaxRetries(b, uint64(f.maxAttempts-1))
	}
	policy := backoff.WithContext(limited, ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
		err := op(actx)
		cancel()
		f.recorder.FetchAttempt(ctx, resource, attempts, err)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrNotFound):
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.Debug("Fetcher.retry: attempt failed", "resource", resource, "id", id, "attempt", attempts, "wait", wait, "error", err)
	})
	return attempts, err
}

func (f *Fetcher) substitute(ctx context.Context, resource, id string, attempts int, cause error) {
	reason := fallbackReason(cause)
	slog.Warn("Fetcher: substituting sample data", "resource", resource, "id", id, "attempts", attempts, "reason", reason, "error", cause)
	f.recorder.FallbackUsed(ctx, resource, reason)
	f.notifier.Notify(ctx, "fallback:"+resource,
		fmt.Sprintf("LabLab: %s %s unavailable (%s after %d attempt(s)); participants are seeing sample data.", resource, id, reason, attempts))
}
