// Package marketdata loads scenario price series and wallet holdings for the
// scenario stage. The data source is treated as unreliable: every fetch is
// bounded, retried with capped exponential backoff, and replaced by a built-in
// sample basket when the source stays unavailable.
package marketdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

var (
	// ErrServiceUnavailable marks a 503-class answer. It ends the retry loop at once.
	ErrServiceUnavailable = errors.New("market data service unavailable")
	// ErrNotFound means the source answered and has no such scenario or wallet.
	ErrNotFound = errors.New("market data not found")
	// ErrMalformed means the source answered with a payload that cannot be used.
	ErrMalformed = errors.New("malformed market data payload")
)

// Source is the scenario/wallet data contract.
type Source interface {
	GetScenario(ctx context.Context, id string) (*models.Scenario, error)
	GetWalletAssets(ctx context.Context, walletID string) ([]models.WalletAsset, error)
}

// StoreSource serves market data straight from the local store.
type StoreSource struct {
	st store.Store
}

// NewStoreSource creates a Source backed by st.
func NewStoreSource(st store.Store) *StoreSource {
	return &StoreSource{st: st}
}

func (s *StoreSource) GetScenario(ctx context.Context, id string) (*models.Scenario, error) {
	sc, err := s.st.GetScenario(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *StoreSource) GetWalletAssets(ctx context.Context, walletID string) ([]models.WalletAsset, error) {
	w, err := s.st.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return w.Assets, nil
}

// validateScenario rejects payloads the round loop cannot run on.
func validateScenario(sc *models.Scenario) error {
	if sc == nil {
		return fmt.Errorf("%w: empty scenario", ErrMalformed)
	}
	if sc.Rounds <= 0 {
		return fmt.Errorf("%w: scenario %s has %d rounds", ErrMalformed, sc.ID, sc.Rounds)
	}
	if sc.RoundDurationSeconds <= 0 {
		return fmt.Errorf("%w: scenario %s has no round duration", ErrMalformed, sc.ID)
	}
	for _, series := range sc.AssetPrices {
		if series.Symbol == "" && series.AssetID == "" {
			return fmt.Errorf("%w: scenario %s has an unnamed price series", ErrMalformed, sc.ID)
		}
	}
	return nil
}
