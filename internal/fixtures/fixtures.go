// Package fixtures loads experiments, scenarios and wallets from a YAML file
// into a store.
//
// A fixture file looks like:
//
//	wallets:
//	  - id: starter
//	    assets:
//	      - {id: aaa, symbol: AAA, name: Alpha, amount: 10}
//	scenarios:
//	  - id: bull
//	    rounds: 3
//	    roundDuration: 20
//	    walletId: starter
//	    assetPrices:
//	      - {assetId: aaa, symbol: AAA, prices: [10, 12, 15]}
//	experiments:
//	  - id: risk-2026
//	    name: Risk study
//	    stages:
//	      - {id: intro, type: instructions, title: Welcome, instructions: {content: "# Hi"}}
//	      - {id: market, type: scenario, title: Market, scenario: {scenarioId: bull}}
package fixtures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

// ErrEmpty is returned for a fixture file that declares nothing.
var ErrEmpty = errors.New("fixture file declares no experiments, scenarios or wallets")

// File is the decoded content of a fixture file.
type File struct {
	Wallets     []models.Wallet     `yaml:"wallets"`
	Scenarios   []models.Scenario   `yaml:"scenarios"`
	Experiments []models.Experiment `yaml:"experiments"`
}

// Summary counts what Import wrote.
type Summary struct {
	Wallets     int
	Scenarios   int
	Experiments int
}

// Load reads and validates a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	f, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates fixtures from r. Unknown keys are rejected so
// a misspelled field fails loudly instead of importing a zero value.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every record and the references between them. A scenario
// stage may point at a scenario that is not in the file; it is then expected
// to be served by the market data service.
func (f *File) Validate() error {
	if len(f.Wallets)+len(f.Scenarios)+len(f.Experiments) == 0 {
		return ErrEmpty
	}

	var errs []error
	wallets := make(map[string]bool, len(f.Wallets))
	for _, w := range f.Wallets {
		switch {
		case w.ID == "":
			errs = append(errs, errors.New("wallet with empty id"))
		case wallets[w.ID]:
			errs = append(errs, fmt.Errorf("duplicate wallet %s", w.ID))
		}
		wallets[w.ID] = true
		for _, a := range w.Assets {
			if a.Symbol == "" && a.ID == "" {
				errs = append(errs, fmt.Errorf("wallet %s: asset without id or symbol", w.ID))
			}
		}
	}

	scenarios := make(map[string]bool, len(f.Scenarios))
	for _, sc := range f.Scenarios {
		switch {
		case sc.ID == "":
			errs = append(errs, errors.New("scenario with empty id"))
		case scenarios[sc.ID]:
			errs = append(errs, fmt.Errorf("duplicate scenario %s", sc.ID))
		}
		scenarios[sc.ID] = true
		if sc.Rounds <= 0 || sc.RoundDurationSeconds <= 0 {
			errs = append(errs, fmt.Errorf("scenario %s: rounds and roundDuration must be positive", sc.ID))
		}
		if sc.WalletID != "" && len(f.Wallets) > 0 && !wallets[sc.WalletID] {
			slog.Warn("fixtures.Validate: scenario wallet not in file", "scenarioID", sc.ID, "walletID", sc.WalletID)
		}
	}

	experiments := make(map[string]bool, len(f.Experiments))
	for i := range f.Experiments {
		exp := &f.Experiments[i]
		if experiments[exp.ID] {
			errs = append(errs, fmt.Errorf("duplicate experiment %s", exp.ID))
		}
		experiments[exp.ID] = true
		if err := exp.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("experiment %q: %w", exp.ID, err))
			continue
		}
		for _, st := range exp.Stages {
			if st.Type == models.StageTypeScenario && !scenarios[st.Scenario.ScenarioID] {
				slog.Warn("fixtures.Validate: scenario not in file, expecting the data service to serve it", "experimentID", exp.ID, "stageID", st.ID, "scenarioID", st.Scenario.ScenarioID)
			}
		}
	}
	return errors.Join(errs...)
}

// Import writes wallets, then scenarios, then experiments, so an experiment
// never becomes visible before the data it references. Existing records
// with the same id are replaced.
func Import(ctx context.Context, st store.Store, f *File) (Summary, error) {
	var sum Summary
	for _, w := range f.Wallets {
		if err := st.SaveWallet(ctx, w); err != nil {
			return sum, fmt.Errorf("save wallet %s: %w", w.ID, err)
		}
		sum.Wallets++
	}
	for _, sc := range f.Scenarios {
		if err := st.SaveScenario(ctx, sc); err != nil {
			return sum, fmt.Errorf("save scenario %s: %w", sc.ID, err)
		}
		sum.Scenarios++
	}
	for _, exp := range f.Experiments {
		if err := st.SaveExperiment(ctx, exp); err != nil {
			return sum, fmt.Errorf("save experiment %s: %w", exp.ID, err)
		}
		sum.Experiments++
	}
	slog.Info("fixtures.Import: fixtures imported", "wallets", sum.Wallets, "scenarios", sum.Scenarios, "experiments", sum.Experiments)
	return sum, nil
}
