package fixtures

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

const sample = `
wallets:
  - id: starter
    name: Starter
    assets:
      - {id: aaa, symbol: AAA, name: Alpha, amount: 10}
      - {id: bbb, symbol: BBB, name: Beta, amount: 2.5}
scenarios:
  - id: bull
    rounds: 3
    roundDuration: 20
    walletId: starter
    assetPrices:
      - {assetId: aaa, symbol: AAA, prices: [10, 12, 15]}
      - {assetId: bbb, symbol: BBB, prices: [100]}
experiments:
  - id: risk-2026
    name: Risk study
    stages:
      - id: intro
        type: instructions
        title: Welcome
        instructions: {content: "# Hi"}
      - id: pause
        type: break
        title: Rest
        break: {durationSeconds: 30}
      - id: market
        type: scenario
        title: Market
        scenario: {scenarioId: bull}
      - id: about
        type: survey
        title: About you
        survey:
          questions:
            - {id: risk, type: multipleChoice, text: Risk appetite, required: true, options: [low, high]}
            - {id: calm, type: scale, text: How calm, scaleMin: 1, scaleMax: 5}
`

func TestParseAndImport(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	st := store.NewInMemoryStore()
	sum, err := Import(t.Context(), st, f)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if diff := cmp.Diff(Summary{Wallets: 1, Scenarios: 1, Experiments: 1}, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	exp, err := st.GetExperiment(t.Context(), "risk-2026")
	if err != nil {
		t.Fatalf("experiment not imported: %v", err)
	}
	if len(exp.Stages) != 4 || exp.Stages[3].Survey.Questions[1].ScaleMax != 5 {
		t.Errorf("unexpected stages %+v", exp.Stages)
	}

	sc, err := st.GetScenario(t.Context(), "bull")
	if err != nil {
		t.Fatalf("scenario not imported: %v", err)
	}
	want := models.AssetPriceSeries{AssetID: "aaa", Symbol: "AAA", Prices: []float64{10, 12, 15}}
	if diff := cmp.Diff(want, sc.AssetPrices[0]); diff != "" {
		t.Errorf("price series mismatch (-want +got):\n%s", diff)
	}

	w, err := st.GetWallet(t.Context(), "starter")
	if err != nil || len(w.Assets) != 2 || w.Assets[1].Amount != 2.5 {
		t.Errorf("wallet not imported: %+v (%v)", w, err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(f.Experiments) != 1 {
		t.Errorf("expected one experiment, got %d", len(f.Experiments))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty document", "", "declares no"},
		{"only comments", "# nothing here\n", "declares no"},
		{"unknown field", "wallets:\n  - id: w\n    colour: red\n", "colour"},
		{"invalid experiment", "experiments:\n  - id: e\n    stages: []\n", "at least one stage"},
		{"bad stage payload", "experiments:\n  - id: e\n    stages:\n      - {id: a, type: break, title: x}\n", "payload"},
		{"duplicate scenario", "scenarios:\n  - {id: s, rounds: 1, roundDuration: 1}\n  - {id: s, rounds: 1, roundDuration: 1}\n", "duplicate scenario"},
		{"zero rounds", "scenarios:\n  - {id: s, rounds: 0, roundDuration: 1}\n", "must be positive"},
		{"wallet without id", "wallets:\n  - {name: nameless}\n", "empty id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected an error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	f := &File{
		Wallets:   []models.Wallet{{ID: "w"}, {ID: "w"}},
		Scenarios: []models.Scenario{{ID: "s"}},
	}
	err := f.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"duplicate wallet w", "scenario s"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
	if errors.Is(err, ErrEmpty) {
		t.Error("a non-empty file should not report ErrEmpty")
	}
}
