package marketdata

import "github.com/BTreeMap/LabLab/internal/models"

// Fallback scenario shape.
const (
	FallbackRounds               = 5
	FallbackRoundDurationSeconds = 30
	FallbackWalletID             = "fallback-wallet"
)

// FallbackNotice is shown to the participant whenever sample data is in use.
const FallbackNotice = "Live market data is unavailable, so this round uses sample data. You can continue as normal."

// FallbackScenario returns the built-in sample scenario. It keeps the
// requested id so progress and logs still refer to the configured stage.
func FallbackScenario(id string) models.Scenario {
	return models.Scenario{
		ID:                   id,
		Name:                 "Sample market",
		Rounds:               FallbackRounds,
		RoundDurationSeconds: FallbackRoundDurationSeconds,
		WalletID:             FallbackWalletID,
		AssetPrices: []models.AssetPriceSeries{
			{AssetID: "fb-tech", Symbol: "TECH", Prices: []float64{100, 104.5, 98.2, 110.3, 115.8}},
			{AssetID: "fb-enrg", Symbol: "ENRG", Prices: []float64{50, 49.1, 52.4, 51.7, 55.2}},
			{AssetID: "fb-bond", Symbol: "BOND", Prices: []float64{20, 20.1, 20.2, 20.2, 20.3}},
			{AssetID: "fb-gold", Symbol: "GOLD", Prices: []float64{75, 77.4, 80.1, 76.9, 78.3}},
		},
	}
}

// FallbackWalletAssets returns the holdings that go with FallbackScenario.
func FallbackWalletAssets() []models.WalletAsset {
	return []models.WalletAsset{
		{ID: "fb-tech", Symbol: "TECH", Name: "Sample Technology Fund", Amount: 10},
		{ID: "fb-enrg", Symbol: "ENRG", Name: "Sample Energy Corp", Amount: 20},
		{ID: "fb-bond", Symbol: "BOND", Name: "Sample Treasury Bond", Amount: 50},
		{ID: "fb-gold", Symbol: "GOLD", Name: "Sample Gold Trust", Amount: 5},
	}
}
