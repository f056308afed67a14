package marketdata

import (
	"github.com/shopspring/decimal"

	"github.com/BTreeMap/LabLab/internal/models"
)

// Holding is one wallet asset priced at a round.
type Holding struct {
	AssetID string          `json:"assetId"`
	Symbol  string          `json:"symbol"`
	Name    string          `json:"name"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	Value   decimal.Decimal `json:"value"`
	// Priced is false when the scenario has no series for the asset; such
	// holdings are valued at zero.
	Priced bool `json:"priced"`
}

// Valuation is the portfolio at one round.
type Valuation struct {
	Round    int              `json:"round"`
	Holdings []Holding        `json:"holdings"`
	Total    decimal.Decimal  `json:"total"`
	Delta    *decimal.Decimal `json:"delta,omitempty"`
}

// Value prices assets at round (1-based) using the clamped series lookup.
// Delta against the previous round is only set from round 2 on.
func Value(sc *models.Scenario, assets []models.WalletAsset, round int) Valuation {
	if round < 1 {
		round = 1
	}
	holdings, total := priceAt(sc, assets, round)
	v := Valuation{Round: round, Holdings: holdings, Total: total}
	if round > 1 {
		_, prev := priceAt(sc, assets, round-1)
		d := total.Sub(prev)
		v.Delta = &d
	}
	return v
}

func priceAt(sc *models.Scenario, assets []models.WalletAsset, round int) ([]Holding, decimal.Decimal) {
	holdings := make([]Holding, 0, len(assets))
	total := decimal.Zero
	for _, a := range assets {
		h := Holding{
			AssetID: a.ID,
			Symbol:  a.Symbol,
			Name:    a.Name,
			Amount:  decimal.NewFromFloat(a.Amount),
		}
		if series, ok := sc.Series(a.ID, a.Symbol); ok && len(series.Prices) > 0 {
			h.Price = decimal.NewFromFloat(series.PriceAt(round))
			h.Priced = true
		}
		h.Value = h.Amount.Mul(h.Price)
		total = total.Add(h.Value)
		holdings = append(holdings, h)
	}
	return holdings, total
}
