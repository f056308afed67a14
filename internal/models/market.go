// Package models defines scenario and wallet market data.
package models

// Scenario is the round configuration and price data of a market simulation.
type Scenario struct {
	ID                   string             `json:"id" yaml:"id"`
	Name                 string             `json:"name,omitempty" yaml:"name"`
	Rounds               int                `json:"rounds" yaml:"rounds"`
	RoundDurationSeconds int                `json:"roundDuration" yaml:"roundDuration"`
	WalletID             string             `json:"walletId" yaml:"walletId"`
	AssetPrices          []AssetPriceSeries `json:"assetPrices" yaml:"assetPrices"`
}

// AssetPriceSeries is the price of one asset indexed by round.
type AssetPriceSeries struct {
	AssetID string    `json:"assetId" yaml:"assetId"`
	Symbol  string    `json:"symbol" yaml:"symbol"`
	Prices  []float64 `json:"prices" yaml:"prices"`
}

// PriceAt returns the price for a 1-based round. The index is clamped to
// the series, so rounds past the end repeat the last known price. An empty
// series prices at zero.
func (s AssetPriceSeries) PriceAt(round int) float64 {
	if len(s.Prices) == 0 {
		return 0
	}
	i := round - 1
	if i < 0 {
		i = 0
	}
	if i > len(s.Prices)-1 {
		i = len(s.Prices) - 1
	}
	return s.Prices[i]
}

// Series returns the price series for an asset, matched by id then symbol.
func (sc *Scenario) Series(assetID, symbol string) (AssetPriceSeries, bool) {
	for _, s := range sc.AssetPrices {
		if s.AssetID != "" && s.AssetID == assetID {
			return s, true
		}
	}
	for _, s := range sc.AssetPrices {
		if symbol != "" && s.Symbol == symbol {
			return s, true
		}
	}
	return AssetPriceSeries{}, false
}

// Wallet is a named set of held assets.
type Wallet struct {
	ID     string        `json:"id" yaml:"id"`
	Name   string        `json:"name,omitempty" yaml:"name"`
	Assets []WalletAsset `json:"assets" yaml:"assets"`
}

// WalletAsset is one holding inside a wallet.
type WalletAsset struct {
	ID     string  `json:"id" yaml:"id"`
	Symbol string  `json:"symbol" yaml:"symbol"`
	Name   string  `json:"name" yaml:"name"`
	Amount float64 `json:"amount" yaml:"amount"`
}
