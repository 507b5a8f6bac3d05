package domain

import "time"

// StrategySnapshot is one strategy as reported to the operator.
type StrategySnapshot struct {
	Record  StrategyRecord
	Assets  Amount
	Healthy bool
	Bound   bool
}

// Snapshot is a read-only view of the vault at one instant.
type Snapshot struct {
	Totals      Totals
	TotalAssets Amount
	Params      VaultParams
	Accounts    int
	Strategies  []StrategySnapshot
	Buckets     []Bucket
	At          time.Time
}

// Deployed is the capital held by strategies.
func (s Snapshot) Deployed() Amount {
	d, err := s.TotalAssets.Sub(s.Totals.Idle)
	if err != nil {
		return Zero
	}
	return d
}

// SharePrice is the asset value of one whole share (10^18 units), scaled to
// asset units. Zero while no shares exist.
func (s Snapshot) SharePrice() Amount {
	return AssetsForShares(Pow10(ShareDecimals), s.Totals.TotalShares, s.TotalAssets)
}
