package domain

import "fmt"

const (
	// ShareDecimals is the fixed precision of vault shares.
	ShareDecimals = 18
	// DefaultAssetDecimals matches a USDC-style stablecoin.
	DefaultAssetDecimals = 6
)

// DefaultMinimumDeposit is the smallest accepted deposit in raw asset units.
var DefaultMinimumDeposit = NewAmount(4)

// ShareMath converts between asset amounts and vault shares. Every division
// floors, so rounding always favors the vault.
type ShareMath struct {
	AssetDecimals  uint8
	MinimumDeposit Amount
}

// NewShareMath returns share math for an asset with the given decimals.
func NewShareMath(assetDecimals uint8, minDeposit Amount) ShareMath {
	if minDeposit.IsZero() {
		minDeposit = DefaultMinimumDeposit
	}
	return ShareMath{AssetDecimals: assetDecimals, MinimumDeposit: minDeposit}
}

// BootstrapShares is the share count minted for amount into an empty vault:
//
//	shares = amount × 10^18 / 10^assetDecimals
func (m ShareMath) BootstrapShares(amount Amount) Amount {
	return amount.MulDiv(Pow10(ShareDecimals), Pow10(m.AssetDecimals))
}

// SharesForDeposit computes the shares minted for amount given the vault's
// state before the deposit:
//
//	totalShares == 0: bootstrap ratio
//	otherwise:        shares = amount × totalShares / totalAssets  (floor)
func (m ShareMath) SharesForDeposit(amount, totalShares, totalAssets Amount) (Amount, error) {
	if err := m.CheckDeposit(amount); err != nil {
		return Zero, err
	}
	if totalShares.IsZero() {
		return m.BootstrapShares(amount), nil
	}
	if totalAssets.IsZero() {
		return Zero, fmt.Errorf("%w: %s shares outstanding against zero assets", ErrInvariantViolation, totalShares)
	}
	shares := amount.MulDiv(totalShares, totalAssets)
	if shares.IsZero() {
		return Zero, fmt.Errorf("%w: %s assets at price %s/%s", ErrZeroShares, amount, totalAssets, totalShares)
	}
	return shares, nil
}

// CheckDeposit rejects zero and dust deposits.
func (m ShareMath) CheckDeposit(amount Amount) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if amount.LT(m.MinimumDeposit) {
		return fmt.Errorf("%w: %s < %s", ErrDepositBelowMinimum, amount, m.MinimumDeposit)
	}
	return nil
}

// AssetsForShares computes amount = shares × totalAssets / totalShares (floor).
func AssetsForShares(shares, totalShares, totalAssets Amount) Amount {
	if totalShares.IsZero() || shares.IsZero() {
		return Zero
	}
	return shares.MulDiv(totalAssets, totalShares)
}

// PrincipalAfterRedeem reduces principal in proportion to the shares redeemed:
//
//	principal' = principal × (held - redeemed) / held
//
// A full redemption zeroes principal exactly.
func PrincipalAfterRedeem(principal, held, redeemed Amount) (Amount, error) {
	remaining, err := held.Sub(redeemed)
	if err != nil {
		return Zero, fmt.Errorf("%w: redeem %s of %s shares", ErrInsufficientShares, redeemed, held)
	}
	if remaining.IsZero() {
		return Zero, nil
	}
	return principal.MulDiv(remaining, held), nil
}

// EarnedYield is balance minus principal, clamped at zero when the position
// is under water.
func EarnedYield(balance, principal Amount) Amount {
	if balance.LTE(principal) {
		return Zero
	}
	y, _ := balance.Sub(principal)
	return y
}
