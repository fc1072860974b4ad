// Package position defines collateralized lending positions as observed by
// the chain watchers. Positions are read-only to the response pipeline.
package position

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single collateralized debt position on one venue.
// Monetary values are decimals; ratios derived from them are float64.
type Position struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	Chain                string          `json:"chain"`
	Protocol             string          `json:"protocol"`
	CollateralAsset      string          `json:"collateral_asset"`
	CollateralAmount     decimal.Decimal `json:"collateral_amount"`
	CollateralValueUSD   decimal.Decimal `json:"collateral_value_usd"`
	DebtAsset            string          `json:"debt_asset"`
	DebtAmount           decimal.Decimal `json:"debt_amount"`
	DebtValueUSD         decimal.Decimal `json:"debt_value_usd"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"`
	Active               bool            `json:"active"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// HealthFactor returns (collateral_usd * liquidation_threshold) / debt_usd.
// A position without debt is infinitely healthy; a position with debt and no
// collateral has a health factor of zero.
func (p *Position) HealthFactor() float64 {
	if !p.DebtValueUSD.IsPositive() {
		return math.Inf(1)
	}
	if !p.CollateralValueUSD.IsPositive() {
		return 0
	}
	hf, _ := p.CollateralValueUSD.Mul(p.LiquidationThreshold).Div(p.DebtValueUSD).Float64()
	return hf
}

// Collateralization is the raw collateral/debt ratio, ignoring the
// liquidation threshold.
func (p *Position) Collateralization() float64 {
	if !p.DebtValueUSD.IsPositive() {
		return math.Inf(1)
	}
	r, _ := p.CollateralValueUSD.Div(p.DebtValueUSD).Float64()
	return r
}

// Liquidatable reports whether the position is eligible for liquidation.
func (p *Position) Liquidatable() bool {
	return p.HealthFactor() < 1
}

// GroupKey identifies the netting group a position belongs to.
type GroupKey struct {
	CollateralAsset string
	DebtAsset       string
	Protocol        string
	Chain           string
}

// Key returns the position's netting group.
func (p *Position) Key() GroupKey {
	return GroupKey{
		CollateralAsset: p.CollateralAsset,
		DebtAsset:       p.DebtAsset,
		Protocol:        p.Protocol,
		Chain:           p.Chain,
	}
}

func (k GroupKey) String() string {
	return k.CollateralAsset + "/" + k.DebtAsset + "@" + k.Protocol + ":" + k.Chain
}
