package netting

import "github.com/shopspring/decimal"

// Params are the heuristic constants behind every netting decision. They
// are policy knobs rather than derived economics; DefaultParams returns the
// production values.
type Params struct {
	// RiskyHealthFactor splits positions: at or below is risky, above is safe.
	RiskyHealthFactor float64

	// Pairwise netting: min(RiskyDebtShare * risky debt,
	// SafeExcessShare * (safe collateral - SafeCollateralization * safe debt)).
	RiskyDebtShare        decimal.Decimal
	SafeExcessShare       decimal.Decimal
	SafeCollateralization decimal.Decimal
	MinNettingUSD         decimal.Decimal

	// Individual protection cost: BaseCostUSD + CostRate * collateral value.
	BaseCostUSD decimal.Decimal
	CostRate    decimal.Decimal

	// Coordinated cost applies a discount of BaseDiscount +
	// DiscountStep * (n - 2), capped at MaxDiscount. BaseDiscount >= 0.4
	// keeps coordinated cost at or below 60% of the individual sum.
	BaseDiscount decimal.Decimal
	DiscountStep decimal.Decimal
	MaxDiscount  decimal.Decimal

	// Bulk optimization.
	BulkMinPositions         int
	BulkMaxCollateralization float64
	BulkMinSavingsUSD        decimal.Decimal
	BulkRepayShare           decimal.Decimal

	// Cross-chain transfers pay a bridge fee out of their savings.
	BridgeCostUSD decimal.Decimal

	// Sequential protection tops up collateral by this share of debt.
	SequentialTopUpShare decimal.Decimal

	// MaxComplexity is the exclusive upper bound for a viable opportunity.
	MaxComplexity float64

	PairwiseComplexity   float64
	CrossChainComplexity float64
	ProtocolComplexity   float64

	// ProtocolMaturity scores how battle-tested a venue is, in [0,1].
	ProtocolMaturity map[string]float64
	DefaultMaturity  float64
}

// DefaultParams returns the production netting parameters.
func DefaultParams() Params {
	return Params{
		RiskyHealthFactor: 2.0,

		RiskyDebtShare:        decimal.RequireFromString("0.5"),
		SafeExcessShare:       decimal.RequireFromString("0.3"),
		SafeCollateralization: decimal.RequireFromString("1.5"),
		MinNettingUSD:         decimal.NewFromInt(100),

		BaseCostUSD: decimal.NewFromInt(50),
		CostRate:    decimal.RequireFromString("0.001"),

		BaseDiscount: decimal.RequireFromString("0.4"),
		DiscountStep: decimal.RequireFromString("0.05"),
		MaxDiscount:  decimal.RequireFromString("0.7"),

		BulkMinPositions:         3,
		BulkMaxCollateralization: 2.0,
		BulkMinSavingsUSD:        decimal.NewFromInt(50),
		BulkRepayShare:           decimal.RequireFromString("0.1"),

		BridgeCostUSD: decimal.NewFromInt(25),

		SequentialTopUpShare: decimal.RequireFromString("0.1"),

		MaxComplexity:        0.8,
		PairwiseComplexity:   0.2,
		CrossChainComplexity: 0.5,
		ProtocolComplexity:   0.3,

		ProtocolMaturity: map[string]float64{
			"aave":     0.95,
			"compound": 0.9,
			"maker":    0.9,
			"spark":    0.8,
			"morpho":   0.75,
		},
		DefaultMaturity: 0.6,
	}
}

// Maturity returns the maturity score for protocol.
func (p Params) Maturity(protocol string) float64 {
	if m, ok := p.ProtocolMaturity[protocol]; ok {
		return m
	}
	return p.DefaultMaturity
}
