// Package netting finds capital-efficient coordinated protections across
// positions and picks a strategy for a set of incidents.
package netting

import (
	"cmp"
	"math"
	"slices"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/position"
)

// Type is the kind of coordination an opportunity or strategy uses.
type Type string

const (
	TypeCooperativeNetting   Type = "cooperative_netting"
	TypeBulkOptimization     Type = "bulk_optimization"
	TypeCrossChainArbitrage  Type = "cross_chain_arbitrage"
	TypeProtocolOptimization Type = "protocol_optimization"
	TypeSequential           Type = "sequential"
)

// Opportunity is a transient coordination candidate produced by a scan.
// For pairwise types PositionIDs is [risky, safe].
type Opportunity struct {
	ID               string          `json:"id"`
	Type             Type            `json:"type"`
	PositionIDs      []string        `json:"position_ids"`
	NettingAmount    decimal.Decimal `json:"netting_amount"`
	PotentialSavings decimal.Decimal `json:"potential_savings"`
	Confidence       float64         `json:"confidence"`
	RiskReduction    float64         `json:"risk_reduction"`
	Complexity       float64         `json:"complexity"`
}

// Score ranks opportunities: (savings/100) * confidence * (1 - complexity).
func (o *Opportunity) Score() float64 {
	savings := o.PotentialSavings.InexactFloat64()
	return savings / 100 * o.Confidence * (1 - o.Complexity)
}

// Involves reports whether any of ids participates in o.
func (o *Opportunity) Involves(ids []string) bool {
	for _, id := range ids {
		if slices.Contains(o.PositionIDs, id) {
			return true
		}
	}
	return false
}

// Group partitions positions by GroupKey. Keys are returned in a stable
// order and members are sorted by ID.
func Group(positions []position.Position) ([]position.GroupKey, map[position.GroupKey][]position.Position) {
	groups := make(map[position.GroupKey][]position.Position)
	for _, p := range positions {
		k := p.Key()
		groups[k] = append(groups[k], p)
	}
	keys := make([]position.GroupKey, 0, len(groups))
	for k, members := range groups {
		slices.SortFunc(members, byID)
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b position.GroupKey) int { return cmp.Compare(a.String(), b.String()) })
	return keys, groups
}

func byID(a, b position.Position) int { return cmp.Compare(a.ID, b.ID) }

// IndividualCost is the cost of protecting p on its own.
func (p Params) IndividualCost(pos position.Position) decimal.Decimal {
	return p.BaseCostUSD.Add(p.CostRate.Mul(pos.CollateralValueUSD))
}

// CoordinatedCost is the cost of protecting positions together. It never
// exceeds (1 - BaseDiscount) of the summed individual costs.
func (p Params) CoordinatedCost(positions []position.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, pos := range positions {
		sum = sum.Add(p.IndividualCost(pos))
	}
	extra := max(len(positions)-2, 0)
	discount := decimal.Min(p.BaseDiscount.Add(p.DiscountStep.Mul(decimal.NewFromInt(int64(extra)))), p.MaxDiscount)
	return sum.Mul(decimal.NewFromInt(1).Sub(discount))
}

// Savings is the summed individual cost minus the coordinated cost.
func (p Params) Savings(positions []position.Position) decimal.Decimal {
	sum := decimal.Zero
	for _, pos := range positions {
		sum = sum.Add(p.IndividualCost(pos))
	}
	return sum.Sub(p.CoordinatedCost(positions))
}

// NettingAmount returns min(RiskyDebtShare * risky debt, SafeExcessShare *
// safe excess) where safe excess is the safe position's collateral above
// SafeCollateralization times its debt.
func (p Params) NettingAmount(risky, safe position.Position) decimal.Decimal {
	fromRisky := p.RiskyDebtShare.Mul(risky.DebtValueUSD)
	excess := safe.CollateralValueUSD.Sub(p.SafeCollateralization.Mul(safe.DebtValueUSD))
	fromSafe := p.SafeExcessShare.Mul(excess)
	return decimal.Min(fromRisky, fromSafe)
}

// risky reports whether pos needs protection.
func (p Params) risky(pos position.Position) bool {
	return pos.DebtValueUSD.IsPositive() && pos.HealthFactor() <= p.RiskyHealthFactor
}

// pairConfidence combines the health-factor gap, the netting fraction of
// the smaller position and the venue maturity.
func (p Params) pairConfidence(risky, safe position.Position, amount decimal.Decimal) float64 {
	gap := safe.HealthFactor() - risky.HealthFactor()
	if math.IsInf(gap, 1) || math.IsNaN(gap) {
		gap = 2
	}
	gapScore := clamp01(gap / 2)

	smaller := decimal.Min(risky.CollateralValueUSD, safe.CollateralValueUSD)
	fraction := 1.0
	if smaller.IsPositive() {
		fraction = amount.Div(smaller).InexactFloat64()
	}
	sizeScore := 1 - clamp01(fraction)

	maturity := min(p.Maturity(risky.Protocol), p.Maturity(safe.Protocol))

	return clamp01(0.4*gapScore + 0.3*sizeScore + 0.3*maturity)
}

func riskReduction(risky position.Position, amount decimal.Decimal) float64 {
	if !risky.DebtValueUSD.IsPositive() {
		return 0
	}
	return clamp01(amount.Div(risky.DebtValueUSD).InexactFloat64())
}

// Pairwise evaluates cooperative netting between a risky and a safe
// position. ok is false when either side does not qualify or the amount is
// below MinNettingUSD.
func (p Params) Pairwise(risky, safe position.Position) (Opportunity, bool) {
	if risky.ID == safe.ID || !p.risky(risky) || p.risky(safe) {
		return Opportunity{}, false
	}
	amount := p.NettingAmount(risky, safe)
	if amount.LessThan(p.MinNettingUSD) {
		return Opportunity{}, false
	}
	return Opportunity{
		ID:               uuid.NewString(),
		Type:             TypeCooperativeNetting,
		PositionIDs:      []string{risky.ID, safe.ID},
		NettingAmount:    amount,
		PotentialSavings: p.Savings([]position.Position{risky, safe}),
		Confidence:       p.pairConfidence(risky, safe, amount),
		RiskReduction:    riskReduction(risky, amount),
		Complexity:       p.PairwiseComplexity,
	}, true
}

// BulkComplexity grows with the distinct users, chains and protocols among
// positions and with the group size.
func BulkComplexity(positions []position.Position) float64 {
	users := map[string]struct{}{}
	chains := map[string]struct{}{}
	protocols := map[string]struct{}{}
	for _, pos := range positions {
		users[pos.UserID] = struct{}{}
		chains[pos.Chain] = struct{}{}
		protocols[pos.Protocol] = struct{}{}
	}
	c := 0.2 +
		0.1*float64(len(users)-1) +
		0.2*float64(len(chains)-1) +
		0.15*float64(len(protocols)-1) +
		0.02*float64(max(len(positions)-3, 0))
	return clamp01(c)
}

// Bulk evaluates a single coordinated protection over a whole group.
func (p Params) Bulk(group []position.Position) (Opportunity, bool) {
	if len(group) < p.BulkMinPositions {
		return Opportunity{}, false
	}

	totalColl, totalDebt := decimal.Zero, decimal.Zero
	var riskyN int
	maturity := 1.0
	for _, pos := range group {
		totalColl = totalColl.Add(pos.CollateralValueUSD)
		totalDebt = totalDebt.Add(pos.DebtValueUSD)
		if p.risky(pos) {
			riskyN++
		}
		maturity = min(maturity, p.Maturity(pos.Protocol))
	}
	if !totalDebt.IsPositive() {
		return Opportunity{}, false
	}
	avg := totalColl.Div(totalDebt).InexactFloat64()
	if avg > p.BulkMaxCollateralization {
		return Opportunity{}, false
	}

	savings := p.Savings(group)
	complexity := BulkComplexity(group)
	if !savings.GreaterThan(p.BulkMinSavingsUSD) || complexity >= p.MaxComplexity {
		return Opportunity{}, false
	}

	ids := make([]string, 0, len(group))
	for _, pos := range group {
		ids = append(ids, pos.ID)
	}
	return Opportunity{
		ID:               uuid.NewString(),
		Type:             TypeBulkOptimization,
		PositionIDs:      ids,
		NettingAmount:    p.BulkRepayShare.Mul(totalDebt),
		PotentialSavings: savings,
		Confidence:       clamp01(0.6*maturity + 0.4*(1-complexity)),
		RiskReduction:    float64(riskyN) / float64(len(group)),
		Complexity:       complexity,
	}, true
}

// CrossChain evaluates moving excess collateral between two positions of
// the same user and collateral asset on different chains.
func (p Params) CrossChain(risky, safe position.Position) (Opportunity, bool) {
	if risky.UserID != safe.UserID || risky.CollateralAsset != safe.CollateralAsset || risky.Chain == safe.Chain {
		return Opportunity{}, false
	}
	o, ok := p.Pairwise(risky, safe)
	if !ok {
		return Opportunity{}, false
	}
	o.PotentialSavings = o.PotentialSavings.Sub(p.BridgeCostUSD)
	if !o.PotentialSavings.IsPositive() {
		return Opportunity{}, false
	}
	o.Type = TypeCrossChainArbitrage
	o.Confidence = clamp01(o.Confidence * 0.8)
	o.Complexity = p.CrossChainComplexity
	return o, true
}

// ProtocolOpt evaluates shifting exposure from a risky position on a less
// mature venue to a safe one on a more mature venue for the same user,
// asset pair and chain.
func (p Params) ProtocolOpt(risky, safe position.Position) (Opportunity, bool) {
	if risky.UserID != safe.UserID || risky.Chain != safe.Chain || risky.Protocol == safe.Protocol ||
		risky.CollateralAsset != safe.CollateralAsset || risky.DebtAsset != safe.DebtAsset {
		return Opportunity{}, false
	}
	if p.Maturity(risky.Protocol) >= p.Maturity(safe.Protocol) {
		return Opportunity{}, false
	}
	o, ok := p.Pairwise(risky, safe)
	if !ok {
		return Opportunity{}, false
	}
	o.Type = TypeProtocolOptimization
	o.Complexity = p.ProtocolComplexity
	return o, true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
