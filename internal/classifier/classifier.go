// Package classifier scores transactions and trade windows for attack
// likelihood. Every function is pure: identical input yields identical output.
package classifier

import (
	"github.com/shopspring/decimal"
)

// Level is the severity bucket of an assessment.
type Level string

const (
	LevelNone     Level = "none"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Indicator names recorded on an Assessment.
const (
	IndicatorLargeBorrow      = "large_borrow"
	IndicatorMultiProtocol    = "multi_protocol"
	IndicatorPriceImpact      = "price_impact"
	IndicatorArbitrage        = "same_block_arbitrage"
	IndicatorInternalCalls    = "excessive_internal_calls"
	IndicatorSandwichPattern  = "sandwich_pattern"
	IndicatorOppositeSides    = "opposite_direction"
	IndicatorSandwichProfit   = "sandwich_profit"
	IndicatorElevatedGasPrice = "elevated_gas_price"
)

// Weights are expressed in points out of 100 so sums stay exact.
const (
	weightLargeBorrow   = 30
	weightMultiProtocol = 25
	weightPriceImpact   = 20
	weightArbitrage     = 15
	weightInternalCalls = 10

	weightSandwichPattern = 40
	weightOppositeSides   = 30
	weightSandwichProfit  = 20
	maxGasPoints          = 10
)

// Transaction carries the indicator fields of one on-chain transaction.
// PriceImpact is a fraction (0.08 is 8%).
type Transaction struct {
	Hash                 string          `json:"hash,omitempty"`
	BorrowAmountUSD      decimal.Decimal `json:"borrow_amount_usd"`
	ProtocolInteractions int             `json:"protocol_interactions"`
	PriceImpact          float64         `json:"price_impact"`
	ArbitragePattern     bool            `json:"arbitrage_pattern"`
	InternalCalls        int             `json:"internal_calls"`
}

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Trade is one entry of an ordered transaction window. ProfitPct is a
// fraction; GasPrice is in gwei.
type Trade struct {
	TxHash    string    `json:"tx_hash,omitempty"`
	Address   string    `json:"address"`
	Direction Direction `json:"direction"`
	ProfitPct float64   `json:"profit_pct"`
	GasPrice  float64   `json:"gas_price"`
}

// Assessment is the classifier verdict.
type Assessment struct {
	Confidence     float64  `json:"confidence"`
	Level          Level    `json:"severity"`
	AttackDetected bool     `json:"attack_detected"`
	Indicators     []string `json:"indicators,omitempty"`

	// Set by DetectSandwich when a pattern was found.
	Attacker    string `json:"attacker,omitempty"`
	VictimIndex int    `json:"victim_index,omitempty"`
}

// Thresholds are the cut-offs for each indicator.
type Thresholds struct {
	LargeBorrowUSD    decimal.Decimal
	MinProtocols      int
	PriceImpact       float64
	InternalCalls     int
	MinSandwichProfit float64
}

// DefaultThresholds returns the production cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LargeBorrowUSD:    decimal.NewFromInt(1_000_000),
		MinProtocols:      3,
		PriceImpact:       0.05,
		InternalCalls:     10,
		MinSandwichProfit: 0.01,
	}
}

// ClassifyTransaction scores tx with additive indicator weights.
func ClassifyTransaction(tx Transaction, th Thresholds) Assessment {
	var (
		points     int
		indicators []string
	)
	add := func(w int, name string) {
		points += w
		indicators = append(indicators, name)
	}

	if tx.BorrowAmountUSD.GreaterThanOrEqual(th.LargeBorrowUSD) {
		add(weightLargeBorrow, IndicatorLargeBorrow)
	}
	if tx.ProtocolInteractions >= th.MinProtocols {
		add(weightMultiProtocol, IndicatorMultiProtocol)
	}
	if tx.PriceImpact > th.PriceImpact {
		add(weightPriceImpact, IndicatorPriceImpact)
	}
	if tx.ArbitragePattern {
		add(weightArbitrage, IndicatorArbitrage)
	}
	if tx.InternalCalls > th.InternalCalls {
		add(weightInternalCalls, IndicatorInternalCalls)
	}

	return assess(points, indicators)
}

// DetectSandwich scans an ordered trade window for an address trading
// immediately before and after a distinct victim. The highest-scoring
// window wins; ties keep the earliest.
func DetectSandwich(trades []Trade, th Thresholds) Assessment {
	best := assess(0, nil)
	if len(trades) < 3 {
		return best
	}

	bestPoints := -1
	for i := 1; i < len(trades)-1; i++ {
		front, victim, back := trades[i-1], trades[i], trades[i+1]
		if front.Address == "" || front.Address != back.Address || front.Address == victim.Address {
			continue
		}

		points := weightSandwichPattern
		indicators := []string{IndicatorSandwichPattern}
		if front.Direction != back.Direction {
			points += weightOppositeSides
			indicators = append(indicators, IndicatorOppositeSides)
		}
		if back.ProfitPct >= th.MinSandwichProfit {
			points += weightSandwichProfit
			indicators = append(indicators, IndicatorSandwichProfit)
		}
		if gp := gasPoints(front.GasPrice, victim.GasPrice); gp > 0 {
			points += gp
			indicators = append(indicators, IndicatorElevatedGasPrice)
		}

		if points > bestPoints {
			bestPoints = points
			best = assess(points, indicators)
			best.Attacker = front.Address
			best.VictimIndex = i
		}
	}
	return best
}

// gasPoints scales the front-run's gas premium over the victim into
// [0, maxGasPoints]. A 100% premium earns the full weight.
func gasPoints(front, victim float64) int {
	if victim <= 0 || front <= victim {
		return 0
	}
	premium := (front - victim) / victim
	if premium >= 1 {
		return maxGasPoints
	}
	return int(premium*maxGasPoints + 0.5)
}

func assess(points int, indicators []string) Assessment {
	points = min(max(points, 0), 100)
	level, attack := Bucket(points)
	return Assessment{
		Confidence:     float64(points) / 100,
		Level:          level,
		AttackDetected: attack,
		Indicators:     indicators,
	}
}

// Bucket maps a score in points to a severity level and whether it counts
// as a detected attack.
func Bucket(points int) (Level, bool) {
	switch {
	case points >= 70:
		return LevelCritical, true
	case points >= 50:
		return LevelHigh, true
	case points >= 30:
		return LevelMedium, true
	case points >= 10:
		return LevelLow, false
	}
	return LevelNone, false
}
