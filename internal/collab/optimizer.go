package collab

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// OptimizerConfig tunes the plan heuristics.
type OptimizerConfig struct {
	// TargetHealthFactor is what a plan restores the position to.
	TargetHealthFactor float64

	// Below UrgentHealthFactor debt is repaid instead of adding collateral.
	UrgentHealthFactor float64

	// PrecautionShare of debt is deleveraged when the position is already
	// at or above the target.
	PrecautionShare decimal.Decimal
}

// DefaultOptimizerConfig returns the production plan heuristics.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		TargetHealthFactor: 1.5,
		UrgentHealthFactor: 1.1,
		PrecautionShare:    decimal.RequireFromString("0.05"),
	}
}

// Optimizer sizes a single protective action that restores the target
// health factor.
type Optimizer struct {
	lifecycle
	cfg  OptimizerConfig
	cost CostFunc
}

// NewOptimizer creates an optimizer. cost may be nil, in which case plans
// carry a zero cost.
func NewOptimizer(cfg OptimizerConfig, cost CostFunc) *Optimizer {
	return &Optimizer{lifecycle: lifecycle{name: NameOptimizer}, cfg: cfg, cost: cost}
}

// Start accepts an optional "target_health_factor" override.
func (o *Optimizer) Start(_ context.Context, c agent.Config) (agent.Health, error) {
	if v, ok := c["target_health_factor"]; ok {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t <= 1 {
			return o.set(agent.StatusFailed, "bad target_health_factor"), fmt.Errorf("optimizer: target_health_factor %q must be a number above 1", v)
		}
		o.mu.Lock()
		o.cfg.TargetHealthFactor = t
		o.mu.Unlock()
	}
	return o.set(agent.StatusRunning, ""), nil
}

// Optimize returns a one-action plan for pos.
func (o *Optimizer) Optimize(_ context.Context, pos *position.Position, _ incident.Incident) (*incident.Plan, error) {
	if err := o.serving(); err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errNoPosition
	}
	if !pos.DebtValueUSD.IsPositive() {
		return nil, fmt.Errorf("position %s has no debt to protect", pos.ID)
	}
	if !pos.LiquidationThreshold.IsPositive() {
		return nil, fmt.Errorf("position %s has no liquidation threshold", pos.ID)
	}

	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()

	target := decimal.NewFromFloat(cfg.TargetHealthFactor)
	hf := pos.HealthFactor()
	// shortfall is the collateral value, after threshold, missing for target
	shortfall := target.Mul(pos.DebtValueUSD).Sub(pos.CollateralValueUSD.Mul(pos.LiquidationThreshold))

	var a incident.Action
	switch {
	case !shortfall.IsPositive():
		a = incident.Action{
			Type:      incident.ActionDeleverage,
			Asset:     pos.DebtAsset,
			AmountUSD: cfg.PrecautionShare.Mul(pos.DebtValueUSD),
		}
	case hf < cfg.UrgentHealthFactor:
		a = incident.Action{
			Type:      incident.ActionRepayDebt,
			Asset:     pos.DebtAsset,
			AmountUSD: shortfall.Div(target),
		}
	default:
		a = incident.Action{
			Type:      incident.ActionAddCollateral,
			Asset:     pos.CollateralAsset,
			AmountUSD: shortfall.Div(pos.LiquidationThreshold),
		}
	}
	a.AmountUSD = a.AmountUSD.Round(2)

	plan := &incident.Plan{
		Actions:            []incident.Action{a},
		CostUSD:            decimal.Zero,
		TargetHealthFactor: cfg.TargetHealthFactor,
	}
	if o.cost != nil {
		plan.CostUSD = o.cost(*pos)
	}
	return plan, nil
}
