package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/policy"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// CostFunc estimates what protecting a single position costs in USD.
type CostFunc func(pos position.Position) decimal.Decimal

// PolicyGuard enforces each user's stored policy. Users without a stored
// policy get policy.Default.
type PolicyGuard struct {
	lifecycle
	policies policy.Store
	cost     CostFunc
}

// NewPolicyGuard creates a guard backed by policies. cost may be nil, which
// disables the action cost limit.
func NewPolicyGuard(policies policy.Store, cost CostFunc) *PolicyGuard {
	return &PolicyGuard{lifecycle: lifecycle{name: NamePolicyGuard}, policies: policies, cost: cost}
}

// Start verifies the policy store answers.
func (g *PolicyGuard) Start(ctx context.Context, _ agent.Config) (agent.Health, error) {
	if g.policies == nil {
		return g.set(agent.StatusFailed, "no policy store"), errors.New("policy guard: no policy store")
	}
	if _, _, err := g.policies.GetPolicy(ctx, ""); err != nil {
		return g.set(agent.StatusFailed, err.Error()), fmt.Errorf("policy guard: read policy store: %w", err)
	}
	return g.set(agent.StatusRunning, ""), nil
}

// Validate checks the incident's position against its owner's policy.
func (g *PolicyGuard) Validate(ctx context.Context, inc incident.Incident, pos *position.Position) (*incident.PolicyDecision, error) {
	if err := g.serving(); err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errNoPosition
	}

	p, found, err := g.policies.GetPolicy(ctx, pos.UserID)
	if err != nil {
		return nil, fmt.Errorf("load policy for %s: %w", pos.UserID, err)
	}
	if !found {
		p = policy.Default(pos.UserID)
	}
	return g.decide(p, inc, pos), nil
}

func (g *PolicyGuard) decide(p *policy.Policy, inc incident.Incident, pos *position.Position) *incident.PolicyDecision {
	deny := func(format string, args ...any) *incident.PolicyDecision {
		return &incident.PolicyDecision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
	}

	if !p.AutoProtect {
		return deny("auto-protect disabled for user %s", p.UserID)
	}
	if !p.AllowsProtocol(pos.Protocol) {
		return deny("protocol %s not allowed by policy", pos.Protocol)
	}
	if p.MaxPositionValueUSD.IsPositive() && pos.CollateralValueUSD.GreaterThan(p.MaxPositionValueUSD) {
		return deny("position value %s exceeds limit %s", pos.CollateralValueUSD.StringFixed(2), p.MaxPositionValueUSD.StringFixed(2))
	}
	// attack-related events bypass the health trigger
	if p.MinHealthFactor > 0 && !inc.EventType.AttackRelated() {
		if hf := pos.HealthFactor(); hf >= p.MinHealthFactor {
			return deny("health factor %.2f above policy trigger %.2f", hf, p.MinHealthFactor)
		}
	}
	if g.cost != nil && p.MaxActionCostUSD.IsPositive() {
		if c := g.cost(*pos); c.GreaterThan(p.MaxActionCostUSD) {
			return deny("estimated cost %s exceeds limit %s", c.StringFixed(2), p.MaxActionCostUSD.StringFixed(2))
		}
	}
	return &incident.PolicyDecision{Allowed: true, Reason: "within policy"}
}
