package collab

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Mock stands in for any built-in agent with canned answers. The
// supervisor serves it when the real agent cannot start.
type Mock struct {
	lifecycle
}

// NewMock returns a mock registered under name.
func NewMock(name string) *Mock {
	return &Mock{lifecycle: lifecycle{name: name}}
}

func (m *Mock) Start(context.Context, agent.Config) (agent.Health, error) {
	return m.set(agent.StatusMock, "canned responses"), nil
}

// Validate denies every action. Without the policy store there is no user
// consent to act on.
func (m *Mock) Validate(context.Context, incident.Incident, *position.Position) (*incident.PolicyDecision, error) {
	if err := m.serving(); err != nil {
		return nil, err
	}
	return &incident.PolicyDecision{Allowed: false, Reason: "policy guard degraded: no policy store to authorize actions"}, nil
}

func (m *Mock) Predict(context.Context, *position.Position) (*incident.Prediction, error) {
	if err := m.serving(); err != nil {
		return nil, err
	}
	return &incident.Prediction{RiskLevel: incident.SeverityMedium, Confidence: 0.5}, nil
}

func (m *Mock) Optimize(_ context.Context, pos *position.Position, _ incident.Incident) (*incident.Plan, error) {
	if err := m.serving(); err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errNoPosition
	}
	return &incident.Plan{
		Actions: []incident.Action{{
			Type:      incident.ActionAddCollateral,
			Asset:     pos.CollateralAsset,
			AmountUSD: pos.DebtValueUSD.Mul(decimal.RequireFromString("0.1")).Round(2),
		}},
		CostUSD: decimal.Zero,
	}, nil
}

func (m *Mock) Execute(_ context.Context, plan *incident.Plan, _ *position.Position) (*incident.Receipt, error) {
	if err := m.serving(); err != nil {
		return nil, err
	}
	cost := decimal.Zero
	if plan != nil {
		cost = plan.CostUSD
	}
	return &incident.Receipt{TxID: "mock-" + ulid.Make().String(), CostUSD: cost}, nil
}

func (m *Mock) Explain(_ context.Context, inc incident.Incident, pos *position.Position) (*incident.Explanation, error) {
	if err := m.serving(); err != nil {
		return nil, err
	}
	return &incident.Explanation{Short: Headline(inc), Detailed: Summarize(inc, pos)}, nil
}
