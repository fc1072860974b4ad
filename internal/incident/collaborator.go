package incident

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/position"
)

// PolicyValidator approves or blocks a proposed incident response.
type PolicyValidator interface {
	Validate(ctx context.Context, inc Incident, pos *position.Position) (*PolicyDecision, error)
}

// Predictor estimates how close a position is to liquidation.
type Predictor interface {
	Predict(ctx context.Context, pos *position.Position) (*Prediction, error)
}

// Optimizer derives a protection plan for a position.
type Optimizer interface {
	Optimize(ctx context.Context, pos *position.Position, inc Incident) (*Plan, error)
}

// Actioner executes a protection plan.
type Actioner interface {
	Execute(ctx context.Context, plan *Plan, pos *position.Position) (*Receipt, error)
}

// Explainer produces a human-readable account of an incident.
type Explainer interface {
	Explain(ctx context.Context, inc Incident, pos *position.Position) (*Explanation, error)
}

// Collaborators bundles the services each pipeline stage calls out to.
type Collaborators struct {
	Policy    PolicyValidator
	Predictor Predictor
	Optimizer Optimizer
	Actioner  Actioner
	Explainer Explainer
}

// PolicyDecision is the policy guard's verdict.
type PolicyDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Prediction is the predictor's risk estimate. TimeToBreach is zero when no
// breach is expected.
type Prediction struct {
	RiskLevel    Severity      `json:"risk_level"`
	Confidence   float64       `json:"confidence"`
	TimeToBreach time.Duration `json:"ttb"`
}

// ActionType enumerates protective actions.
type ActionType string

const (
	ActionAddCollateral ActionType = "add_collateral"
	ActionRepayDebt     ActionType = "repay_debt"
	ActionDeleverage    ActionType = "deleverage"
	ActionTransfer      ActionType = "transfer_collateral"
)

// Action is one step of a protection plan.
type Action struct {
	Type      ActionType      `json:"type"`
	Asset     string          `json:"asset"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Source    string          `json:"source,omitempty"`
}

// Plan is the optimizer's output.
type Plan struct {
	Actions            []Action        `json:"actions"`
	CostUSD            decimal.Decimal `json:"cost_usd"`
	TargetHealthFactor float64         `json:"target_health_factor,omitempty"`
}

// Receipt confirms an executed plan.
type Receipt struct {
	TxID    string          `json:"tx_id"`
	CostUSD decimal.Decimal `json:"cost_usd"`
}

// Explanation is the explainer's output.
type Explanation struct {
	Short    string `json:"short"`
	Detailed string `json:"detailed"`
}

// Notifier delivers terminal incidents to an outside channel.
type Notifier interface {
	Send(ctx context.Context, inc *Incident) error
}
