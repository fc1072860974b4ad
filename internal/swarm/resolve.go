package swarm

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/collab"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Collaborators returns pipeline collaborators that look up the serving
// agent on every call, so a restarted or degraded agent takes effect
// without rebuilding the pipeline.
func Collaborators(sup *agent.Supervisor) incident.Collaborators {
	return incident.Collaborators{
		Policy:    policyRef{sup},
		Predictor: predictorRef{sup},
		Optimizer: optimizerRef{sup},
		Actioner:  actionerRef{sup},
		Explainer: explainerRef{sup},
	}
}

// Actioner returns the supervised action executor for the netting engine.
func Actioner(sup *agent.Supervisor) incident.Actioner { return actionerRef{sup} }

func resolve[T any](sup *agent.Supervisor, name string) (T, error) {
	t, err := agent.Resolve[T](sup, name)
	if err != nil {
		return t, fmt.Errorf("%w: %w", incident.ErrAgentUnavailable, err)
	}
	return t, nil
}

type policyRef struct{ sup *agent.Supervisor }

func (r policyRef) Validate(ctx context.Context, inc incident.Incident, pos *position.Position) (*incident.PolicyDecision, error) {
	v, err := resolve[incident.PolicyValidator](r.sup, collab.NamePolicyGuard)
	if err != nil {
		return nil, err
	}
	return v.Validate(ctx, inc, pos)
}

type predictorRef struct{ sup *agent.Supervisor }

func (r predictorRef) Predict(ctx context.Context, pos *position.Position) (*incident.Prediction, error) {
	p, err := resolve[incident.Predictor](r.sup, collab.NamePredictor)
	if err != nil {
		return nil, err
	}
	return p.Predict(ctx, pos)
}

type optimizerRef struct{ sup *agent.Supervisor }

func (r optimizerRef) Optimize(ctx context.Context, pos *position.Position, inc incident.Incident) (*incident.Plan, error) {
	o, err := resolve[incident.Optimizer](r.sup, collab.NameOptimizer)
	if err != nil {
		return nil, err
	}
	return o.Optimize(ctx, pos, inc)
}

type actionerRef struct{ sup *agent.Supervisor }

func (r actionerRef) Execute(ctx context.Context, plan *incident.Plan, pos *position.Position) (*incident.Receipt, error) {
	a, err := resolve[incident.Actioner](r.sup, collab.NameActioner)
	if err != nil {
		return nil, err
	}
	return a.Execute(ctx, plan, pos)
}

type explainerRef struct{ sup *agent.Supervisor }

func (r explainerRef) Explain(ctx context.Context, inc incident.Incident, pos *position.Position) (*incident.Explanation, error) {
	e, err := resolve[incident.Explainer](r.sup, collab.NameExplainer)
	if err != nil {
		return nil, err
	}
	return e.Explain(ctx, inc, pos)
}
