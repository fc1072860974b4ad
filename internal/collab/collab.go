// Package collab provides the built-in collaborator agents the incident
// pipeline calls out to: the policy guard, the liquidation predictor, the
// plan optimizer, the action executor and a template explainer. Each one is
// also an agent.Agent so the supervisor can start, poll and restart it.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
)

// Registry names of the built-in agents.
const (
	NamePolicyGuard = "policy_guard"
	NamePredictor   = "liquidation_predictor"
	NameOptimizer   = "strategy_optimizer"
	NameActioner    = "action_executor"
	NameExplainer   = "explainer"
)

var errNoPosition = errors.New("no position supplied")

// lifecycle is the Start/Stop/Health bookkeeping shared by every built-in
// agent. The zero status reads as stopped.
type lifecycle struct {
	name string

	mu     sync.Mutex
	status agent.Status
	detail string
}

func (l *lifecycle) Name() string { return l.name }

func (l *lifecycle) Stop(context.Context) error {
	l.set(agent.StatusStopped, "")
	return nil
}

func (l *lifecycle) Health(context.Context) agent.Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == "" {
		return agent.Health{Status: agent.StatusStopped}
	}
	return agent.Health{Status: l.status, Detail: l.detail}
}

func (l *lifecycle) set(s agent.Status, detail string) agent.Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status, l.detail = s, detail
	return agent.Health{Status: s, Detail: detail}
}

// serving fails with incident.ErrAgentUnavailable unless the agent has
// been started.
func (l *lifecycle) serving() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.status.Serving() {
		return fmt.Errorf("%s not started: %w", l.name, incident.ErrAgentUnavailable)
	}
	return nil
}
