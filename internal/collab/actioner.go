package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Executed records one plan the executor accepted.
type Executed struct {
	TxID       string
	PositionID string
	Plan       incident.Plan
}

// Actioner is a dry-run executor: it validates and records plans and issues
// synthetic transaction IDs. Signing and broadcasting live outside this
// service.
type Actioner struct {
	lifecycle

	logMu sync.Mutex
	log   []Executed
}

func NewActioner() *Actioner {
	return &Actioner{lifecycle: lifecycle{name: NameActioner}}
}

func (a *Actioner) Start(context.Context, agent.Config) (agent.Health, error) {
	return a.set(agent.StatusRunning, ""), nil
}

// Execute validates plan and records it against pos.
func (a *Actioner) Execute(_ context.Context, plan *incident.Plan, pos *position.Position) (*incident.Receipt, error) {
	if err := a.serving(); err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errNoPosition
	}
	if plan == nil || len(plan.Actions) == 0 {
		return nil, errors.New("empty plan")
	}
	for i, act := range plan.Actions {
		if act.Type == "" || act.Asset == "" {
			return nil, fmt.Errorf("action %d: type and asset required", i)
		}
		if !act.AmountUSD.IsPositive() {
			return nil, fmt.Errorf("action %d: amount %s must be positive", i, act.AmountUSD)
		}
	}

	tx := "0x" + strings.ToLower(ulid.Make().String())
	a.logMu.Lock()
	a.log = append(a.log, Executed{TxID: tx, PositionID: pos.ID, Plan: *plan})
	a.logMu.Unlock()

	return &incident.Receipt{TxID: tx, CostUSD: plan.CostUSD}, nil
}

// Executed returns every accepted plan in order.
func (a *Actioner) Executed() []Executed {
	a.logMu.Lock()
	defer a.logMu.Unlock()
	return append([]Executed(nil), a.log...)
}
