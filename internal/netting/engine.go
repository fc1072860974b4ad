package netting

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Strategy is the chosen way to protect a set of incidents. Opportunity is
// nil for TypeSequential.
type Strategy struct {
	Type            Type            `json:"type"`
	Opportunity     *Opportunity    `json:"opportunity,omitempty"`
	Score           float64         `json:"score"`
	ExpectedSavings decimal.Decimal `json:"expected_savings"`
}

// Sequential is the fallback strategy: protect every incident on its own.
func Sequential() Strategy {
	return Strategy{Type: TypeSequential, ExpectedSavings: decimal.Zero}
}

// Select returns the highest-scoring opportunity as a strategy, or the
// sequential fallback when none scores above zero. Ties keep the earliest.
func Select(opps []Opportunity) Strategy {
	best := -1
	bestScore := 0.0
	for i := range opps {
		if s := opps[i].Score(); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return Sequential()
	}
	o := opps[best]
	return Strategy{
		Type:            o.Type,
		Opportunity:     &o,
		Score:           bestScore,
		ExpectedSavings: o.PotentialSavings,
	}
}

// ExecutionResult is the outcome of executing a strategy.
type ExecutionResult struct {
	Success         bool            `json:"success"`
	SavingsRealized decimal.Decimal `json:"savings_realized"`
	ExecutionTime   time.Duration   `json:"execution_time"`
	TxIDs           []string        `json:"tx_ids,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Hooks receives engine telemetry. Nil funcs are skipped.
type Hooks struct {
	OnScan     func(found map[Type]int)
	OnExecuted func(t Type, success bool, savings float64, duration float64)
}

// SequentialFunc protects one position outside any coordinated strategy.
type SequentialFunc func(ctx context.Context, pos position.Position) error

// Engine scans positions for opportunities and executes selected
// strategies through the Actioner.
type Engine struct {
	params     Params
	actioner   incident.Actioner
	sequential SequentialFunc
	logger     log.Logger
	hooks      Hooks
	now        func() time.Time

	mu           sync.Mutex
	coordinated  int64
	capitalSaved decimal.Decimal
	last         []Opportunity
}

// NewEngine creates a netting engine. actioner may be nil, in which case
// every execution fails with ErrAgentUnavailable.
func NewEngine(params Params, actioner incident.Actioner, logger log.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		params:       params,
		actioner:     actioner,
		logger:       logger,
		hooks:        hooks,
		now:          time.Now,
		capitalSaved: decimal.Zero,
	}
}

// SetSequential overrides how the sequential routine protects each
// position. By default it submits a collateral top-up plan.
func (e *Engine) SetSequential(fn SequentialFunc) { e.sequential = fn }

// Params returns the engine's parameters.
func (e *Engine) Params() Params { return e.params }

// Scan evaluates every pairwise, bulk, cross-chain and protocol opportunity
// among the active positions. Output order is deterministic for a given
// input set.
func (e *Engine) Scan(positions []position.Position) []Opportunity {
	active := make([]position.Position, 0, len(positions))
	for _, p := range positions {
		if p.Active {
			active = append(active, p)
		}
	}
	slices.SortFunc(active, byID)

	var out []Opportunity
	keys, groups := Group(active)
	for _, k := range keys {
		g := groups[k]
		for _, r := range g {
			for _, s := range g {
				if o, ok := e.params.Pairwise(r, s); ok {
					out = append(out, o)
				}
			}
		}
		if o, ok := e.params.Bulk(g); ok {
			out = append(out, o)
		}
	}

	for _, r := range active {
		for _, s := range active {
			if o, ok := e.params.CrossChain(r, s); ok {
				out = append(out, o)
			}
			if o, ok := e.params.ProtocolOpt(r, s); ok {
				out = append(out, o)
			}
		}
	}

	e.mu.Lock()
	e.last = slices.Clone(out)
	e.mu.Unlock()

	if e.hooks.OnScan != nil {
		found := make(map[Type]int)
		for _, o := range out {
			found[o.Type]++
		}
		e.hooks.OnScan(found)
	}
	return out
}

// Analyze scans positions and keeps only opportunities that involve at
// least one of the incident positions.
func (e *Engine) Analyze(incidentPositions []string, positions []position.Position) []Opportunity {
	var out []Opportunity
	for _, o := range e.Scan(positions) {
		if o.Involves(incidentPositions) {
			out = append(out, o)
		}
	}
	return out
}

// Opportunities returns the result of the most recent scan.
func (e *Engine) Opportunities() []Opportunity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.last)
}

// Totals returns the number of successful coordinated protections and the
// capital saved by them.
func (e *Engine) Totals() (int64, decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinated, e.capitalSaved
}

// Execute runs the routine for s.Type over participants, keyed by ID.
func (e *Engine) Execute(ctx context.Context, s Strategy, participants map[string]position.Position) ExecutionResult {
	start := e.now()

	var (
		txs []string
		err error
	)
	switch s.Type {
	case TypeCooperativeNetting:
		txs, err = e.executeTransfer(ctx, s, participants, "")
	case TypeCrossChainArbitrage:
		txs, err = e.executeTransfer(ctx, s, participants, "bridge:")
	case TypeProtocolOptimization:
		txs, err = e.executeTransfer(ctx, s, participants, "migrate:")
	case TypeBulkOptimization:
		txs, err = e.executeBulk(ctx, s, participants)
	case TypeSequential:
		txs, err = e.executeSequential(ctx, participants)
	default:
		err = fmt.Errorf("unknown strategy type %q", s.Type)
	}

	res := ExecutionResult{
		Success:         err == nil,
		SavingsRealized: decimal.Zero,
		ExecutionTime:   e.now().Sub(start),
		TxIDs:           txs,
	}
	if err != nil {
		res.Error = err.Error()
		e.logger.Warn(ctx, "strategy execution failed", "strategy", s.Type, "err", err)
	} else {
		res.SavingsRealized = s.ExpectedSavings
		if s.Type != TypeSequential {
			e.mu.Lock()
			e.coordinated++
			e.capitalSaved = e.capitalSaved.Add(res.SavingsRealized)
			e.mu.Unlock()
		}
		e.logger.Info(ctx, "strategy executed", "strategy", s.Type, "savings", res.SavingsRealized.String(), "txs", len(txs))
	}

	if e.hooks.OnExecuted != nil {
		e.hooks.OnExecuted(s.Type, res.Success, res.SavingsRealized.InexactFloat64(), res.ExecutionTime.Seconds())
	}
	return res
}

func (e *Engine) run(ctx context.Context, plan *incident.Plan, pos position.Position) (string, error) {
	if e.actioner == nil {
		return "", fmt.Errorf("%w: no actioner", incident.ErrAgentUnavailable)
	}
	rc, err := e.actioner.Execute(ctx, plan, &pos)
	if err != nil {
		return "", fmt.Errorf("execute plan for %s: %w", pos.ID, err)
	}
	if rc == nil || rc.TxID == "" {
		return "", fmt.Errorf("execute plan for %s: %w: no transaction receipt", pos.ID, incident.ErrStageFailure)
	}
	return rc.TxID, nil
}

func lookup(participants map[string]position.Position, ids ...string) ([]position.Position, error) {
	out := make([]position.Position, 0, len(ids))
	for _, id := range ids {
		p, ok := participants[id]
		if !ok {
			return nil, fmt.Errorf("participant %s: %w", id, incident.ErrNotFound)
		}
		out = append(out, p)
	}
	return out, nil
}

// executeTransfer moves the netting amount from the safe side onto the
// risky side of a pairwise opportunity.
func (e *Engine) executeTransfer(ctx context.Context, s Strategy, participants map[string]position.Position, via string) ([]string, error) {
	o := s.Opportunity
	if o == nil || len(o.PositionIDs) != 2 {
		return nil, fmt.Errorf("%s strategy needs a two-position opportunity", s.Type)
	}
	ps, err := lookup(participants, o.PositionIDs...)
	if err != nil {
		return nil, err
	}
	risky, safe := ps[0], ps[1]

	plan := &incident.Plan{
		Actions: []incident.Action{{
			Type:      incident.ActionTransfer,
			Asset:     risky.CollateralAsset,
			AmountUSD: o.NettingAmount,
			Source:    via + safe.ID,
		}},
		CostUSD: e.params.CoordinatedCost(ps),
	}
	tx, err := e.run(ctx, plan, risky)
	if err != nil {
		return nil, err
	}
	return []string{tx}, nil
}

// executeBulk repays a share of debt on every risky participant under one
// coordinated cost.
func (e *Engine) executeBulk(ctx context.Context, s Strategy, participants map[string]position.Position) ([]string, error) {
	if s.Opportunity == nil {
		return nil, fmt.Errorf("%s strategy needs an opportunity", s.Type)
	}
	ps, err := lookup(participants, s.Opportunity.PositionIDs...)
	if err != nil {
		return nil, err
	}
	share := e.params.CoordinatedCost(ps).Div(decimal.NewFromInt(int64(len(ps))))

	var txs []string
	for _, p := range ps {
		if !e.params.risky(p) {
			continue
		}
		plan := &incident.Plan{
			Actions: []incident.Action{{
				Type:      incident.ActionRepayDebt,
				Asset:     p.DebtAsset,
				AmountUSD: e.params.BulkRepayShare.Mul(p.DebtValueUSD),
			}},
			CostUSD: share,
		}
		tx, err := e.run(ctx, plan, p)
		if err != nil {
			return txs, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// executeSequential protects each participant on its own, in ID order.
func (e *Engine) executeSequential(ctx context.Context, participants map[string]position.Position) ([]string, error) {
	ps := make([]position.Position, 0, len(participants))
	for _, p := range participants {
		ps = append(ps, p)
	}
	slices.SortFunc(ps, byID)

	var txs []string
	for _, p := range ps {
		if e.sequential != nil {
			if err := e.sequential(ctx, p); err != nil {
				return txs, fmt.Errorf("protect %s: %w", p.ID, err)
			}
			continue
		}
		plan := &incident.Plan{
			Actions: []incident.Action{{
				Type:      incident.ActionAddCollateral,
				Asset:     p.CollateralAsset,
				AmountUSD: e.params.SequentialTopUpShare.Mul(p.DebtValueUSD),
			}},
			CostUSD: e.params.IndividualCost(p),
		}
		tx, err := e.run(ctx, plan, p)
		if err != nil {
			return txs, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
