package incident

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/position"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	incidents map[string]*Incident
	order     []string
	puts      []Incident
	putErr    error
	failAfter int // fail puts after this many successes when > 0
}

func newMockStore() *mockStore {
	return &mockStore{incidents: make(map[string]*Incident)}
}

func (m *mockStore) GetIncident(_ context.Context, id string) (*Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := inc.Clone()
	return &cp, true, nil
}

func (m *mockStore) PutIncident(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if m.failAfter > 0 && len(m.puts) >= m.failAfter {
		return errors.New("store unavailable")
	}
	cur, ok := m.incidents[inc.ID]
	if ok && inc.Version <= cur.Version {
		return ErrStaleVersion
	}
	if !ok {
		m.order = append(m.order, inc.ID)
	}
	cp := inc.Clone()
	m.incidents[inc.ID] = &cp
	m.puts = append(m.puts, cp)
	return nil
}

func (m *mockStore) LatestIncident(_ context.Context) (*Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil, false, nil
	}
	cp := m.incidents[m.order[len(m.order)-1]].Clone()
	return &cp, true, nil
}

func (m *mockStore) ListIncidents(_ context.Context, f Filter) ([]Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Incident
	for _, id := range m.order {
		inc := m.incidents[id]
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		out = append(out, inc.Clone())
	}
	return out, nil
}

func (m *mockStore) statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.puts))
	for _, p := range m.puts {
		out = append(out, p.Status)
	}
	return out
}

// mockPositions implements position.Store for testing.
type mockPositions struct {
	mu        sync.Mutex
	positions map[string]position.Position
	getErr    error
}

func newMockPositions(ps ...position.Position) *mockPositions {
	m := &mockPositions{positions: make(map[string]position.Position)}
	for _, p := range ps {
		m.positions[p.ID] = p
	}
	return m
}

func (m *mockPositions) GetPosition(_ context.Context, id string) (*position.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	p, ok := m.positions[id]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (m *mockPositions) PutPosition(_ context.Context, p *position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = *p
	return nil
}

func (m *mockPositions) DeletePosition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
	return nil
}

func (m *mockPositions) ListActivePositions(_ context.Context) ([]position.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []position.Position
	for _, p := range m.positions {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// mockCollab implements every collaborator interface. Each call is recorded.
type mockCollab struct {
	mu    sync.Mutex
	calls []Stage

	decision   *PolicyDecision
	policyErr  error
	predictErr error
	plan       *Plan
	optErr     error
	execErr    error
	explainErr error
	panicIn    Stage

	// when set, Execute signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func newMockCollab() *mockCollab {
	return &mockCollab{
		decision: &PolicyDecision{Allowed: true, Reason: "within limits"},
		plan: &Plan{
			Actions: []Action{{Type: ActionAddCollateral, Asset: "ETH", AmountUSD: decimal.NewFromInt(5000)}},
			CostUSD: decimal.NewFromInt(55),
		},
	}
}

func (m *mockCollab) collaborators() Collaborators {
	return Collaborators{Policy: m, Predictor: m, Optimizer: m, Actioner: m, Explainer: m}
}

func (m *mockCollab) enter(s Stage) {
	m.mu.Lock()
	m.calls = append(m.calls, s)
	m.mu.Unlock()
	if m.panicIn == s {
		panic("boom")
	}
}

func (m *mockCollab) called() []Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Stage(nil), m.calls...)
}

func (m *mockCollab) Validate(_ context.Context, _ Incident, _ *position.Position) (*PolicyDecision, error) {
	m.enter(StagePolicyCheck)
	return m.decision, m.policyErr
}

func (m *mockCollab) Predict(_ context.Context, _ *position.Position) (*Prediction, error) {
	m.enter(StageRiskPrediction)
	if m.predictErr != nil {
		return nil, m.predictErr
	}
	return &Prediction{RiskLevel: SeverityHigh, Confidence: 0.8, TimeToBreach: 2 * time.Hour}, nil
}

func (m *mockCollab) Optimize(_ context.Context, _ *position.Position, _ Incident) (*Plan, error) {
	m.enter(StagePlanOptimization)
	if m.optErr != nil {
		return nil, m.optErr
	}
	return m.plan, nil
}

func (m *mockCollab) Execute(_ context.Context, plan *Plan, _ *position.Position) (*Receipt, error) {
	m.enter(StagePlanExecution)
	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}
	if m.execErr != nil {
		return nil, m.execErr
	}
	return &Receipt{TxID: "0xabc", CostUSD: plan.CostUSD}, nil
}

func (m *mockCollab) Explain(_ context.Context, _ Incident, _ *position.Position) (*Explanation, error) {
	m.enter(StageIncidentAnalysis)
	if m.explainErr != nil {
		return nil, m.explainErr
	}
	return &Explanation{Short: "protected", Detailed: "collateral added"}, nil
}

// mockNotifier records sent incidents.
type mockNotifier struct {
	mu   sync.Mutex
	sent []Incident
	err  error
}

func (m *mockNotifier) Send(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, inc.Clone())
	return m.err
}

func testPosition() position.Position {
	return position.Position{
		ID:                   "pos-1",
		UserID:               "user-1",
		Chain:                "ethereum",
		Protocol:             "aave",
		CollateralAsset:      "ETH",
		CollateralAmount:     decimal.NewFromInt(20),
		CollateralValueUSD:   decimal.NewFromInt(50000),
		DebtAsset:            "USDC",
		DebtAmount:           decimal.NewFromInt(42000),
		DebtValueUSD:         decimal.NewFromInt(42000),
		LiquidationThreshold: decimal.RequireFromString("0.97"),
		Active:               true,
	}
}

func testIncident() Incident {
	return Incident{
		ID:          "inc-1",
		EventType:   EventLiquidationRisk,
		PositionIDs: []string{"pos-1"},
		Status:      StatusDetected,
		Severity:    SeverityHigh,
		DetectedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Version:     1,
	}
}
