package riskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/classifier"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/netting"
	"github.com/linnemanlabs/bulwark/internal/swarm"
)

type mockIncidents struct {
	mu         sync.Mutex
	incidents  map[string]incident.Incident
	latest     *incident.Incident
	lastFilter incident.Filter
	err        error
}

func newMockIncidents() *mockIncidents {
	return &mockIncidents{incidents: make(map[string]incident.Incident)}
}

func (m *mockIncidents) ProcessRiskEvent(_ context.Context, ev incident.RiskEvent) (*incident.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	inc := incident.Incident{
		ID:          fmt.Sprintf("inc-%d", len(m.incidents)+1),
		EventType:   ev.EventType,
		PositionIDs: []string{ev.PositionID},
		Status:      incident.StatusProtected,
		Severity:    ev.Severity,
	}
	m.incidents[inc.ID] = inc
	return &incident.Outcome{Incident: inc}, nil
}

func (m *mockIncidents) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return &inc, true, nil
}

func (m *mockIncidents) List(_ context.Context, f incident.Filter) ([]incident.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = f
	var out []incident.Incident
	for _, inc := range m.incidents {
		if f.Status == "" || inc.Status == f.Status {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (m *mockIncidents) Latest(context.Context) (*incident.Incident, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil, false, nil
	}
	return m.latest, true, nil
}

type mockSwarm struct {
	mu       sync.Mutex
	restarts int
	ids      []string
	err      error
}

func (m *mockSwarm) Status() swarm.Status {
	return swarm.Status{
		SwarmStatus:   swarm.StateOperational,
		UptimeSeconds: 12,
		Agents:        swarm.AgentSummary{Total: 5, Healthy: 5},
		Metrics:       swarm.Counters{EventsProcessed: 3, CapitalSavedUSD: decimal.NewFromInt(140)},
	}
}

func (m *mockSwarm) RestartAgents(context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
	return []string{"explainer"}
}

func (m *mockSwarm) Coordinate(_ context.Context, ids []string) (*netting.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = ids
	if m.err != nil {
		return nil, m.err
	}
	if len(ids) == 0 {
		return nil, swarm.ErrNoIncidents
	}
	return netting.NewSession(ids, netting.Sequential(), time.Now()), nil
}

func (m *mockSwarm) Session(id string) (netting.Session, bool) {
	if id != "sess-1" {
		return netting.Session{}, false
	}
	return netting.Session{ID: id, Status: netting.SessionCompleted}, true
}

func newTestRouter(t *testing.T, tokens ...string) (chi.Router, *mockIncidents, *mockSwarm) {
	t.Helper()
	inc := newMockIncidents()
	sw := &mockSwarm{}
	r := chi.NewRouter()
	New(nil, inc, sw, tokens...).RegisterRoutes(r)
	return r, inc, sw
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, newMockIncidents(), &mockSwarm{})
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_NilDependencies_Panic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func()
	}{
		{"nil incidents", func() { New(nil, nil, &mockSwarm{}) }},
		{"nil coordinator", func() { New(nil, newMockIncidents(), nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatalf("%s: did not panic", tt.name)
				}
			}()
			tt.fn()
		})
	}
}

// Ingestion

func TestIngest(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{"valid event", http.MethodPost, `{"event_type":"flash_loan_attack","position_id":"p1","severity":"critical","position_value_usd":"50000"}`, http.StatusCreated},
		{"missing position", http.MethodPost, `{"event_type":"flash_loan_attack","severity":"critical"}`, http.StatusBadRequest},
		{"bad severity", http.MethodPost, `{"event_type":"flash_loan_attack","position_id":"p1","severity":"urgent"}`, http.StatusBadRequest},
		{"invalid JSON", http.MethodPost, `{bad`, http.StatusBadRequest},
		{"GET not allowed", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"PUT not allowed", http.MethodPut, "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(r, tt.method, "/api/v1/risk-events", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s /api/v1/risk-events = %d, want %d (%s)", tt.method, rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestIngest_ResponseBody(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)
	rec := do(r, http.MethodPost, "/api/v1/risk-events", `{"event_type":"health_factor_drop","position_id":"p1","severity":"high"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	var out incident.Outcome
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Incident.ID == "" || out.Incident.Status != incident.StatusProtected {
		t.Errorf("incident = %+v", out.Incident)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestIngest_InternalErrorHidden(t *testing.T) {
	t.Parallel()

	r, inc, _ := newTestRouter(t)
	inc.err = errors.New("pq: connection refused to 10.0.0.7")

	rec := do(r, http.MethodPost, "/api/v1/risk-events", `{"event_type":"health_factor_drop","position_id":"p1","severity":"high"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.7") {
		t.Errorf("body leaks internal error: %s", rec.Body)
	}
}

// Incident queries

func TestGetIncident(t *testing.T) {
	t.Parallel()

	r, inc, _ := newTestRouter(t)
	inc.incidents["inc-9"] = incident.Incident{ID: "inc-9", Status: incident.StatusFailed}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"existing", "/api/v1/incidents/inc-9", http.StatusOK},
		{"missing", "/api/v1/incidents/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, http.MethodGet, tt.path, ""); rec.Code != tt.wantStatus {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestLatestIncident(t *testing.T) {
	t.Parallel()

	r, inc, _ := newTestRouter(t)

	rec := do(r, http.MethodGet, "/api/v1/incidents/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "null" {
		t.Errorf("empty latest body = %q, want null", got)
	}

	inc.mu.Lock()
	inc.latest = &incident.Incident{ID: "inc-attack", EventType: incident.EventFlashLoanAttack}
	inc.mu.Unlock()

	rec = do(r, http.MethodGet, "/api/v1/incidents/latest", "")
	var got incident.Incident
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "inc-attack" {
		t.Errorf("latest = %q, want inc-attack", got.ID)
	}
}

func TestListIncidents(t *testing.T) {
	t.Parallel()

	r, inc, _ := newTestRouter(t)
	inc.incidents["a"] = incident.Incident{ID: "a", Status: incident.StatusProtected}
	inc.incidents["b"] = incident.Incident{ID: "b", Status: incident.StatusFailed}

	rec := do(r, http.MethodGet, "/api/v1/incidents?status=failed&limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Incidents []incident.Incident `json:"incidents"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Incidents) != 1 || body.Incidents[0].ID != "b" {
		t.Errorf("incidents = %+v, want [b]", body.Incidents)
	}
	inc.mu.Lock()
	f := inc.lastFilter
	inc.mu.Unlock()
	if f.Limit != 10 || f.Status != incident.StatusFailed {
		t.Errorf("filter = %+v", f)
	}

	rec = do(r, http.MethodGet, "/api/v1/incidents?status=error", "")
	if !strings.Contains(rec.Body.String(), `"incidents":[]`) {
		t.Errorf("empty list body = %s, want empty array", rec.Body)
	}
}

func TestListIncidents_BadQuery(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)
	for _, q := range []string{"status=resolved", "limit=0", "limit=abc", "limit=100000"} {
		if rec := do(r, http.MethodGet, "/api/v1/incidents?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("?%s = %d, want 400", q, rec.Code)
		}
	}
}

// Swarm

func TestStatus(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)
	rec := do(r, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"swarm_status", "uptime_seconds", "agents", "metrics"} {
		if _, ok := body[key]; !ok {
			t.Errorf("status body missing %q", key)
		}
	}
	metrics, _ := body["metrics"].(map[string]any)
	for _, key := range []string{"events_processed", "incidents_handled", "protections_executed", "coordinated_protections", "capital_saved_usd"} {
		if _, ok := metrics[key]; !ok {
			t.Errorf("metrics missing %q", key)
		}
	}
}

func TestRestartAgents(t *testing.T) {
	t.Parallel()

	r, _, sw := newTestRouter(t)
	rec := do(r, http.MethodPost, "/api/v1/agents/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"explainer"`) {
		t.Errorf("body = %s", rec.Body)
	}
	if sw.restarts != 1 {
		t.Errorf("restarts = %d, want 1", sw.restarts)
	}
}

func TestCoordinate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"sequential", `{"incident_ids":["a","b"]}`, nil, http.StatusOK},
		{"no ids", `{"incident_ids":[]}`, nil, http.StatusBadRequest},
		{"invalid JSON", `{`, nil, http.StatusBadRequest},
		{"unknown incident", `{"incident_ids":["x"]}`, fmt.Errorf("incident x: %w", incident.ErrNotFound), http.StatusNotFound},
		{"terminal incident", `{"incident_ids":["x"]}`, fmt.Errorf("incident x: %w", incident.ErrTerminal), http.StatusConflict},
		{"incident in progress", `{"incident_ids":["x"]}`, fmt.Errorf("incident x: %w", incident.ErrInProgress), http.StatusConflict},
		{"store down", `{"incident_ids":["x"]}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _, sw := newTestRouter(t)
			sw.err = tt.err
			rec := do(r, http.MethodPost, "/api/v1/coordination", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("POST /api/v1/coordination = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)
	if rec := do(r, http.MethodGet, "/api/v1/coordination/sess-1", ""); rec.Code != http.StatusOK {
		t.Errorf("existing session = %d, want 200", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/api/v1/coordination/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing session = %d, want 404", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	body := `{
		"transaction": {"borrow_amount_usd": "2000000", "protocol_interactions": 4, "price_impact": 0.08, "arbitrage_pattern": true, "internal_calls": 12},
		"trades": [
			{"address": "0xattacker", "direction": "buy", "gas_price": 200},
			{"address": "0xvictim", "direction": "buy", "gas_price": 50},
			{"address": "0xattacker", "direction": "sell", "profit_pct": 0.02}
		]
	}`
	rec := do(r, http.MethodPost, "/api/v1/classify", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}

	var resp classifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Transaction == nil || resp.Transaction.Level != classifier.LevelCritical || !resp.Transaction.AttackDetected {
		t.Errorf("transaction assessment = %+v, want critical attack", resp.Transaction)
	}
	if resp.Sandwich == nil || !resp.Sandwich.AttackDetected {
		t.Errorf("sandwich assessment = %+v, want attack", resp.Sandwich)
	}

	if rec := do(r, http.MethodPost, "/api/v1/classify", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty classify = %d, want 400", rec.Code)
	}
}

// Auth

func TestRoutes_RequireToken(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, "s3cret")

	if rec := do(r, http.MethodGet, "/api/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token = %d, want 200", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{&incident.ValidationError{Field: "severity", Reason: "is required"}, http.StatusBadRequest},
		{swarm.ErrNoIncidents, http.StatusBadRequest},
		{fmt.Errorf("x: %w", incident.ErrNotFound), http.StatusNotFound},
		{incident.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("incident x: %w", incident.ErrInProgress), http.StatusConflict},
		{fmt.Errorf("x: %w", incident.ErrAgentUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
