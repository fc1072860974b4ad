// Package swarm holds the shared state of a running bulwark instance: the
// agent supervisor, the incident service and the netting engine. It answers
// the status query and coordinates groups of incidents through the netting
// engine.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/netting"
	"github.com/linnemanlabs/bulwark/internal/position"
)

var tracer = otel.Tracer("github.com/linnemanlabs/bulwark/internal/swarm")

// Overall swarm states reported by Status.
const (
	StateOperational = "operational"
	StateDegraded    = "degraded"
	StateOffline     = "offline"
)

// ErrNoIncidents is returned by Coordinate when called with no ids.
var ErrNoIncidents = errors.New("no incidents to coordinate")

// AgentSummary is the agents block of the status query.
type AgentSummary struct {
	Total         int                 `json:"total"`
	Healthy       int                 `json:"healthy"`
	HealthDetails []agent.HealthEntry `json:"health_details"`
}

// Counters is the metrics block of the status query.
type Counters struct {
	EventsProcessed        int64           `json:"events_processed"`
	IncidentsHandled       int64           `json:"incidents_handled"`
	ProtectionsExecuted    int64           `json:"protections_executed"`
	CoordinatedProtections int64           `json:"coordinated_protections"`
	CapitalSavedUSD        decimal.Decimal `json:"capital_saved_usd"`
}

// Status is the answer to the status query.
type Status struct {
	SwarmStatus   string       `json:"swarm_status"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Agents        AgentSummary `json:"agents"`
	Metrics       Counters     `json:"metrics"`
}

// Swarm is the single shared state object of the process.
type Swarm struct {
	sup       *agent.Supervisor
	svc       *incident.Service
	engine    *netting.Engine
	positions position.Store
	logger    log.Logger
	started   time.Time
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*netting.Session
}

// New wires the swarm and installs its sequential routine on the engine.
func New(sup *agent.Supervisor, svc *incident.Service, engine *netting.Engine, positions position.Store, logger log.Logger) *Swarm {
	if sup == nil || svc == nil || engine == nil || positions == nil {
		panic(xerrors.New("swarm requires a supervisor, incident service, netting engine and position store"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Swarm{
		sup:       sup,
		svc:       svc,
		engine:    engine,
		positions: positions,
		logger:    logger,
		started:   time.Now(),
		now:       time.Now,
		sessions:  make(map[string]*netting.Session),
	}
	engine.SetSequential(s.protectAlone)
	return s
}

// Service returns the incident service.
func (s *Swarm) Service() *incident.Service { return s.svc }

// Supervisor returns the agent supervisor.
func (s *Swarm) Supervisor() *agent.Supervisor { return s.sup }

// Status reports agent health and lifetime counters.
func (s *Swarm) Status() Status {
	total, healthy := s.sup.Summary()
	st := s.svc.Stats()
	coordinated, saved := s.engine.Totals()

	state := StateOperational
	switch {
	case total > 0 && healthy == 0:
		state = StateOffline
	case healthy < total:
		state = StateDegraded
	}

	return Status{
		SwarmStatus:   state,
		UptimeSeconds: s.now().Sub(s.started).Seconds(),
		Agents: AgentSummary{
			Total:         total,
			Healthy:       healthy,
			HealthDetails: s.sup.Entries(),
		},
		Metrics: Counters{
			EventsProcessed:        st.EventsProcessed,
			IncidentsHandled:       st.IncidentsHandled,
			ProtectionsExecuted:    st.ProtectionsExecuted,
			CoordinatedProtections: coordinated,
			CapitalSavedUSD:        saved,
		},
	}
}

// RestartAgents restarts every failed or stopped agent and returns their
// names.
func (s *Swarm) RestartAgents(ctx context.Context) []string {
	return s.sup.RestartFailed(ctx)
}

// Session returns a copy of a coordination session.
func (s *Swarm) Session(id string) (netting.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return netting.Session{}, false
	}
	return *sess, true
}

// Sessions returns every coordination session, oldest first.
func (s *Swarm) Sessions() []netting.Session {
	s.mu.RLock()
	out := make([]netting.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b netting.Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *Swarm) keep(sess *netting.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Opportunities returns the netting engine's most recent scan.
func (s *Swarm) Opportunities() []netting.Opportunity {
	return s.engine.Opportunities()
}

// sequentialKey carries the incidents of a sequential session to
// protectAlone.
type sequentialKey struct{}

// protectAlone runs the full pipeline for every incident on pos.
func (s *Swarm) protectAlone(ctx context.Context, pos position.Position) error {
	byPos, _ := ctx.Value(sequentialKey{}).(map[string][]incident.Incident)
	for _, inc := range byPos[pos.ID] {
		out, err := s.svc.HandleIncident(ctx, inc)
		if err != nil {
			return err
		}
		s.logger.Info(ctx, "incident handled alone", "incident_id", inc.ID, "status", out.Incident.Status)
	}
	return nil
}

// Coordinate analyzes the positions behind incidentIDs, selects the best
// strategy and executes it. Incidents covered by a coordinated strategy go
// through a shared session; all others run the pipeline on their own.
// Incidents already held by another caller fail with
// incident.ErrInProgress.
func (s *Swarm) Coordinate(ctx context.Context, incidentIDs []string) (*netting.Session, error) {
	ctx, span := tracer.Start(ctx, "swarm.coordinate")
	defer span.End()
	span.SetAttributes(attribute.Int("bulwark.coordination.incidents", len(incidentIDs)))

	sess, err := s.coordinate(ctx, incidentIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("bulwark.session.id", sess.ID),
		attribute.String("bulwark.strategy", string(sess.Strategy.Type)),
		attribute.String("bulwark.session.status", string(sess.Status)),
	)
	return sess, nil
}

func (s *Swarm) coordinate(ctx context.Context, incidentIDs []string) (*netting.Session, error) {
	if len(incidentIDs) == 0 {
		return nil, ErrNoIncidents
	}

	// the incidents stay claimed until every one of them has settled
	unique := slices.Compact(slices.Sorted(slices.Values(incidentIDs)))
	ctx, release, err := s.svc.Claim(ctx, unique...)
	if err != nil {
		return nil, err
	}
	defer release()

	incs := make([]incident.Incident, 0, len(unique))
	var posIDs []string
	for _, id := range unique {
		inc, ok, err := s.svc.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load incident %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
		}
		if inc.Terminal() {
			return nil, fmt.Errorf("incident %s is %s: %w", id, inc.Status, incident.ErrTerminal)
		}
		incs = append(incs, *inc)
		posIDs = append(posIDs, inc.PrimaryPosition())
	}

	active, err := s.positions.ListActivePositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	byID := make(map[string]position.Position, len(active))
	for _, p := range active {
		byID[p.ID] = p
	}

	strategy := netting.Select(s.engine.Analyze(posIDs, active))
	ids := make([]string, len(incs))
	for i, inc := range incs {
		ids[i] = inc.ID
	}
	sess := netting.NewSession(ids, strategy, s.now())
	s.keep(sess)

	s.logger.Info(ctx, "coordination planned",
		"session_id", sess.ID,
		"strategy", strategy.Type,
		"incidents", len(incs),
		"expected_savings", strategy.ExpectedSavings.String(),
	)

	s.run(ctx, sess, incs, byID)
	return s.snapshot(sess), nil
}

// run executes the session's strategy. A panic aborts the session and moves
// its incidents that are still open to error.
func (s *Swarm) run(ctx context.Context, sess *netting.Session, incs []incident.Incident, byID map[string]position.Position) {
	defer func() {
		if r := recover(); r != nil {
			s.abort(ctx, sess, s.stillOpen(ctx, incs), fmt.Errorf("coordination panicked: %v", r))
		}
	}()

	if sess.Strategy.Type == netting.TypeSequential {
		s.runSequential(ctx, sess, incs, byID)
		return
	}
	s.runCoordinated(ctx, sess, incs, byID)
}

// stillOpen reloads incs and returns the ones not yet terminal.
func (s *Swarm) stillOpen(ctx context.Context, incs []incident.Incident) []incident.Incident {
	var out []incident.Incident
	for _, inc := range incs {
		cur, ok, err := s.svc.Get(ctx, inc.ID)
		if err != nil || !ok {
			s.logger.Warn(ctx, "cannot reload incident", "incident_id", inc.ID, "err", err)
			continue
		}
		if !cur.Terminal() {
			out = append(out, *cur)
		}
	}
	return out
}

func (s *Swarm) snapshot(sess *netting.Session) *netting.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *sess
	return &cp
}

// runSequential drives every incident through the pipeline. The session
// completes once each incident is terminal; per-incident outcomes live on
// the incidents.
func (s *Swarm) runSequential(ctx context.Context, sess *netting.Session, incs []incident.Incident, byID map[string]position.Position) {
	byPos := make(map[string][]incident.Incident)
	participants := make(map[string]position.Position)
	for _, inc := range incs {
		pid := inc.PrimaryPosition()
		p, ok := byID[pid]
		if !ok {
			// missing or inactive positions still get a pipeline run, which
			// records the not-found failure on the incident
			p = position.Position{ID: pid}
		}
		participants[pid] = p
		byPos[pid] = append(byPos[pid], inc)
	}

	res := s.engine.Execute(context.WithValue(ctx, sequentialKey{}, byPos), sess.Strategy, participants)
	s.finish(ctx, sess, res)
}

// runCoordinated absorbs the covered incidents into the session, screens
// them against policy, executes the shared strategy and settles them.
func (s *Swarm) runCoordinated(ctx context.Context, sess *netting.Session, incs []incident.Incident, byID map[string]position.Position) {
	opp := sess.Strategy.Opportunity

	var covered, alone []incident.Incident
	for _, inc := range incs {
		if slices.Contains(opp.PositionIDs, inc.PrimaryPosition()) {
			covered = append(covered, inc)
		} else {
			alone = append(alone, inc)
		}
	}

	for _, inc := range alone {
		if _, err := s.svc.HandleIncident(ctx, inc); err != nil {
			s.logger.Error(ctx, err, "failed to handle uncovered incident", "incident_id", inc.ID, "session_id", sess.ID)
		}
	}

	var absorbed []incident.Incident
	for _, inc := range covered {
		next, err := s.svc.Absorb(ctx, inc.ID, sess.ID)
		if err != nil {
			s.abort(ctx, sess, absorbed, fmt.Errorf("absorb incident %s: %w", inc.ID, err))
			return
		}
		absorbed = append(absorbed, *next)
	}

	var cleared []incident.Incident
	var blocked []string
	for _, inc := range absorbed {
		next, ok, err := s.svc.Screen(ctx, inc)
		if err != nil {
			s.abort(ctx, sess, unblocked(absorbed, blocked), fmt.Errorf("screen incident %s: %w", inc.ID, err))
			return
		}
		if !ok {
			blocked = append(blocked, inc.ID)
			continue
		}
		cleared = append(cleared, next)
	}

	if len(blocked) > 0 {
		reason := fmt.Sprintf("coordinated %s cancelled: incident %s did not clear policy", sess.Strategy.Type, blocked[0])
		for _, inc := range cleared {
			if _, err := s.svc.Settle(ctx, inc.ID, false, reason); err != nil {
				s.logger.Error(ctx, err, "failed to settle incident", "incident_id", inc.ID, "session_id", sess.ID)
			}
		}
		s.finish(ctx, sess, netting.ExecutionResult{SavingsRealized: decimal.Zero, Error: reason})
		return
	}

	participants := make(map[string]position.Position, len(opp.PositionIDs))
	for _, id := range opp.PositionIDs {
		if p, ok := byID[id]; ok {
			participants[id] = p
		}
	}

	res := s.engine.Execute(ctx, sess.Strategy, participants)
	reason := res.Error
	if res.Success {
		reason = fmt.Sprintf("protected by %s in session %s", sess.Strategy.Type, sess.ID)
	}
	for _, inc := range cleared {
		if _, err := s.svc.Settle(ctx, inc.ID, res.Success, reason); err != nil {
			s.logger.Error(ctx, err, "failed to settle incident", "incident_id", inc.ID, "session_id", sess.ID)
		}
	}
	s.finish(ctx, sess, res)
}

// unblocked returns the absorbed incidents still held by the session.
func unblocked(absorbed []incident.Incident, blocked []string) []incident.Incident {
	var out []incident.Incident
	for _, inc := range absorbed {
		if !slices.Contains(blocked, inc.ID) {
			out = append(out, inc)
		}
	}
	return out
}

func (s *Swarm) finish(ctx context.Context, sess *netting.Session, res netting.ExecutionResult) {
	s.mu.Lock()
	err := sess.Finish(res, s.now())
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn(ctx, "session already finished", "session_id", sess.ID, "err", err)
		return
	}
	s.logger.Info(ctx, "coordination finished",
		"session_id", sess.ID,
		"strategy", sess.Strategy.Type,
		"status", sess.Status,
		"savings", res.SavingsRealized.String(),
	)
}

// abort moves the session and every incident still held by it to error.
func (s *Swarm) abort(ctx context.Context, sess *netting.Session, held []incident.Incident, cause error) {
	s.logger.Error(ctx, cause, "coordination aborted", "session_id", sess.ID)
	for _, inc := range held {
		if _, err := s.svc.Fail(ctx, inc.ID, cause); err != nil {
			s.logger.Error(ctx, err, "failed to fail incident", "incident_id", inc.ID, "session_id", sess.ID)
		}
	}
	s.mu.Lock()
	sess.Abort(cause, s.now())
	s.mu.Unlock()
}
