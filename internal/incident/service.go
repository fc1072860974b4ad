package incident

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/classifier"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Outcome is the result of handling one incident.
type Outcome struct {
	Incident Incident      `json:"incident"`
	Results  []StageResult `json:"results,omitempty"`
}

// Stats are the service's lifetime counters.
type Stats struct {
	EventsProcessed     int64 `json:"events_processed"`
	IncidentsHandled    int64 `json:"incidents_handled"`
	ProtectionsExecuted int64 `json:"protections_executed"`
}

// Service is the business boundary for incident operations.
type Service struct {
	store      Store
	positions  position.Store
	pipeline   *Pipeline
	notifier   Notifier
	thresholds classifier.Thresholds
	logger     log.Logger
	now        func() time.Time
	onEvent    func(result string)

	mu     sync.RWMutex
	latest *Incident

	claimMu sync.Mutex
	claims  map[string]struct{}

	eventsProcessed     atomic.Int64
	incidentsHandled    atomic.Int64
	protectionsExecuted atomic.Int64
}

// NewService creates a new incident service. notifier may be nil.
func NewService(store Store, positions position.Store, pipeline *Pipeline, notifier Notifier, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		positions:  positions,
		pipeline:   pipeline,
		notifier:   notifier,
		thresholds: classifier.DefaultThresholds(),
		logger:     logger,
		now:        time.Now,
		claims:     make(map[string]struct{}),
	}
}

// claimKey carries the incident IDs claimed by the caller.
type claimKey struct{}

func heldBy(ctx context.Context, id string) bool {
	held, _ := ctx.Value(claimKey{}).(map[string]struct{})
	_, ok := held[id]
	return ok
}

// Claim reserves ids for the caller until release is called. Operations
// given the returned context act on the claimed incidents without claiming
// them again; any other caller gets ErrInProgress. IDs already held through
// ctx are not claimed twice.
func (s *Service) Claim(ctx context.Context, ids ...string) (context.Context, func(), error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var fresh []string
	for _, id := range ids {
		if heldBy(ctx, id) || slices.Contains(fresh, id) {
			continue
		}
		if _, ok := s.claims[id]; ok {
			return ctx, func() {}, fmt.Errorf("incident %s: %w", id, ErrInProgress)
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return ctx, func() {}, nil
	}

	held := make(map[string]struct{}, len(fresh))
	if outer, ok := ctx.Value(claimKey{}).(map[string]struct{}); ok {
		maps.Copy(held, outer)
	}
	for _, id := range fresh {
		s.claims[id] = struct{}{}
		held[id] = struct{}{}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.claimMu.Lock()
			for _, id := range fresh {
				delete(s.claims, id)
			}
			s.claimMu.Unlock()
		})
	}
	return context.WithValue(ctx, claimKey{}, held), release, nil
}

// ObserveEvents registers fn to receive "accepted", "invalid" or "error"
// for every risk event. It must be called before the service is used.
func (s *Service) ObserveEvents(fn func(result string)) { s.onEvent = fn }

func (s *Service) observe(result string) {
	if s.onEvent != nil {
		s.onEvent(result)
	}
}

// ProcessRiskEvent validates ev, opens an incident for it and drives the
// incident to a terminal state. Only validation and persistence errors are
// returned; pipeline failures are reported on the outcome.
func (s *Service) ProcessRiskEvent(ctx context.Context, ev RiskEvent) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		s.observe("invalid")
		return nil, err
	}
	s.eventsProcessed.Add(1)

	detectedAt := ev.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = s.now()
	}

	inc := Incident{
		ID:          ulid.Make().String(),
		EventType:   ev.EventType,
		PositionIDs: []string{ev.PositionID},
		Status:      StatusDetected,
		Severity:    ev.Severity,
		DetectedAt:  detectedAt.UTC(),
		Version:     1,
		Metadata: map[string]any{
			"position_value_usd": ev.PositionValueUSD.String(),
		},
	}
	inc = s.classify(inc, ev)

	ctx, release, err := s.Claim(ctx, inc.ID)
	if err != nil {
		s.observe("error")
		return nil, err
	}
	defer release()

	if err := s.store.PutIncident(ctx, &inc); err != nil {
		s.observe("error")
		return nil, fmt.Errorf("persist incident: %w", err)
	}
	s.observe("accepted")
	s.track(inc)

	s.logger.Info(ctx, "incident opened",
		"incident_id", inc.ID,
		"event_type", inc.EventType,
		"severity", inc.Severity,
		"position_id", ev.PositionID,
	)

	return s.HandleIncident(ctx, inc)
}

// classify records attack assessments for any transaction data carried by
// the event and raises the incident severity to match.
func (s *Service) classify(inc Incident, ev RiskEvent) Incident {
	if ev.Transaction != nil {
		a := classifier.ClassifyTransaction(*ev.Transaction, s.thresholds)
		inc = inc.WithMetadata("classification", a)
		if a.AttackDetected {
			inc = inc.Escalate(Severity(a.Level))
		}
	}
	if len(ev.Trades) > 0 {
		a := classifier.DetectSandwich(ev.Trades, s.thresholds)
		inc = inc.WithMetadata("sandwich", a)
		if a.AttackDetected {
			inc = inc.Escalate(Severity(a.Level))
		}
	}
	return inc
}

// HandleIncident runs the pipeline for the stored version of inc. Every
// status change is persisted before the next stage begins. The incident is
// claimed for the whole run.
func (s *Service) HandleIncident(ctx context.Context, inc Incident) (*Outcome, error) {
	if inc.Terminal() {
		return nil, fmt.Errorf("handle incident %s: %w", inc.ID, ErrTerminal)
	}
	ctx, release, err := s.Claim(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("handle incident: %w", err)
	}
	defer release()

	inc, err = s.mustGet(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("handle incident: %w", err)
	}
	if inc.Terminal() {
		return nil, fmt.Errorf("handle incident %s: status %s: %w", inc.ID, inc.Status, ErrTerminal)
	}
	s.incidentsHandled.Add(1)

	pos, err := s.loadPosition(ctx, inc)
	if err != nil {
		final := s.terminalize(ctx, inc, err)
		return &Outcome{Incident: final}, nil
	}

	rr := s.pipeline.Run(ctx, inc, pos, s.record)
	if rr.Incident.Status == StatusProtected {
		s.protectionsExecuted.Add(1)
	}
	s.notify(ctx, rr.Incident)

	return &Outcome{Incident: rr.Incident, Results: rr.Results}, nil
}

// loadPosition fetches the incident's primary position. A missing position
// is a StageError of kind not_found; a repository failure is internal.
func (s *Service) loadPosition(ctx context.Context, inc Incident) (*position.Position, error) {
	id := inc.PrimaryPosition()
	pos, ok, err := s.positions.GetPosition(ctx, id)
	if err != nil {
		return nil, &StageError{Kind: KindInternal, Message: fmt.Sprintf("load position %s: %v", id, err)}
	}
	if !ok {
		return nil, &StageError{Kind: KindNotFound, Message: fmt.Sprintf("position %s not found", id)}
	}
	return pos, nil
}

// terminalize moves inc straight to a terminal status without running the
// pipeline.
func (s *Service) terminalize(ctx context.Context, inc Incident, cause error) Incident {
	se, ok := cause.(*StageError)
	if !ok {
		se = stageErrorFrom(cause)
	}
	to := StatusFailed
	if se.Kind == KindInternal {
		to = StatusError
	}

	next := inc.WithMetadata("position", map[string]any{
		"success": false,
		"error":   se.Message,
		"kind":    string(se.Kind),
	})
	next, err := next.Transition(to, se.Message, s.now())
	if err != nil {
		s.logger.Error(ctx, err, "failed to terminalize incident", "incident_id", inc.ID)
		return inc
	}
	if err := s.record(ctx, next); err != nil {
		s.logger.Error(ctx, err, "failed to persist terminal incident", "incident_id", inc.ID)
	}

	s.logger.Warn(ctx, "incident terminalized", "incident_id", inc.ID, "status", to, "reason", se.Message)
	s.notify(ctx, next)
	return next
}

// record persists inc and refreshes the latest slot. It is the pipeline's
// transition callback.
func (s *Service) record(ctx context.Context, inc Incident) error {
	if err := s.store.PutIncident(ctx, &inc); err != nil {
		return err
	}
	s.track(inc)
	return nil
}

// track refreshes the latest security incident slot for attack-related
// incidents.
func (s *Service) track(inc Incident) {
	if !inc.EventType.AttackRelated() {
		return
	}
	cp := inc.Clone()
	s.mu.Lock()
	s.latest = &cp
	s.mu.Unlock()
}

func (s *Service) notify(ctx context.Context, inc Incident) {
	if s.notifier == nil || !inc.Terminal() {
		return
	}
	if err := s.notifier.Send(ctx, &inc); err != nil {
		s.logger.Warn(ctx, "incident notification failed", "incident_id", inc.ID, "err", err)
	}
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.GetIncident(ctx, id)
}

// List returns incidents matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Incident, error) {
	return s.store.ListIncidents(ctx, f)
}

// Latest returns the latest security incident. The in-memory slot wins;
// when it is empty the repository's most recently created incident is used.
func (s *Service) Latest(ctx context.Context) (*Incident, bool, error) {
	s.mu.RLock()
	slot := s.latest
	s.mu.RUnlock()
	if slot != nil {
		cp := slot.Clone()
		return &cp, true, nil
	}
	return s.store.LatestIncident(ctx)
}

// Stats returns a snapshot of the lifetime counters.
func (s *Service) Stats() Stats {
	return Stats{
		EventsProcessed:     s.eventsProcessed.Load(),
		IncidentsHandled:    s.incidentsHandled.Load(),
		ProtectionsExecuted: s.protectionsExecuted.Load(),
	}
}

// Absorb moves a detected incident into a coordination session.
func (s *Service) Absorb(ctx context.Context, id, sessionID string) (*Incident, error) {
	ctx, release, err := s.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	inc, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := inc.Transition(StatusAnalyzing, "", s.now())
	if err != nil {
		return nil, err
	}
	next.SessionID = sessionID
	if err := s.record(ctx, next); err != nil {
		return nil, fmt.Errorf("persist incident %s: %w", id, err)
	}
	return &next, nil
}

// Screen runs the policy stage for the stored version of an incident held in
// a coordination session. A rejected or failed incident is terminalized and
// allowed is false.
func (s *Service) Screen(ctx context.Context, inc Incident) (Incident, bool, error) {
	ctx, release, err := s.Claim(ctx, inc.ID)
	if err != nil {
		return inc, false, err
	}
	defer release()

	stored, err := s.mustGet(ctx, inc.ID)
	if err != nil {
		return inc, false, err
	}
	if stored.Terminal() {
		return stored, false, fmt.Errorf("screen incident %s: status %s: %w", inc.ID, stored.Status, ErrTerminal)
	}
	inc = stored

	pos, err := s.loadPosition(ctx, inc)
	if err != nil {
		return s.terminalize(ctx, inc, err), false, nil
	}

	sr := s.pipeline.CheckPolicy(ctx, inc, pos)
	next := inc.WithStage(sr)
	if sr.Success {
		// a stage-only write is still a new version
		next.Version++
		if err := s.record(ctx, next); err != nil {
			return inc, false, fmt.Errorf("persist incident %s: %w", inc.ID, err)
		}
		return next, true, nil
	}

	next, err = next.Transition(statusForFailure(sr.Err.Kind), sr.Err.Message, s.now())
	if err != nil {
		return inc, false, err
	}
	if err := s.record(ctx, next); err != nil {
		return inc, false, fmt.Errorf("persist incident %s: %w", inc.ID, err)
	}
	s.notify(ctx, next)
	return next, false, nil
}

// Settle resolves an incident held in a coordination session with the
// outcome of the shared strategy.
func (s *Service) Settle(ctx context.Context, id string, success bool, reason string) (*Incident, error) {
	ctx, release, err := s.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	inc, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Status != StatusAnalyzing {
		return nil, fmt.Errorf("%w: settle from %s", ErrInvalidTransition, inc.Status)
	}

	var next Incident
	if success {
		next, err = inc.Transition(StatusExecuting, "", s.now())
		if err == nil {
			next, err = next.Transition(StatusProtected, reason, s.now())
		}
	} else {
		next, err = inc.Transition(StatusFailed, reason, s.now())
	}
	if err != nil {
		return nil, err
	}

	if err := s.record(ctx, next); err != nil {
		return nil, fmt.Errorf("persist incident %s: %w", id, err)
	}
	if next.Status == StatusProtected {
		s.protectionsExecuted.Add(1)
	}
	s.notify(ctx, next)
	return &next, nil
}

// Fail moves a non-terminal incident to error after an unexpected failure
// outside the pipeline.
func (s *Service) Fail(ctx context.Context, id string, cause error) (*Incident, error) {
	ctx, release, err := s.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	inc, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := inc.Transition(StatusError, cause.Error(), s.now())
	if err != nil {
		return nil, err
	}
	if err := s.record(ctx, next); err != nil {
		return nil, fmt.Errorf("persist incident %s: %w", id, err)
	}
	s.notify(ctx, next)
	return &next, nil
}

func (s *Service) mustGet(ctx context.Context, id string) (Incident, error) {
	inc, ok, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return Incident{}, err
	}
	if !ok {
		return Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return *inc, nil
}
