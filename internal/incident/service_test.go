package incident

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/classifier"
)

type serviceFixture struct {
	svc       *Service
	store     *mockStore
	positions *mockPositions
	collab    *mockCollab
	notifier  *mockNotifier
}

func newFixture() *serviceFixture {
	f := &serviceFixture{
		store:     newMockStore(),
		positions: newMockPositions(testPosition()),
		collab:    newMockCollab(),
		notifier:  &mockNotifier{},
	}
	p := NewPipeline(f.collab.collaborators(), log.Nop(), PipelineHooks{})
	f.svc = NewService(f.store, f.positions, p, f.notifier, log.Nop())
	return f
}

func testEvent() RiskEvent {
	return RiskEvent{
		EventType:        EventLiquidationRisk,
		PositionID:       "pos-1",
		Severity:         SeverityHigh,
		PositionValueUSD: decimal.NewFromInt(50000),
		DetectedAt:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessRiskEvent_Protected(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	out, err := f.svc.ProcessRiskEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	if out.Incident.Status != StatusProtected {
		t.Fatalf("Status = %q, want protected", out.Incident.Status)
	}
	if out.Incident.ID == "" {
		t.Error("incident has no ID")
	}
	if want := []Status{StatusDetected, StatusExecuting, StatusProtected}; !slices.Equal(f.store.statuses(), want) {
		t.Errorf("persisted statuses = %v, want %v", f.store.statuses(), want)
	}

	stored, ok, err := f.svc.Get(ctx, out.Incident.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if stored.Status != StatusProtected || len(stored.Stages) != 5 {
		t.Errorf("stored = %s with %d stages", stored.Status, len(stored.Stages))
	}

	st := f.svc.Stats()
	if st.EventsProcessed != 1 || st.IncidentsHandled != 1 || st.ProtectionsExecuted != 1 {
		t.Errorf("Stats = %+v", st)
	}

	latest, ok, err := f.svc.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.ID != out.Incident.ID || latest.Status != StatusProtected {
		t.Errorf("Latest = %s/%s", latest.ID, latest.Status)
	}

	if len(f.notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.sent))
	}
}

func TestProcessRiskEvent_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture()

	ev := testEvent()
	ev.PositionID = ""
	_, err := f.svc.ProcessRiskEvent(context.Background(), ev)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if n := len(f.store.statuses()); n != 0 {
		t.Errorf("persisted %d incidents for invalid event", n)
	}
	if st := f.svc.Stats(); st.EventsProcessed != 0 {
		t.Errorf("EventsProcessed = %d, want 0", st.EventsProcessed)
	}
}

func TestProcessRiskEvent_PositionNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture()

	ev := testEvent()
	ev.PositionID = "missing"
	out, err := f.svc.ProcessRiskEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	if out.Incident.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", out.Incident.Status)
	}
	if !strings.Contains(out.Incident.Reason, "not found") {
		t.Errorf("Reason = %q", out.Incident.Reason)
	}
	entry, _ := out.Incident.Metadata["position"].(map[string]any)
	if entry["kind"] != string(KindNotFound) {
		t.Errorf("position metadata = %v", out.Incident.Metadata["position"])
	}
	if len(f.collab.called()) != 0 {
		t.Errorf("collaborators called: %v", f.collab.called())
	}
	if len(f.notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.sent))
	}
}

func TestProcessRiskEvent_PositionStoreError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.positions.getErr = errors.New("connection reset")

	out, err := f.svc.ProcessRiskEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	if out.Incident.Status != StatusError {
		t.Errorf("Status = %q, want error", out.Incident.Status)
	}
}

func TestProcessRiskEvent_InitialPersistError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.store.putErr = errors.New("disk full")

	if _, err := f.svc.ProcessRiskEvent(context.Background(), testEvent()); err == nil {
		t.Fatal("expected error")
	}
	if len(f.collab.called()) != 0 {
		t.Error("pipeline ran without a persisted incident")
	}
}

func TestProcessRiskEvent_PersistFailureMidPipeline(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.store.failAfter = 1

	out, err := f.svc.ProcessRiskEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	if out.Incident.Status != StatusError {
		t.Errorf("Status = %q, want error", out.Incident.Status)
	}
}

func TestProcessRiskEvent_PolicyBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.collab.decision = &PolicyDecision{Allowed: false, Reason: "auto-protect disabled"}

	out, err := f.svc.ProcessRiskEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	if out.Incident.Status != StatusPolicyBlocked {
		t.Errorf("Status = %q, want policy_blocked", out.Incident.Status)
	}
	if out.Incident.Reason != "auto-protect disabled" {
		t.Errorf("Reason = %q", out.Incident.Reason)
	}
	if st := f.svc.Stats(); st.ProtectionsExecuted != 0 {
		t.Errorf("ProtectionsExecuted = %d, want 0", st.ProtectionsExecuted)
	}
}

func TestProcessRiskEvent_ClassifierEscalates(t *testing.T) {
	t.Parallel()
	f := newFixture()

	ev := testEvent()
	ev.EventType = EventFlashLoanAttack
	ev.Severity = SeverityLow
	ev.Transaction = &classifier.Transaction{
		BorrowAmountUSD:      decimal.NewFromInt(2_500_000),
		ProtocolInteractions: 3,
		PriceImpact:          0.08,
		ArbitragePattern:     true,
		InternalCalls:        15,
	}

	out, err := f.svc.ProcessRiskEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	if out.Incident.Severity != SeverityCritical {
		t.Errorf("Severity = %q, want critical", out.Incident.Severity)
	}
	a, ok := out.Incident.Metadata["classification"].(classifier.Assessment)
	if !ok {
		t.Fatalf("classification metadata = %T", out.Incident.Metadata["classification"])
	}
	if a.Confidence != 1.0 || !a.AttackDetected {
		t.Errorf("Assessment = %+v", a)
	}
}

func TestLatest_FallsBackToRepository(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	if _, ok, err := f.svc.Latest(ctx); err != nil || ok {
		t.Fatalf("Latest on empty service: ok=%v err=%v", ok, err)
	}

	ev := testEvent()
	ev.EventType = EventHealthFactorDrop
	out, err := f.svc.ProcessRiskEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}

	latest, ok, err := f.svc.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.ID != out.Incident.ID {
		t.Errorf("Latest = %s, want %s", latest.ID, out.Incident.ID)
	}
}

func TestLatest_SlotPrefersAttackIncidents(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	attack, err := f.svc.ProcessRiskEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	ev := testEvent()
	ev.EventType = EventPriceVolatility
	if _, err := f.svc.ProcessRiskEvent(ctx, ev); err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}

	latest, _, _ := f.svc.Latest(ctx)
	if latest.ID != attack.Incident.ID {
		t.Errorf("Latest = %s, want attack incident %s", latest.ID, attack.Incident.ID)
	}
}

func TestHandleIncident_Terminal(t *testing.T) {
	t.Parallel()
	f := newFixture()

	inc := testIncident()
	inc.Status = StatusProtected
	if _, err := f.svc.HandleIncident(context.Background(), inc); !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
}

func TestHandleIncident_SerializesCallers(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.collab.started = make(chan struct{}, 1)
	f.collab.release = make(chan struct{})
	ctx := context.Background()

	seed := testIncident()
	if err := f.store.PutIncident(ctx, &seed); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.HandleIncident(ctx, seed)
		done <- err
	}()
	<-f.collab.started

	// while the first run is executing, every other caller is turned away
	if _, err := f.svc.HandleIncident(ctx, seed); !errors.Is(err, ErrInProgress) {
		t.Errorf("second HandleIncident: err = %v, want ErrInProgress", err)
	}
	if _, err := f.svc.Fail(ctx, seed.ID, errors.New("crash")); !errors.Is(err, ErrInProgress) {
		t.Errorf("Fail: err = %v, want ErrInProgress", err)
	}
	if _, err := f.svc.Absorb(ctx, seed.ID, "s"); !errors.Is(err, ErrInProgress) {
		t.Errorf("Absorb: err = %v, want ErrInProgress", err)
	}

	close(f.collab.release)
	if err := <-done; err != nil {
		t.Fatalf("HandleIncident: %v", err)
	}

	// the caller's copy is stale; the stored incident is terminal
	if _, err := f.svc.HandleIncident(ctx, seed); !errors.Is(err, ErrTerminal) {
		t.Errorf("stale HandleIncident: err = %v, want ErrTerminal", err)
	}

	executions := 0
	for _, st := range f.collab.called() {
		if st == StagePlanExecution {
			executions++
		}
	}
	if executions != 1 {
		t.Errorf("executions = %d, want 1", executions)
	}
	if want := []Status{StatusDetected, StatusExecuting, StatusProtected}; !slices.Equal(f.store.statuses(), want) {
		t.Errorf("persisted statuses = %v, want %v", f.store.statuses(), want)
	}
}

func TestClaim(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	seed := testIncident()
	if err := f.store.PutIncident(ctx, &seed); err != nil {
		t.Fatal(err)
	}

	held, release, err := f.svc.Claim(ctx, seed.ID, "inc-2", seed.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, _, err := f.svc.Claim(ctx, "inc-3", "inc-2"); !errors.Is(err, ErrInProgress) {
		t.Errorf("overlapping Claim: err = %v, want ErrInProgress", err)
	}
	// a refused claim takes nothing
	if _, r, err := f.svc.Claim(ctx, "inc-3"); err != nil {
		t.Errorf("Claim inc-3: %v", err)
	} else {
		r()
	}

	// the holder's context passes straight through
	inc, err := f.svc.Absorb(held, seed.ID, "session-1")
	if err != nil {
		t.Fatalf("Absorb with claim: %v", err)
	}
	if _, _, err := f.svc.Screen(ctx, *inc); !errors.Is(err, ErrInProgress) {
		t.Errorf("Screen without claim: err = %v, want ErrInProgress", err)
	}

	release()
	release()
	if _, err := f.svc.Settle(ctx, seed.ID, false, "cancelled"); err != nil {
		t.Errorf("Settle after release: %v", err)
	}
}

func TestScreen_UsesStoredIncident(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	seed := testIncident()
	if err := f.store.PutIncident(ctx, &seed); err != nil {
		t.Fatal(err)
	}
	inc, err := f.svc.Absorb(ctx, seed.ID, "s")
	if err != nil {
		t.Fatalf("Absorb: %v", err)
	}
	if _, err := f.svc.Fail(ctx, seed.ID, errors.New("strategy crashed")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	out, allowed, err := f.svc.Screen(ctx, *inc)
	if !errors.Is(err, ErrTerminal) || allowed {
		t.Fatalf("Screen stale copy: allowed=%v err=%v, want ErrTerminal", allowed, err)
	}
	if out.Status != StatusError {
		t.Errorf("Status = %q, want error", out.Status)
	}
	if n := len(f.collab.called()); n != 0 {
		t.Errorf("policy guard called %d times for a terminal incident", n)
	}
}

func TestCoordinationLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	seed := testIncident()
	if err := f.store.PutIncident(ctx, &seed); err != nil {
		t.Fatal(err)
	}

	inc, err := f.svc.Absorb(ctx, seed.ID, "session-1")
	if err != nil {
		t.Fatalf("Absorb: %v", err)
	}
	if inc.Status != StatusAnalyzing || inc.SessionID != "session-1" {
		t.Fatalf("absorbed = %s/%s", inc.Status, inc.SessionID)
	}

	screened, allowed, err := f.svc.Screen(ctx, *inc)
	if err != nil || !allowed {
		t.Fatalf("Screen: allowed=%v err=%v", allowed, err)
	}
	if screened.Status != StatusAnalyzing || len(screened.Stages) != 1 {
		t.Errorf("screened = %s with %d stages", screened.Status, len(screened.Stages))
	}

	done, err := f.svc.Settle(ctx, seed.ID, true, "netted with pos-2")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if done.Status != StatusProtected || done.Reason != "netted with pos-2" {
		t.Errorf("settled = %s (%q)", done.Status, done.Reason)
	}
	if st := f.svc.Stats(); st.ProtectionsExecuted != 1 {
		t.Errorf("ProtectionsExecuted = %d, want 1", st.ProtectionsExecuted)
	}

	if _, err := f.svc.Absorb(ctx, seed.ID, "session-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Absorb terminal: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.svc.Settle(ctx, "nope", true, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Settle unknown: err = %v, want ErrNotFound", err)
	}
}

func TestScreen_PolicyBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.collab.decision = &PolicyDecision{Allowed: false, Reason: "max cost exceeded"}
	ctx := context.Background()

	seed := testIncident()
	if err := f.store.PutIncident(ctx, &seed); err != nil {
		t.Fatal(err)
	}
	inc, err := f.svc.Absorb(ctx, seed.ID, "s")
	if err != nil {
		t.Fatalf("Absorb: %v", err)
	}

	out, allowed, err := f.svc.Screen(ctx, *inc)
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if allowed {
		t.Error("allowed = true, want false")
	}
	if out.Status != StatusPolicyBlocked {
		t.Errorf("Status = %q, want policy_blocked", out.Status)
	}
}

func TestFail(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	seed := testIncident()
	if err := f.store.PutIncident(ctx, &seed); err != nil {
		t.Fatal(err)
	}
	inc, err := f.svc.Fail(ctx, seed.ID, errors.New("strategy crashed"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if inc.Status != StatusError || inc.Reason != "strategy crashed" {
		t.Errorf("failed = %s (%q)", inc.Status, inc.Reason)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.ProcessRiskEvent(ctx, testEvent()); err != nil {
		t.Fatal(err)
	}
	ev := testEvent()
	ev.PositionID = "missing"
	if _, err := f.svc.ProcessRiskEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	failed, err := f.svc.List(ctx, Filter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed incidents = %d, want 1", len(failed))
	}
}

func TestObserveEvents(t *testing.T) {
	t.Parallel()

	var got []string
	f := newFixture()
	f.svc.ObserveEvents(func(result string) { got = append(got, result) })

	ctx := context.Background()
	if _, err := f.svc.ProcessRiskEvent(ctx, testEvent()); err != nil {
		t.Fatalf("ProcessRiskEvent: %v", err)
	}
	bad := testEvent()
	bad.Severity = "urgent"
	_, _ = f.svc.ProcessRiskEvent(ctx, bad)
	f.store.putErr = errors.New("disk full")
	_, _ = f.svc.ProcessRiskEvent(ctx, testEvent())

	want := []string{"accepted", "invalid", "error"}
	if !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}
}
