package incident

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/position"
)

var tracer = otel.Tracer("github.com/linnemanlabs/bulwark/internal/incident")

// Stage names one step of the pipeline.
type Stage string

const (
	StagePolicyCheck      Stage = "policy_check"
	StageRiskPrediction   Stage = "risk_prediction"
	StagePlanOptimization Stage = "plan_optimization"
	StagePlanExecution    Stage = "plan_execution"
	StageIncidentAnalysis Stage = "incident_analysis"
)

// Stages is the fixed execution order.
var Stages = []Stage{
	StagePolicyCheck,
	StageRiskPrediction,
	StagePlanOptimization,
	StagePlanExecution,
	StageIncidentAnalysis,
}

// StageResult is the explicit outcome of one stage. Err is set iff
// Success is false.
type StageResult struct {
	Stage     Stage          `json:"stage"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Err       *StageError    `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// TransitionCallback is invoked with every new incident status before the
// pipeline continues. A non-nil error moves the incident to StatusError.
type TransitionCallback func(ctx context.Context, inc Incident) error

// PipelineHooks receives pipeline telemetry. Nil funcs are skipped.
type PipelineHooks struct {
	OnStage    func(stage Stage, duration float64, ok bool)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes a finished pipeline run.
type CompleteEvent struct {
	IncidentID string
	Status     Status
	Severity   Severity
	EventType  EventType
	Duration   float64
	Stages     int
}

// RunResult is the outcome of Pipeline.Run.
type RunResult struct {
	Incident Incident
	Results  []StageResult
	Duration float64
}

// Failed returns the first failing stage result, if any.
func (r *RunResult) Failed() *StageResult {
	for i := range r.Results {
		if !r.Results[i].Success {
			return &r.Results[i]
		}
	}
	return nil
}

// Pipeline runs the ordered protection stages for one incident at a time.
// It holds no store and no shared mutable state.
type Pipeline struct {
	collab Collaborators
	logger log.Logger
	hooks  PipelineHooks
	now    func() time.Time
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(c Collaborators, logger log.Logger, hooks PipelineHooks) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{
		collab: c,
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
	}
}

// runState carries typed stage outputs to later stages.
type runState struct {
	prediction *Prediction
	plan       *Plan
	receipt    *Receipt
}

// Run drives inc through every stage, stopping at the first failure.
// Stage errors and collaborator panics never escape; they are recorded on
// the returned incident.
func (p *Pipeline) Run(ctx context.Context, inc Incident, pos *position.Position, onTransition TransitionCallback) *RunResult {
	start := p.now()
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("bulwark.incident.id", inc.ID),
		attribute.String("bulwark.incident.event_type", string(inc.EventType)),
	))
	defer span.End()

	L := p.logger.With("incident_id", inc.ID, "position_id", inc.PrimaryPosition())

	rr := &RunResult{Incident: inc}
	cur := inc
	st := &runState{}
	completed := true

	for _, stage := range Stages {
		sr := p.runStage(ctx, stage, cur, pos, st)
		rr.Results = append(rr.Results, sr)
		cur = cur.WithStage(sr)

		if !sr.Success {
			completed = false
			L.Warn(ctx, "pipeline stage failed", "stage", stage, "kind", sr.Err.Kind, "reason", sr.Err.Message)
			cur, _ = p.advance(ctx, cur, statusForFailure(sr.Err.Kind), sr.Err.Message, onTransition)
			break
		}

		if stage == StagePolicyCheck {
			var ok bool
			if cur, ok = p.advance(ctx, cur, StatusExecuting, "", onTransition); !ok {
				completed = false
				break
			}
		}
	}

	if completed {
		cur, _ = p.advance(ctx, cur, StatusProtected, "protection executed", onTransition)
	}

	rr.Incident = cur
	rr.Duration = p.now().Sub(start).Seconds()

	span.SetAttributes(attribute.String("bulwark.incident.status", string(cur.Status)))
	if cur.Status != StatusProtected {
		span.SetStatus(codes.Error, cur.Reason)
	}

	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete(&CompleteEvent{
			IncidentID: cur.ID,
			Status:     cur.Status,
			Severity:   cur.Severity,
			EventType:  cur.EventType,
			Duration:   rr.Duration,
			Stages:     len(rr.Results),
		})
	}

	L.Info(ctx, "pipeline complete",
		"status", cur.Status,
		"stages", len(rr.Results),
		"duration", rr.Duration,
	)
	return rr
}

// advance transitions cur and reports it through onTransition. When the
// transition or its persistence fails the incident is moved to StatusError
// and ok is false.
func (p *Pipeline) advance(ctx context.Context, cur Incident, to Status, reason string, onTransition TransitionCallback) (Incident, bool) {
	next, err := cur.Transition(to, reason, p.now())
	if err == nil && onTransition != nil {
		if cbErr := onTransition(ctx, next); cbErr != nil {
			err = fmt.Errorf("record %s: %w", to, cbErr)
		}
	}
	if err == nil {
		return next, to != StatusError
	}

	p.logger.Error(ctx, err, "incident transition failed", "incident_id", cur.ID, "from", cur.Status, "to", to)
	errInc, terr := cur.Transition(StatusError, err.Error(), p.now())
	if terr != nil {
		return cur, false
	}
	if onTransition != nil {
		if cbErr := onTransition(ctx, errInc); cbErr != nil {
			p.logger.Error(ctx, cbErr, "failed to record error status", "incident_id", cur.ID)
		}
	}
	return errInc, false
}

func statusForFailure(k Kind) Status {
	switch k {
	case KindPolicyViolation:
		return StatusPolicyBlocked
	case KindInternal:
		return StatusError
	default:
		return StatusFailed
	}
}

// runStage executes a single stage in its own span, converting collaborator
// errors and panics into a failed StageResult.
func (p *Pipeline) runStage(ctx context.Context, stage Stage, inc Incident, pos *position.Position, st *runState) (sr StageResult) {
	if st == nil {
		st = &runState{}
	}
	started := p.now()
	ctx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("bulwark.incident.id", inc.ID),
		attribute.String("bulwark.stage", string(stage)),
	))

	defer func() {
		if r := recover(); r != nil {
			sr = StageResult{
				Stage:   stage,
				Success: false,
				Err:     &StageError{Kind: KindInternal, Message: fmt.Sprintf("panic in %s: %v", stage, r)},
			}
		}
		sr.StartedAt = started
		sr.Duration = p.now().Sub(started)

		span.SetAttributes(attribute.Bool("bulwark.stage.ok", sr.Success))
		if sr.Err != nil {
			span.SetAttributes(attribute.String("bulwark.stage.error_kind", string(sr.Err.Kind)))
			span.SetStatus(codes.Error, sr.Err.Message)
		}
		span.End()

		if p.hooks.OnStage != nil {
			p.hooks.OnStage(stage, sr.Duration.Seconds(), sr.Success)
		}
	}()

	switch stage {
	case StagePolicyCheck:
		return p.policyCheck(ctx, inc, pos)
	case StageRiskPrediction:
		return p.riskPrediction(ctx, pos, st)
	case StagePlanOptimization:
		return p.planOptimization(ctx, inc, pos, st)
	case StagePlanExecution:
		return p.planExecution(ctx, pos, st)
	case StageIncidentAnalysis:
		return p.incidentAnalysis(ctx, inc, pos)
	}
	return fail(stage, &StageError{Kind: KindInternal, Message: "unknown stage " + string(stage)})
}

func ok(stage Stage, data map[string]any) StageResult {
	return StageResult{Stage: stage, Success: true, Data: data}
}

func fail(stage Stage, err *StageError) StageResult {
	return StageResult{Stage: stage, Success: false, Err: err}
}

func unavailable(stage Stage, what string) StageResult {
	return fail(stage, &StageError{Kind: KindAgentUnavailable, Message: what + " is not configured"})
}

func (p *Pipeline) policyCheck(ctx context.Context, inc Incident, pos *position.Position) StageResult {
	if p.collab.Policy == nil {
		return unavailable(StagePolicyCheck, "policy validator")
	}
	d, err := p.collab.Policy.Validate(ctx, inc, pos)
	if err != nil {
		return fail(StagePolicyCheck, stageErrorFrom(err))
	}
	if d == nil {
		return fail(StagePolicyCheck, &StageError{Kind: KindStageFailure, Message: "policy validator returned no decision"})
	}
	data := map[string]any{"allowed": d.Allowed, "reason": d.Reason}
	if !d.Allowed {
		r := fail(StagePolicyCheck, &StageError{Kind: KindPolicyViolation, Message: d.Reason})
		r.Data = data
		return r
	}
	return ok(StagePolicyCheck, data)
}

func (p *Pipeline) riskPrediction(ctx context.Context, pos *position.Position, st *runState) StageResult {
	if p.collab.Predictor == nil {
		return unavailable(StageRiskPrediction, "predictor")
	}
	pred, err := p.collab.Predictor.Predict(ctx, pos)
	if err != nil {
		return fail(StageRiskPrediction, stageErrorFrom(err))
	}
	if pred == nil {
		return fail(StageRiskPrediction, &StageError{Kind: KindStageFailure, Message: "predictor returned no prediction"})
	}
	st.prediction = pred
	return ok(StageRiskPrediction, map[string]any{
		"risk_level":  string(pred.RiskLevel),
		"confidence":  pred.Confidence,
		"ttb_seconds": pred.TimeToBreach.Seconds(),
	})
}

func (p *Pipeline) planOptimization(ctx context.Context, inc Incident, pos *position.Position, st *runState) StageResult {
	if p.collab.Optimizer == nil {
		return unavailable(StagePlanOptimization, "optimizer")
	}
	plan, err := p.collab.Optimizer.Optimize(ctx, pos, inc)
	if err != nil {
		return fail(StagePlanOptimization, stageErrorFrom(err))
	}
	if plan == nil || len(plan.Actions) == 0 {
		return fail(StagePlanOptimization, &StageError{Kind: KindStageFailure, Message: "optimizer produced no actions"})
	}
	st.plan = plan
	actions := make([]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		actions = append(actions, string(a.Type))
	}
	return ok(StagePlanOptimization, map[string]any{
		"actions":  actions,
		"cost_usd": plan.CostUSD.String(),
	})
}

func (p *Pipeline) planExecution(ctx context.Context, pos *position.Position, st *runState) StageResult {
	if p.collab.Actioner == nil {
		return unavailable(StagePlanExecution, "actioner")
	}
	if st.plan == nil {
		return fail(StagePlanExecution, &StageError{Kind: KindStageFailure, Message: "no plan to execute"})
	}
	rc, err := p.collab.Actioner.Execute(ctx, st.plan, pos)
	if err != nil {
		return fail(StagePlanExecution, stageErrorFrom(err))
	}
	if rc == nil || rc.TxID == "" {
		return fail(StagePlanExecution, &StageError{Kind: KindStageFailure, Message: "actioner returned no transaction"})
	}
	st.receipt = rc
	return ok(StagePlanExecution, map[string]any{
		"tx_id":    rc.TxID,
		"cost_usd": rc.CostUSD.String(),
	})
}

func (p *Pipeline) incidentAnalysis(ctx context.Context, inc Incident, pos *position.Position) StageResult {
	if p.collab.Explainer == nil {
		return unavailable(StageIncidentAnalysis, "explainer")
	}
	ex, err := p.collab.Explainer.Explain(ctx, inc, pos)
	if err != nil {
		return fail(StageIncidentAnalysis, stageErrorFrom(err))
	}
	if ex == nil {
		return fail(StageIncidentAnalysis, &StageError{Kind: KindStageFailure, Message: "explainer returned nothing"})
	}
	return ok(StageIncidentAnalysis, map[string]any{
		"short":    ex.Short,
		"detailed": ex.Detailed,
	})
}

// CheckPolicy runs only the policy stage. Coordination uses it to screen
// incidents before a shared strategy executes on their behalf.
func (p *Pipeline) CheckPolicy(ctx context.Context, inc Incident, pos *position.Position) StageResult {
	return p.runStage(ctx, StagePolicyCheck, inc, pos, nil)
}
