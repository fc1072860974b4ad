package incident

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/bulwark/internal/classifier"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusDetected means created from a risk event, not yet processed
	StatusDetected Status = "detected"

	// StatusPolicyBlocked means the policy guard rejected the response
	StatusPolicyBlocked Status = "policy_blocked"

	// StatusAnalyzing means absorbed into a coordination session
	StatusAnalyzing Status = "analyzing"

	// StatusExecuting means policy passed and the protection plan is running
	StatusExecuting Status = "executing"

	// StatusProtected means the position was protected successfully
	StatusProtected Status = "protected"

	// StatusFailed means a stage failed
	StatusFailed Status = "failed"

	// StatusError means an unexpected error interrupted processing
	StatusError Status = "error"
)

// transitions lists every legal next status. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusDetected:  {StatusPolicyBlocked, StatusExecuting, StatusAnalyzing, StatusFailed, StatusError},
	StatusAnalyzing: {StatusPolicyBlocked, StatusExecuting, StatusFailed, StatusError},
	StatusExecuting: {StatusProtected, StatusFailed, StatusError},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusPolicyBlocked, StatusAnalyzing, StatusExecuting,
		StatusProtected, StatusFailed, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is legal.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Severity is the urgency of an incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.rank() > 0 }

// EventType names the kind of risk signal that opened an incident.
type EventType string

const (
	EventFlashLoanAttack       EventType = "flash_loan_attack"
	EventSandwichAttack        EventType = "sandwich_attack"
	EventOracleManipulation    EventType = "oracle_manipulation"
	EventLiquidationRisk       EventType = "liquidation_risk"
	EventSuspiciousTransaction EventType = "suspicious_transaction"
	EventHealthFactorDrop      EventType = "health_factor_drop"
	EventPriceVolatility       EventType = "price_volatility"
)

// AttackRelated reports whether incidents of this type feed the latest
// security incident slot.
func (e EventType) AttackRelated() bool {
	switch e {
	case EventFlashLoanAttack, EventSandwichAttack, EventOracleManipulation,
		EventLiquidationRisk, EventSuspiciousTransaction:
		return true
	}
	return false
}

// RiskEvent is the ingestion payload produced by the watchers.
type RiskEvent struct {
	EventType        EventType               `json:"event_type"`
	PositionID       string                  `json:"position_id"`
	Severity         Severity                `json:"severity"`
	PositionValueUSD decimal.Decimal         `json:"position_value_usd"`
	DetectedAt       time.Time               `json:"detected_at"`
	Transaction      *classifier.Transaction `json:"transaction,omitempty"`
	Trades           []classifier.Trade      `json:"trades,omitempty"`
}

// Validate checks the required fields.
func (e *RiskEvent) Validate() error {
	if e.PositionID == "" {
		return &ValidationError{Field: "position_id", Reason: "is required"}
	}
	if e.Severity == "" {
		return &ValidationError{Field: "severity", Reason: "is required"}
	}
	if !e.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("%q is not one of low, medium, high, critical", e.Severity)}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if e.PositionValueUSD.IsNegative() {
		return &ValidationError{Field: "position_value_usd", Reason: "must not be negative"}
	}
	return nil
}

// StageRecord is the audit entry for one executed stage.
type StageRecord struct {
	Stage     Stage     `json:"stage"`
	Success   bool      `json:"success"`
	Kind      Kind      `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Duration  float64   `json:"duration_seconds"`
}

// Incident is a tracked record of a risk event. Values are treated as
// immutable: every change goes through a method that returns a new version.
type Incident struct {
	ID          string         `json:"id"`
	EventType   EventType      `json:"event_type"`
	PositionIDs []string       `json:"position_ids"`
	Status      Status         `json:"status"`
	Severity    Severity       `json:"severity"`
	DetectedAt  time.Time      `json:"detected_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Stages      []StageRecord  `json:"stages,omitempty"`
	Version     int            `json:"version"`
}

// Clone returns a copy that shares no slices or top-level maps with i.
func (i Incident) Clone() Incident {
	cp := i
	cp.PositionIDs = slices.Clone(i.PositionIDs)
	cp.Stages = slices.Clone(i.Stages)
	cp.Metadata = maps.Clone(i.Metadata)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}

// PrimaryPosition is the position the pipeline protects.
func (i Incident) PrimaryPosition() string {
	if len(i.PositionIDs) == 0 {
		return ""
	}
	return i.PositionIDs[0]
}

// Terminal reports whether the incident has reached a terminal status.
func (i Incident) Terminal() bool { return i.Status.Terminal() }

// Transition returns the next version of the incident in status to.
func (i Incident) Transition(to Status, reason string, at time.Time) (Incident, error) {
	if !i.Status.CanTransition(to) {
		return i, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, to)
	}
	next := i.Clone()
	next.Status = to
	next.Version++
	if reason != "" {
		next.Reason = reason
	}
	if to.Terminal() {
		t := at
		next.ResolvedAt = &t
	}
	return next, nil
}

// WithStage returns a new version with the stage result recorded in the
// audit trail and metadata.
func (i Incident) WithStage(r StageResult) Incident {
	next := i.Clone()
	rec := StageRecord{
		Stage:     r.Stage,
		Success:   r.Success,
		StartedAt: r.StartedAt,
		Duration:  r.Duration.Seconds(),
	}
	entry := map[string]any{"success": r.Success}
	if r.Data != nil {
		entry["data"] = r.Data
	}
	if r.Err != nil {
		rec.Kind = r.Err.Kind
		rec.Error = r.Err.Message
		entry["error"] = r.Err.Message
		entry["kind"] = string(r.Err.Kind)
	}
	next.Stages = append(next.Stages, rec)
	return next.WithMetadata(string(r.Stage), entry)
}

// WithMetadata returns a new version with key set in metadata.
func (i Incident) WithMetadata(key string, value any) Incident {
	next := i.Clone()
	if next.Metadata == nil {
		next.Metadata = make(map[string]any)
	}
	next.Metadata[key] = value
	return next
}

// Escalate raises the severity, never lowering it.
func (i Incident) Escalate(s Severity) Incident {
	if s.rank() <= i.Severity.rank() {
		return i
	}
	next := i.Clone()
	next.Severity = s
	return next
}
