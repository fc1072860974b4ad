package incident

import (
	"errors"
	"fmt"
)

// Kind tags a failure with its place in the error taxonomy.
type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindPolicyViolation  Kind = "policy_violation"
	KindAgentUnavailable Kind = "agent_unavailable"
	KindStageFailure     Kind = "pipeline_stage_failure"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

var (
	ErrValidation        = errors.New("invalid risk event")
	ErrPolicyViolation   = errors.New("blocked by policy")
	ErrAgentUnavailable  = errors.New("collaborator unavailable")
	ErrStageFailure      = errors.New("pipeline stage failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid incident status transition")
	ErrTerminal          = errors.New("incident is in a terminal state")
	ErrInProgress        = errors.New("incident is already being handled")
	ErrStaleVersion      = errors.New("stale incident version")
)

// ValidationError describes a missing or malformed risk event field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid risk event: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StageError is the non-throwing failure carried by a StageResult.
type StageError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *StageError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap maps the kind back onto its sentinel so callers can use errors.Is.
func (e *StageError) Unwrap() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindPolicyViolation:
		return ErrPolicyViolation
	case KindAgentUnavailable:
		return ErrAgentUnavailable
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrStageFailure
	}
}

// stageErrorFrom classifies a collaborator error.
func stageErrorFrom(err error) *StageError {
	kind := KindStageFailure
	switch {
	case errors.Is(err, ErrAgentUnavailable):
		kind = KindAgentUnavailable
	case errors.Is(err, ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, ErrPolicyViolation):
		kind = KindPolicyViolation
	}
	return &StageError{Kind: kind, Message: err.Error()}
}
