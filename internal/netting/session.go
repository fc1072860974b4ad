package netting

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a coordination session.
type SessionStatus string

const (
	SessionPlanned   SessionStatus = "planned"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionError     SessionStatus = "error"
)

// Session groups incidents processed together under one strategy.
type Session struct {
	ID          string           `json:"id"`
	IncidentIDs []string         `json:"incident_ids"`
	Strategy    Strategy         `json:"strategy"`
	Status      SessionStatus    `json:"status"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// NewSession plans a session for incidentIDs.
func NewSession(incidentIDs []string, s Strategy, at time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		IncidentIDs: slices.Clone(incidentIDs),
		Strategy:    s,
		Status:      SessionPlanned,
		CreatedAt:   at,
	}
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool { return s.Status != SessionPlanned }

// Finish records an execution result, moving the session to completed or
// failed.
func (s *Session) Finish(res ExecutionResult, at time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("session %s already %s", s.ID, s.Status)
	}
	s.Result = &res
	s.Status = SessionCompleted
	if !res.Success {
		s.Status = SessionFailed
		s.Error = res.Error
	}
	s.CompletedAt = &at
	return nil
}

// Abort moves the session to error after an unexpected failure.
func (s *Session) Abort(err error, at time.Time) {
	if s.Terminal() {
		return
	}
	s.Status = SessionError
	s.Error = err.Error()
	s.CompletedAt = &at
}
