// Package agent owns the registry of collaborator services and supervises
// their health.
package agent

import (
	"context"
	"errors"
	"time"
)

// Status is the last known state of an agent.
type Status string

const (
	StatusRunning Status = "running"
	StatusMock    Status = "mock"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Serving reports whether an agent in this status can take calls.
func (s Status) Serving() bool {
	return s == StatusRunning || s == StatusMock
}

// restartable reports whether RestartFailed should retry an agent.
func (s Status) restartable() bool {
	return s == StatusFailed || s == StatusStopped || s == StatusError
}

var (
	ErrUnavailable   = errors.New("agent unavailable")
	ErrDuplicate     = errors.New("agent already registered")
	ErrWrongType     = errors.New("agent does not implement the requested interface")
	ErrStartupFailed = errors.New("agent startup failed")
)

// Config is passed to Agent.Start.
type Config map[string]string

// Health is what an agent reports about itself.
type Health struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Agent is a named collaborator service under supervision.
type Agent interface {
	Name() string
	Start(ctx context.Context, cfg Config) (Health, error)
	Stop(ctx context.Context) error
	Health(ctx context.Context) Health
}

// HealthEntry is the supervisor's record for one agent. It is overwritten
// on every refresh.
type HealthEntry struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
	Required    bool      `json:"required"`
}

// Registration describes how to supervise one agent.
type Registration struct {
	Agent Agent

	// Fallback is served in place of Agent when it fails to start in
	// tolerant mode. Optional.
	Fallback Agent

	// Required agents abort StartAll in strict mode.
	Required bool

	Config Config
}

// Mode selects how StartAll reacts to a failing agent.
type Mode string

const (
	// ModeTolerant degrades a failing agent to its fallback and continues.
	ModeTolerant Mode = "tolerant"

	// ModeStrict aborts startup when a required agent fails.
	ModeStrict Mode = "strict"
)
