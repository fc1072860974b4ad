package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Hooks receives supervisor telemetry. Nil funcs are skipped.
type Hooks struct {
	OnStatus  func(name string, status Status)
	OnRestart func(name string, ok bool)
}

type slot struct {
	reg    Registration
	active Agent
	entry  HealthEntry
}

// Supervisor holds the name-keyed agent registry and drives the agents'
// lifecycle. Safe for concurrent use.
type Supervisor struct {
	mode   Mode
	logger log.Logger
	hooks  Hooks
	now    func() time.Time

	// cycle serializes StartAll, Refresh, RestartFailed and StopAll so an
	// agent is never started twice concurrently.
	cycle sync.Mutex

	mu    sync.RWMutex
	order []string
	slots map[string]*slot
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(mode Mode, logger log.Logger, hooks Hooks) *Supervisor {
	if logger == nil {
		logger = log.Nop()
	}
	if mode == "" {
		mode = ModeTolerant
	}
	return &Supervisor{
		mode:   mode,
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		slots:  make(map[string]*slot),
	}
}

// Mode returns the startup mode.
func (s *Supervisor) Mode() Mode { return s.mode }

// Register adds an agent, keyed by its Name. Registered agents start in
// status stopped.
func (s *Supervisor) Register(r Registration) error {
	if r.Agent == nil {
		return errors.New("register agent: nil agent")
	}
	name := r.Agent.Name()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicate)
	}
	s.slots[name] = &slot{
		reg:   r,
		entry: HealthEntry{Name: name, Status: StatusStopped, Required: r.Required},
	}
	s.order = append(s.order, name)
	return nil
}

// StartAll starts every registered agent in registration order. In strict
// mode the first required failure stops the agents already started and is
// returned; otherwise failures degrade to the fallback.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	var started []string
	for _, name := range s.names() {
		sl := s.slot(name)
		h, err := safeStart(ctx, sl.reg.Agent, sl.reg.Config)
		if err == nil {
			s.apply(name, sl.reg.Agent, HealthEntry{Status: h.Status})
			started = append(started, name)
			s.logger.Info(ctx, "agent started", "agent", name, "status", h.Status)
			continue
		}

		if s.mode == ModeStrict && sl.reg.Required {
			s.apply(name, nil, HealthEntry{Status: StatusFailed, Error: err.Error()})
			s.logger.Error(ctx, err, "required agent failed to start, aborting", "agent", name)
			s.stop(ctx, started)
			return fmt.Errorf("%w: %s: %w", ErrStartupFailed, name, err)
		}

		s.degrade(ctx, name, sl, err)
	}
	return nil
}

// degrade replaces a failed agent with its fallback when one is
// registered.
func (s *Supervisor) degrade(ctx context.Context, name string, sl slot, cause error) {
	fb := sl.reg.Fallback
	if fb == nil {
		s.apply(name, nil, HealthEntry{Status: StatusFailed, Error: cause.Error()})
		s.logger.Warn(ctx, "agent failed to start, no fallback", "agent", name, "err", cause)
		return
	}
	if _, err := safeStart(ctx, fb, sl.reg.Config); err != nil {
		s.apply(name, nil, HealthEntry{Status: StatusFailed, Error: errors.Join(cause, err).Error()})
		s.logger.Warn(ctx, "agent and fallback failed to start", "agent", name, "err", err)
		return
	}
	s.apply(name, fb, HealthEntry{Status: StatusMock, Error: cause.Error()})
	s.logger.Warn(ctx, "agent degraded to mock", "agent", name, "err", cause)
}

// Refresh polls every serving agent and overwrites its health entry.
func (s *Supervisor) Refresh(ctx context.Context) []HealthEntry {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	for _, name := range s.names() {
		sl := s.slot(name)
		if sl.active == nil {
			s.touch(name)
			continue
		}
		h := safeHealth(ctx, sl.active)
		st := h.Status
		if sl.active != sl.reg.Agent && st == StatusRunning {
			st = StatusMock
		}
		errText := h.Detail
		if st.Serving() && sl.entry.Status == StatusMock {
			errText = sl.entry.Error
		}
		s.apply(name, sl.active, HealthEntry{Status: st, Error: errText})
	}
	return s.Entries()
}

// RestartFailed re-invokes Start on every agent whose last status is
// failed, stopped or error and returns the names that came back. Serving
// agents are never touched, so repeated calls are no-ops once healthy.
func (s *Supervisor) RestartFailed(ctx context.Context) []string {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	var restarted []string
	for _, name := range s.names() {
		sl := s.slot(name)
		if !sl.entry.Status.restartable() {
			continue
		}

		h, err := safeStart(ctx, sl.reg.Agent, sl.reg.Config)
		if err != nil {
			s.apply(name, nil, HealthEntry{Status: statusFor(err), Error: err.Error()})
			s.logger.Warn(ctx, "agent restart failed", "agent", name, "err", err)
			if s.hooks.OnRestart != nil {
				s.hooks.OnRestart(name, false)
			}
			continue
		}

		s.apply(name, sl.reg.Agent, HealthEntry{Status: h.Status})
		restarted = append(restarted, name)
		s.logger.Info(ctx, "agent restarted", "agent", name)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(name, true)
		}
	}
	return restarted
}

// Run refreshes health and restarts failed agents every interval until ctx
// is done.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Refresh(ctx)
			if names := s.RestartFailed(ctx); len(names) > 0 {
				s.logger.Info(ctx, "supervisor restarted agents", "agents", names)
			}
		}
	}
}

// StopAll stops every agent in reverse registration order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	names := s.names()
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return s.stop(ctx, names)
}

func (s *Supervisor) stop(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		sl := s.slot(name)
		if sl.active != nil {
			if err := sl.active.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			}
		}
		s.apply(name, nil, HealthEntry{Status: StatusStopped})
	}
	return errors.Join(errs...)
}

// Get returns the agent currently serving name: the agent itself or its
// fallback.
func (s *Supervisor) Get(name string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[name]
	if !ok || sl.active == nil || !sl.entry.Status.Serving() {
		return nil, false
	}
	return sl.active, true
}

// Resolve returns the agent serving name as a T.
func Resolve[T any](s *Supervisor, name string) (T, error) {
	var zero T
	a, ok := s.Get(name)
	if !ok {
		return zero, fmt.Errorf("%s: %w", name, ErrUnavailable)
	}
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%s: %w", name, ErrWrongType)
	}
	return t, nil
}

// Entries returns a snapshot of every health entry in registration order.
func (s *Supervisor) Entries() []HealthEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HealthEntry, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.slots[name].entry)
	}
	return out
}

// Summary counts registered and serving agents.
func (s *Supervisor) Summary() (total, healthy int) {
	for _, e := range s.Entries() {
		total++
		if e.Status.Serving() {
			healthy++
		}
	}
	return total, healthy
}

func (s *Supervisor) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Supervisor) slot(name string) slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.slots[name]
}

// apply overwrites the entry for name and records the serving agent.
func (s *Supervisor) apply(name string, active Agent, e HealthEntry) {
	s.mu.Lock()
	sl := s.slots[name]
	e.Name = name
	e.Required = sl.reg.Required
	e.LastChecked = s.now()
	sl.active = active
	sl.entry = e
	s.mu.Unlock()

	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(name, e.Status)
	}
}

func (s *Supervisor) touch(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name].entry.LastChecked = s.now()
}

type panicError struct{ v any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.v) }

func statusFor(err error) Status {
	var pe *panicError
	if errors.As(err, &pe) {
		return StatusError
	}
	return StatusFailed
}

// safeStart calls a.Start, converting a panic or a non-serving reported
// status into an error.
func safeStart(ctx context.Context, a Agent, cfg Config) (h Health, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = Health{Status: StatusError}, &panicError{v: r}
		}
	}()
	h, err = a.Start(ctx, cfg)
	if err != nil {
		return h, err
	}
	if h.Status == "" {
		h.Status = StatusRunning
	}
	if !h.Status.Serving() {
		return h, fmt.Errorf("reported status %s: %s", h.Status, h.Detail)
	}
	return h, nil
}

func safeHealth(ctx context.Context, a Agent) (h Health) {
	defer func() {
		if r := recover(); r != nil {
			h = Health{Status: StatusError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	h = a.Health(ctx)
	if h.Status == "" {
		h.Status = StatusRunning
	}
	return h
}
