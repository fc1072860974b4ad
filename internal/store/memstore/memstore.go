// Package memstore provides in-memory implementations of the incident,
// position and policy stores. Suitable for dev/testing.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/policy"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Store holds incidents, positions and policies in memory. Every read
// returns a copy.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
	created   []string // incident IDs in first-put order
	positions map[string]*position.Position
	policies  map[string]*policy.Policy
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		positions: make(map[string]*position.Position),
		policies:  make(map[string]*policy.Policy),
	}
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := inc.Clone()
	return &cp, true, nil
}

// PutIncident stores a copy of inc. An incident already stored at the same
// or a higher version is left alone and ErrStaleVersion is returned.
func (s *Store) PutIncident(_ context.Context, inc *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[inc.ID]
	if !ok {
		s.created = append(s.created, inc.ID)
	} else if inc.Version <= cur.Version {
		return fmt.Errorf("incident %s version %d (stored %d): %w", inc.ID, inc.Version, cur.Version, incident.ErrStaleVersion)
	}
	cp := inc.Clone()
	s.incidents[inc.ID] = &cp
	return nil
}

// LatestIncident returns the most recently created incident.
func (s *Store) LatestIncident(_ context.Context) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.created) == 0 {
		return nil, false, nil
	}
	cp := s.incidents[s.created[len(s.created)-1]].Clone()
	return &cp, true, nil
}

// ListIncidents returns matching incidents, newest first.
func (s *Store) ListIncidents(_ context.Context, f incident.Filter) ([]incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []incident.Incident
	for i := len(s.created) - 1; i >= 0; i-- {
		inc := s.incidents[s.created[i]]
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		out = append(out, inc.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// GetPosition retrieves a position by ID.
func (s *Store) GetPosition(_ context.Context, id string) (*position.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

// PutPosition stores a copy of p.
func (s *Store) PutPosition(_ context.Context, p *position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

// DeletePosition removes a position. Deleting a missing position is not an
// error.
func (s *Store) DeletePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	return nil
}

// ListActivePositions returns every active position ordered by ID.
func (s *Store) ListActivePositions(_ context.Context) ([]position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]position.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Active {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b position.Position) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetPolicy retrieves a user's policy.
func (s *Store) GetPolicy(_ context.Context, userID string) (*policy.Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	cp.AllowedProtocols = slices.Clone(p.AllowedProtocols)
	return &cp, true, nil
}

// PutPolicy stores a copy of p.
func (s *Store) PutPolicy(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.AllowedProtocols = slices.Clone(p.AllowedProtocols)
	s.policies[p.UserID] = &cp
	return nil
}
