package incident

import "context"

// Filter narrows ListIncidents. Zero values match everything.
type Filter struct {
	Status Status
	Limit  int
}

// Store is the persistence interface for incidents. Incidents are never
// deleted. PutIncident only replaces a stored incident with a higher
// Version and otherwise fails with ErrStaleVersion.
type Store interface {
	GetIncident(ctx context.Context, id string) (*Incident, bool, error)
	PutIncident(ctx context.Context, inc *Incident) error
	LatestIncident(ctx context.Context) (*Incident, bool, error)
	ListIncidents(ctx context.Context, f Filter) ([]Incident, error)
}
