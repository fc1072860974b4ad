// Package riskapi is the HTTP surface of bulwark: risk event ingestion,
// incident queries, swarm status and coordination.
package riskapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/bulwark/internal/authmw"
	"github.com/linnemanlabs/bulwark/internal/classifier"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/netting"
	"github.com/linnemanlabs/bulwark/internal/swarm"
)

// IncidentService defines the incident operations the API needs.
type IncidentService interface {
	ProcessRiskEvent(ctx context.Context, ev incident.RiskEvent) (*incident.Outcome, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, f incident.Filter) ([]incident.Incident, error)
	Latest(ctx context.Context) (*incident.Incident, bool, error)
}

// Coordinator defines the swarm operations the API needs.
type Coordinator interface {
	Status() swarm.Status
	RestartAgents(ctx context.Context) []string
	Coordinate(ctx context.Context, incidentIDs []string) (*netting.Session, error)
	Session(id string) (netting.Session, bool)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	incidents  IncidentService
	swarm      Coordinator
	thresholds classifier.Thresholds
	tokens     []string
}

// New creates a new API handler. When tokens is empty the routes are
// served without authentication.
func New(logger log.Logger, incidents IncidentService, coord Coordinator, tokens ...string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if incidents == nil {
		panic(xerrors.New("incident service is required"))
	}
	if coord == nil {
		panic(xerrors.New("coordinator is required"))
	}
	return &API{
		logger:     logger,
		incidents:  incidents,
		swarm:      coord,
		thresholds: classifier.DefaultThresholds(),
		tokens:     tokens,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if len(a.tokens) > 0 {
			r.Use(authmw.BearerToken(a.tokens...))
		}

		r.Post("/risk-events", a.handleIngest)

		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/latest", a.handleLatestIncident)
		r.Get("/incidents/{id}", a.handleGetIncident)

		r.Get("/status", a.handleStatus)
		r.Post("/agents/restart", a.handleRestartAgents)

		r.Post("/coordination", a.handleCoordinate)
		r.Get("/coordination/{id}", a.handleGetSession)

		r.Post("/classify", a.handleClassify)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err onto a status code. Internal errors are logged and never
// echoed to the client.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, incident.ErrValidation), errors.Is(err, swarm.ErrNoIncidents):
		return http.StatusBadRequest
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrTerminal), errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrInProgress), errors.Is(err, incident.ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, incident.ErrAgentUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
