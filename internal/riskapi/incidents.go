package riskapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/bulwark/internal/incident"
)

const maxListLimit = 500

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev incident.RiskEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("bulwark.event.type", string(ev.EventType)),
		attribute.String("bulwark.position.id", ev.PositionID),
	)

	out, err := a.incidents.ProcessRiskEvent(r.Context(), ev)
	if err != nil {
		a.fail(w, r, err, "failed to process risk event")
		return
	}

	span.SetAttributes(
		attribute.String("bulwark.incident.id", out.Incident.ID),
		attribute.String("bulwark.incident.status", string(out.Incident.Status)),
	)
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("bulwark.incident.id", id))

	inc, ok, err := a.incidents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("bulwark.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

// handleLatestIncident answers with the tracked incident, or a JSON null
// when nothing has been tracked yet.
func (a *API) handleLatestIncident(w http.ResponseWriter, r *http.Request) {
	inc, ok, err := a.incidents.Latest(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get latest incident")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	incs, err := a.incidents.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if incs == nil {
		incs = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incs})
}

func parseFilter(r *http.Request) (incident.Filter, error) {
	q := r.URL.Query()
	f := incident.Filter{Limit: 50}

	if s := q.Get("status"); s != "" {
		f.Status = incident.Status(s)
		if !f.Status.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > maxListLimit {
			return f, fmt.Errorf("limit must be 1..%d", maxListLimit)
		}
		f.Limit = n
	}
	return f, nil
}
