package riskapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/bulwark/internal/classifier"
)

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.swarm.Status())
}

func (a *API) handleRestartAgents(w http.ResponseWriter, r *http.Request) {
	restarted := a.swarm.RestartAgents(r.Context())
	if restarted == nil {
		restarted = []string{}
	}
	a.logger.Info(r.Context(), "agent restart requested", "restarted", len(restarted))
	writeJSON(w, http.StatusOK, map[string]any{"restarted": restarted})
}

type coordinateRequest struct {
	IncidentIDs []string `json:"incident_ids"`
}

func (a *API) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	var req coordinateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	sess, err := a.swarm.Coordinate(r.Context(), req.IncidentIDs)
	if err != nil {
		a.fail(w, r, err, "coordination failed")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("bulwark.session.id", sess.ID),
		attribute.String("bulwark.strategy", string(sess.Strategy.Type)),
	)
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.swarm.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type classifyRequest struct {
	Transaction *classifier.Transaction `json:"transaction,omitempty"`
	Trades      []classifier.Trade      `json:"trades,omitempty"`
}

type classifyResponse struct {
	Transaction *classifier.Assessment `json:"transaction,omitempty"`
	Sandwich    *classifier.Assessment `json:"sandwich,omitempty"`
}

// handleClassify scores a transaction and/or a trade window without opening
// an incident.
func (a *API) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Transaction == nil && len(req.Trades) == 0 {
		writeError(w, http.StatusBadRequest, "transaction or trades required")
		return
	}

	var resp classifyResponse
	if req.Transaction != nil {
		as := classifier.ClassifyTransaction(*req.Transaction, a.thresholds)
		resp.Transaction = &as
	}
	if len(req.Trades) > 0 {
		as := classifier.DetectSandwich(req.Trades, a.thresholds)
		resp.Sandwich = &as
	}
	writeJSON(w, http.StatusOK, resp)
}
