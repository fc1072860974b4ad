package collab

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Band maps health factors strictly below Below to a risk estimate.
type Band struct {
	Below        float64
	Level        incident.Severity
	Confidence   float64
	TimeToBreach time.Duration
}

// DefaultBands are ordered by ascending Below. Positions above the last
// band are low risk with no expected breach.
func DefaultBands() []Band {
	return []Band{
		{Below: 1.0, Level: incident.SeverityCritical, Confidence: 0.99},
		{Below: 1.1, Level: incident.SeverityCritical, Confidence: 0.9, TimeToBreach: time.Hour},
		{Below: 1.25, Level: incident.SeverityHigh, Confidence: 0.8, TimeToBreach: 6 * time.Hour},
		{Below: 1.5, Level: incident.SeverityMedium, Confidence: 0.7, TimeToBreach: 24 * time.Hour},
	}
}

// Predictor estimates liquidation risk from the position's health factor.
type Predictor struct {
	lifecycle
	bands []Band
}

// NewPredictor creates a predictor. Nil bands use DefaultBands.
func NewPredictor(bands []Band) *Predictor {
	if bands == nil {
		bands = DefaultBands()
	}
	return &Predictor{lifecycle: lifecycle{name: NamePredictor}, bands: bands}
}

func (p *Predictor) Start(context.Context, agent.Config) (agent.Health, error) {
	return p.set(agent.StatusRunning, ""), nil
}

// Predict returns the first band the position's health factor falls under.
func (p *Predictor) Predict(_ context.Context, pos *position.Position) (*incident.Prediction, error) {
	if err := p.serving(); err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errNoPosition
	}
	hf := pos.HealthFactor()
	if math.IsNaN(hf) {
		return nil, fmt.Errorf("position %s: health factor undefined", pos.ID)
	}
	for _, b := range p.bands {
		if hf < b.Below {
			return &incident.Prediction{RiskLevel: b.Level, Confidence: b.Confidence, TimeToBreach: b.TimeToBreach}, nil
		}
	}
	return &incident.Prediction{RiskLevel: incident.SeverityLow, Confidence: 0.6}, nil
}
