package collab

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/classifier"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

// Explainer renders incident explanations from a fixed template.
type Explainer struct {
	lifecycle
}

func NewExplainer() *Explainer {
	return &Explainer{lifecycle: lifecycle{name: NameExplainer}}
}

func (e *Explainer) Start(context.Context, agent.Config) (agent.Health, error) {
	return e.set(agent.StatusRunning, ""), nil
}

func (e *Explainer) Explain(_ context.Context, inc incident.Incident, pos *position.Position) (*incident.Explanation, error) {
	if err := e.serving(); err != nil {
		return nil, err
	}
	return &incident.Explanation{
		Short:    Headline(inc),
		Detailed: Summarize(inc, pos),
	}, nil
}

// Headline is a one-line description of inc.
func Headline(inc incident.Incident) string {
	return fmt.Sprintf("%s severity %s on position %s (%s)",
		inc.Severity,
		strings.ReplaceAll(string(inc.EventType), "_", " "),
		inc.PrimaryPosition(),
		inc.Status)
}

// Summarize describes the incident, its position and the stages run so far
// as plain text. It is also the context handed to language-model
// explainers.
func Summarize(inc incident.Incident, pos *position.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s: %s, severity %s, status %s.\n", inc.ID, inc.EventType, inc.Severity, inc.Status)
	fmt.Fprintf(&b, "Detected at %s.\n", inc.DetectedAt.UTC().Format("2006-01-02 15:04:05 MST"))

	if pos != nil {
		hf := pos.HealthFactor()
		hfText := "n/a"
		if !math.IsInf(hf, 1) {
			hfText = fmt.Sprintf("%.3f", hf)
		}
		fmt.Fprintf(&b, "Position %s on %s/%s: collateral %s %s ($%s), debt %s ($%s), health factor %s.\n",
			pos.ID, pos.Protocol, pos.Chain,
			pos.CollateralAmount.String(), pos.CollateralAsset, pos.CollateralValueUSD.StringFixed(2),
			pos.DebtAsset, pos.DebtValueUSD.StringFixed(2), hfText)
	}

	for _, key := range []string{"classification", "sandwich"} {
		if a, ok := inc.Metadata[key].(classifier.Assessment); ok && a.AttackDetected {
			fmt.Fprintf(&b, "Attack %s: %s confidence %.2f, indicators %s.\n",
				key, a.Level, a.Confidence, strings.Join(a.Indicators, ", "))
		}
	}

	for _, st := range inc.Stages {
		if st.Success {
			fmt.Fprintf(&b, "- %s succeeded in %.3fs\n", st.Stage, st.Duration)
			continue
		}
		fmt.Fprintf(&b, "- %s failed (%s): %s\n", st.Stage, st.Kind, st.Error)
	}
	if inc.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", inc.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
