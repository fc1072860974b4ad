// Package slack posts terminal incidents to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/incident"
)

const (
	maxAnalysisLen = 3000
	httpTimeout    = 10 * time.Second
)

// Notifier sends incidents to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts an incident to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, inc *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(inc))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "incident_id", inc.ID, "status", inc.Status)
	return nil
}

// Block Kit payload. Only the fields bulwark renders are modelled.
type message struct {
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string  `json:"type"`
	Text     *text   `json:"text,omitempty"`
	Fields   []*text `json:"fields,omitempty"`
	Elements []*text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(format string, args ...any) *text {
	return &text{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

var divider = block{Type: "divider"}

func buildMessage(inc *incident.Incident) message {
	return message{Blocks: []block{
		headerBlock(inc),
		divider,
		fieldsBlock(inc),
		divider,
		analysisBlock(inc),
		divider,
		contextBlock(inc),
	}}
}

func headerBlock(inc *incident.Incident) block {
	title := "Position Protected"
	switch inc.Status {
	case incident.StatusPolicyBlocked:
		title = "Protection Blocked"
	case incident.StatusFailed, incident.StatusError:
		title = "Protection Failed"
	}
	event := strings.ReplaceAll(string(inc.EventType), "_", " ")
	return block{
		Type: "header",
		Text: &text{Type: "plain_text", Text: severityEmoji(inc.Status, inc.Severity) + " " + title + ": " + event},
	}
}

func fieldsBlock(inc *incident.Incident) block {
	fields := []*text{
		mrkdwn("*Status:* %s", inc.Status),
		mrkdwn("*Severity:* %s", inc.Severity),
		mrkdwn("*Positions:* %s", strings.Join(inc.PositionIDs, ", ")),
		mrkdwn("*Stages:* %d", len(inc.Stages)),
	}
	if tx, ok := stageValue(inc, incident.StagePlanExecution, "tx_id"); ok {
		fields = append(fields, mrkdwn("*Tx:* `%s`", tx))
	}
	if inc.Reason != "" {
		fields = append(fields, mrkdwn("*Reason:* %s", truncate(inc.Reason, 200)))
	}
	return block{Type: "section", Fields: fields}
}

func analysisBlock(inc *incident.Incident) block {
	detail, _ := stageValue(inc, incident.StageIncidentAnalysis, "detailed")
	if detail = truncate(detail, maxAnalysisLen); detail == "" {
		detail = "_No analysis available._"
	}
	return block{Type: "section", Text: mrkdwn("*Analysis*\n\n%s", detail)}
}

func contextBlock(inc *incident.Incident) block {
	at := inc.DetectedAt
	if inc.ResolvedAt != nil {
		at = *inc.ResolvedAt
	}
	elems := []*text{
		mrkdwn("bulwark • incident %s • %s", inc.ID, at.UTC().Format("2006-01-02 15:04 UTC")),
	}
	if inc.SessionID != "" {
		elems = append(elems, mrkdwn("coordination session %s", inc.SessionID))
	}
	return block{Type: "context", Elements: elems}
}

// stageValue reads a string recorded under the stage's metadata data map.
func stageValue(inc *incident.Incident, stage incident.Stage, key string) (string, bool) {
	entry, ok := inc.Metadata[string(stage)].(map[string]any)
	if !ok {
		return "", false
	}
	data, ok := entry["data"].(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := data[key].(string)
	return v, ok && v != ""
}

func severityEmoji(status incident.Status, severity incident.Severity) string {
	if status == incident.StatusFailed || status == incident.StatusError {
		return "\U0001f534" // red circle
	}
	switch severity {
	case incident.SeverityCritical, incident.SeverityHigh:
		return "\U0001f534" // red circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
