// Package claude implements the incident explainer on top of the Anthropic
// Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/bulwark/internal/agent"
	"github.com/linnemanlabs/bulwark/internal/collab"
	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/position"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
	requestTimeout   = 60 * time.Second
)

const systemPrompt = `You explain DeFi lending incidents to the position owner.
Reply with a single-sentence summary on the first line, then a blank line,
then at most three short paragraphs covering what happened, what the
protection did and what the owner should watch next. No markdown headings.`

// messenger is the subset of the SDK message service the explainer uses.
type messenger interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Explainer is an incident explainer agent backed by Claude.
type Explainer struct {
	name string

	mu       sync.Mutex
	model    string
	apiKey   string
	messages messenger
	status   agent.Status
	detail   string
}

// New creates an explainer. The API key may also be supplied through the
// "api_key" config entry at Start.
func New(apiKey, model string) *Explainer {
	if model == "" {
		model = defaultModel
	}
	return &Explainer{name: collab.NameExplainer, apiKey: apiKey, model: model}
}

func (e *Explainer) Name() string { return e.name }

// Start builds the API client. It fails without an API key so the
// supervisor can fall back to the template explainer.
func (e *Explainer) Start(_ context.Context, cfg agent.Config) (agent.Health, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if k := cfg["api_key"]; k != "" {
		e.apiKey = k
	}
	if m := cfg["model"]; m != "" {
		e.model = m
	}
	if e.apiKey == "" {
		e.status, e.detail = agent.StatusFailed, "no api key"
		return agent.Health{Status: e.status, Detail: e.detail}, errors.New("claude: api key not configured")
	}
	if e.messages == nil {
		client := anthropic.NewClient(option.WithAPIKey(e.apiKey), option.WithRequestTimeout(requestTimeout))
		e.messages = &client.Messages
	}
	e.status, e.detail = agent.StatusRunning, ""
	return agent.Health{Status: e.status}, nil
}

func (e *Explainer) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status, e.detail = agent.StatusStopped, ""
	return nil
}

func (e *Explainer) Health(context.Context) agent.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == "" {
		return agent.Health{Status: agent.StatusStopped}
	}
	return agent.Health{Status: e.status, Detail: e.detail}
}

// Explain asks Claude to describe inc.
func (e *Explainer) Explain(ctx context.Context, inc incident.Incident, pos *position.Position) (*incident.Explanation, error) {
	e.mu.Lock()
	messages, model, status := e.messages, e.model, e.status
	e.mu.Unlock()

	if !status.Serving() || messages == nil {
		return nil, fmt.Errorf("claude explainer not started: %w", incident.ErrAgentUnavailable)
	}

	msg, err := messages.New(ctx, buildParams(model, inc, pos))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	ex, err := fromMessage(msg)
	if err != nil {
		return nil, err
	}
	if ex.Short == "" {
		ex.Short = collab.Headline(inc)
	}
	return ex, nil
}

func buildParams(model string, inc incident.Incident, pos *position.Position) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(collab.Summarize(inc, pos))),
		},
	}
}

// fromMessage splits the reply into the first line and the remainder.
func fromMessage(msg *anthropic.Message) (*incident.Explanation, error) {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return nil, fmt.Errorf("claude returned no text (stop reason %s)", msg.StopReason)
	}

	short, detailed, _ := strings.Cut(text, "\n")
	detailed = strings.TrimSpace(detailed)
	if detailed == "" {
		detailed = short
	}
	return &incident.Explanation{Short: strings.TrimSpace(short), Detailed: detailed}, nil
}
