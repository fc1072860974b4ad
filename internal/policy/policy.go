// Package policy holds the user-defined limits the policy guard enforces
// before any protective action is taken.
package policy

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
)

// Policy is a user's guard configuration. Zero limits mean "no limit".
type Policy struct {
	UserID              string          `json:"user_id"`
	AutoProtect         bool            `json:"auto_protect"`
	MaxActionCostUSD    decimal.Decimal `json:"max_action_cost_usd"`
	MaxPositionValueUSD decimal.Decimal `json:"max_position_value_usd"`
	AllowedProtocols    []string        `json:"allowed_protocols,omitempty"`
	MinHealthFactor     float64         `json:"min_health_factor,omitempty"`
}

// Default is applied to users without a stored policy.
func Default(userID string) *Policy {
	return &Policy{UserID: userID, AutoProtect: true}
}

// AllowsProtocol reports whether protocol is permitted. An empty allow list
// permits everything.
func (p *Policy) AllowsProtocol(protocol string) bool {
	if len(p.AllowedProtocols) == 0 {
		return true
	}
	return slices.Contains(p.AllowedProtocols, protocol)
}

// Store is the persistence interface for policies.
type Store interface {
	GetPolicy(ctx context.Context, userID string) (*Policy, bool, error)
	PutPolicy(ctx context.Context, p *Policy) error
}
