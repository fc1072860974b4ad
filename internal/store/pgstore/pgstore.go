// Package pgstore provides PostgreSQL implementations of the incident,
// position and policy stores.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/policy"
	"github.com/linnemanlabs/bulwark/internal/position"
)

var tracer = otel.Tracer("github.com/linnemanlabs/bulwark/internal/store/pgstore")

//go:embed schema.sql
var schema string

// ErrStaleVersion is returned by PutIncident when the stored incident is at
// the same or a newer version.
var ErrStaleVersion = incident.ErrStaleVersion

// Store persists incidents, positions and policies in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const incidentColumns = `id, event_type, position_ids, status, severity, detected_at, resolved_at,
	reason, session_id, metadata, stages, version`

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	return inc, inc != nil, nil
}

// PutIncident upserts inc. A write whose version is not above the stored
// row's fails with ErrStaleVersion.
func (s *Store) PutIncident(ctx context.Context, inc *incident.Incident) error {
	ctx, span := startSpan(ctx, "pgstore.PutIncident", "UPSERT")
	defer span.End()
	span.SetAttributes(
		attribute.String("bulwark.incident.id", inc.ID),
		attribute.String("bulwark.incident.status", string(inc.Status)),
	)

	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal metadata: %w", err))
	}
	stages, err := json.Marshal(inc.Stages)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal stages: %w", err))
	}
	positionIDs := inc.PositionIDs
	if positionIDs == nil {
		positionIDs = []string{}
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO incidents (
		id, event_type, position_ids, status, severity, detected_at, resolved_at,
		reason, session_id, metadata, stages, version
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		event_type   = EXCLUDED.event_type,
		position_ids = EXCLUDED.position_ids,
		status       = EXCLUDED.status,
		severity     = EXCLUDED.severity,
		resolved_at  = EXCLUDED.resolved_at,
		reason       = EXCLUDED.reason,
		session_id   = EXCLUDED.session_id,
		metadata     = EXCLUDED.metadata,
		stages       = EXCLUDED.stages,
		version      = EXCLUDED.version,
		updated_at   = now()
	WHERE incidents.version < EXCLUDED.version`,
		inc.ID, string(inc.EventType), positionIDs, string(inc.Status), string(inc.Severity),
		inc.DetectedAt, inc.ResolvedAt, inc.Reason, inc.SessionID, metadata, stages, inc.Version,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert incident: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return spanErr(span, fmt.Errorf("incident %s version %d: %w", inc.ID, inc.Version, ErrStaleVersion))
	}
	return nil
}

// LatestIncident returns the most recently created incident.
func (s *Store) LatestIncident(ctx context.Context) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestIncident", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY seq DESC LIMIT 1`))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	return inc, inc != nil, nil
}

// ListIncidents returns matching incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, f incident.Filter) ([]incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	limit := any(nil)
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents
		WHERE ($1 = '' OR status = $1)
		ORDER BY seq DESC
		LIMIT $2`, string(f.Status), limit)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// scanIncident scans one row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc                         incident.Incident
		eventType, status, severity string
		metadataJSON, stagesJSON    []byte
	)
	err := row.Scan(
		&inc.ID, &eventType, &inc.PositionIDs, &status, &severity, &inc.DetectedAt, &inc.ResolvedAt,
		&inc.Reason, &inc.SessionID, &metadataJSON, &stagesJSON, &inc.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.EventType = incident.EventType(eventType)
	inc.Status = incident.Status(status)
	inc.Severity = incident.Severity(severity)

	if err := json.Unmarshal(metadataJSON, &inc.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &inc.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	return &inc, nil
}

const positionColumns = `id, user_id, chain, protocol, collateral_asset, collateral_amount::text,
	collateral_value_usd::text, debt_asset, debt_amount::text, debt_value_usd::text,
	liquidation_threshold::text, active, updated_at`

// GetPosition retrieves a position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (*position.Position, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetPosition", "SELECT")
	defer span.End()

	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	return p, p != nil, nil
}

// PutPosition upserts p.
func (s *Store) PutPosition(ctx context.Context, p *position.Position) error {
	ctx, span := startSpan(ctx, "pgstore.PutPosition", "UPSERT")
	defer span.End()

	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO positions (
		id, user_id, chain, protocol, collateral_asset, collateral_amount, collateral_value_usd,
		debt_asset, debt_amount, debt_value_usd, liquidation_threshold, active, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
		user_id               = EXCLUDED.user_id,
		chain                 = EXCLUDED.chain,
		protocol              = EXCLUDED.protocol,
		collateral_asset      = EXCLUDED.collateral_asset,
		collateral_amount     = EXCLUDED.collateral_amount,
		collateral_value_usd  = EXCLUDED.collateral_value_usd,
		debt_asset            = EXCLUDED.debt_asset,
		debt_amount           = EXCLUDED.debt_amount,
		debt_value_usd        = EXCLUDED.debt_value_usd,
		liquidation_threshold = EXCLUDED.liquidation_threshold,
		active                = EXCLUDED.active,
		updated_at            = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Chain, p.Protocol, p.CollateralAsset, p.CollateralAmount, p.CollateralValueUSD,
		p.DebtAsset, p.DebtAmount, p.DebtValueUSD, p.LiquidationThreshold, p.Active, updated,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert position: %w", err))
	}
	return nil
}

// DeletePosition removes a position. Deleting a missing position is not an
// error.
func (s *Store) DeletePosition(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "pgstore.DeletePosition", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id); err != nil {
		return spanErr(span, fmt.Errorf("delete position: %w", err))
	}
	return nil
}

// ListActivePositions returns every active position ordered by ID.
func (s *Store) ListActivePositions(ctx context.Context) ([]position.Position, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActivePositions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE active ORDER BY id`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query positions: %w", err))
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate positions: %w", err))
	}
	return out, nil
}

func scanPosition(row pgx.Row) (*position.Position, error) {
	var (
		p                                      position.Position
		collAmt, collUSD, debtAmt, debtUSD, lt string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Chain, &p.Protocol, &p.CollateralAsset, &collAmt, &collUSD,
		&p.DebtAsset, &debtAmt, &debtUSD, &lt, &p.Active, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&p.CollateralAmount, collAmt},
		{&p.CollateralValueUSD, collUSD},
		{&p.DebtAmount, debtAmt},
		{&p.DebtValueUSD, debtUSD},
		{&p.LiquidationThreshold, lt},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("position %s: parse %q: %w", p.ID, f.src, err)
		}
		*f.dst = d
	}
	return &p, nil
}

// GetPolicy retrieves a user's policy.
func (s *Store) GetPolicy(ctx context.Context, userID string) (*policy.Policy, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetPolicy", "SELECT")
	defer span.End()

	var (
		p             policy.Policy
		maxCost, maxV string
	)
	err := s.pool.QueryRow(ctx, `SELECT user_id, auto_protect, max_action_cost_usd::text,
		max_position_value_usd::text, allowed_protocols, min_health_factor
		FROM policies WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.AutoProtect, &maxCost, &maxV, &p.AllowedProtocols, &p.MinHealthFactor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan policy: %w", err))
	}
	if p.MaxActionCostUSD, err = decimal.NewFromString(maxCost); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("parse max_action_cost_usd: %w", err))
	}
	if p.MaxPositionValueUSD, err = decimal.NewFromString(maxV); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("parse max_position_value_usd: %w", err))
	}
	return &p, true, nil
}

// PutPolicy upserts p.
func (s *Store) PutPolicy(ctx context.Context, p *policy.Policy) error {
	ctx, span := startSpan(ctx, "pgstore.PutPolicy", "UPSERT")
	defer span.End()

	protocols := p.AllowedProtocols
	if protocols == nil {
		protocols = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO policies (
		user_id, auto_protect, max_action_cost_usd, max_position_value_usd, allowed_protocols, min_health_factor
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (user_id) DO UPDATE SET
		auto_protect           = EXCLUDED.auto_protect,
		max_action_cost_usd    = EXCLUDED.max_action_cost_usd,
		max_position_value_usd = EXCLUDED.max_position_value_usd,
		allowed_protocols      = EXCLUDED.allowed_protocols,
		min_health_factor      = EXCLUDED.min_health_factor`,
		p.UserID, p.AutoProtect, p.MaxActionCostUSD, p.MaxPositionValueUSD, protocols, p.MinHealthFactor,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert policy: %w", err))
	}
	return nil
}
