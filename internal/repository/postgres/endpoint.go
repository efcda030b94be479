package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/safewrite/internal/domain"
)

type EndpointRepository struct {
	pool *pgxpool.Pool
}

func NewEndpointRepository(pool *pgxpool.Pool) *EndpointRepository {
	return &EndpointRepository{pool: pool}
}

func (r *EndpointRepository) Create(ctx context.Context, ep *domain.Endpoint) error {
	const query = `
		INSERT INTO endpoints (id, tenant_id, url, event_types, secret, rate_limit, created_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := q(ctx, r.pool).Exec(ctx, query,
		ep.ID,
		ep.TenantID,
		ep.URL,
		ep.EventTypes,
		ep.Secret,
		ep.RateLimit,
		ep.CreatedAt,
		ep.Active,
	)
	return err
}

func (r *EndpointRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Endpoint, error) {
	const query = `
		SELECT id, tenant_id, url, event_types, secret, rate_limit, created_at, active
		FROM endpoints
		WHERE tenant_id = $1 AND id = $2
	`
	return r.getByID(ctx, query, tenantID, id)
}

// GetByIDForUpdate reads the endpoint while holding its row lock, pinning
// the revision tag until the surrounding transaction commits. Only
// meaningful inside a transaction.
func (r *EndpointRepository) GetByIDForUpdate(ctx context.Context, tenantID, id string) (*domain.Endpoint, error) {
	const query = `
		SELECT id, tenant_id, url, event_types, secret, rate_limit, created_at, active
		FROM endpoints
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`
	return r.getByID(ctx, query, tenantID, id)
}

func (r *EndpointRepository) getByID(ctx context.Context, query, tenantID, id string) (*domain.Endpoint, error) {
	var ep domain.Endpoint
	err := q(ctx, r.pool).QueryRow(ctx, query, tenantID, id).Scan(
		&ep.ID,
		&ep.TenantID,
		&ep.URL,
		&ep.EventTypes,
		&ep.Secret,
		&ep.RateLimit,
		&ep.CreatedAt,
		&ep.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (r *EndpointRepository) GetActive(ctx context.Context, tenantID string) ([]*domain.Endpoint, error) {
	const query = `
		SELECT id, tenant_id, url, event_types, secret, rate_limit, created_at, active
		FROM endpoints
		WHERE tenant_id = $1 AND active = TRUE
		ORDER BY created_at
	`

	rows, err := q(ctx, r.pool).Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEndpoints(rows)
}

// GetByEventType returns the tenant's active endpoints subscribed to the
// event type. Matching happens in memory since patterns can be wildcards.
func (r *EndpointRepository) GetByEventType(ctx context.Context, tenantID, eventType string) ([]*domain.Endpoint, error) {
	endpoints, err := r.GetActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var matched []*domain.Endpoint
	for _, ep := range endpoints {
		if ep.MatchesEventType(eventType) {
			matched = append(matched, ep)
		}
	}
	return matched, nil
}

func (r *EndpointRepository) Delete(ctx context.Context, tenantID, id string) error {
	const query = `
		UPDATE endpoints
		SET active = FALSE
		WHERE tenant_id = $1 AND id = $2
	`

	result, err := q(ctx, r.pool).Exec(ctx, query, tenantID, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectEndpoints(rows pgx.Rows) ([]*domain.Endpoint, error) {
	var endpoints []*domain.Endpoint
	for rows.Next() {
		var ep domain.Endpoint
		err := rows.Scan(
			&ep.ID,
			&ep.TenantID,
			&ep.URL,
			&ep.EventTypes,
			&ep.Secret,
			&ep.RateLimit,
			&ep.CreatedAt,
			&ep.Active,
		)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &ep)
	}
	return endpoints, rows.Err()
}
