package umbrella

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoAssignment is returned when a tenant has no active umbrella.
var ErrNoAssignment = errors.New("tenant has no umbrella assignment")

// Resolver maps tenants to their umbrella assignment. Assignments change
// rarely, so lookups are cached in-process with a TTL and invalidated on
// reassignment.
type Resolver struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu    sync.Mutex
	cache map[uuid.UUID]cachedAssignment
}

type cachedAssignment struct {
	assignment Assignment
	expires    time.Time
}

// NewResolver creates a Resolver with a 5 minute cache TTL.
func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{
		pool:  pool,
		ttl:   5 * time.Minute,
		cache: make(map[uuid.UUID]cachedAssignment),
	}
}

// Resolve returns the tenant's umbrella assignment, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID) (Assignment, error) {
	r.mu.Lock()
	if c, ok := r.cache[tenantID]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.assignment, nil
	}
	r.mu.Unlock()

	var a Assignment
	err := r.pool.QueryRow(ctx, `
		SELECT a.tenant_id, a.umbrella_id, u.provider_key, u.provider_org_id,
			u.concurrency_limit, a.tenant_cap, a.priority_weight
		FROM tenant_umbrella_assignments a
		JOIN umbrellas u ON u.id = a.umbrella_id
		WHERE a.tenant_id = $1 AND u.active
	`, tenantID).Scan(
		&a.TenantID, &a.UmbrellaID, &a.ProviderKey, &a.ProviderOrgID,
		&a.Limit, &a.TenantCap, &a.PriorityWeight,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNoAssignment
		}
		return Assignment{}, fmt.Errorf("resolving umbrella for tenant %s: %w", tenantID, err)
	}

	r.mu.Lock()
	r.cache[tenantID] = cachedAssignment{assignment: a, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()
	return a, nil
}

// Invalidate drops a tenant's cached assignment (call on reassignment).
func (r *Resolver) Invalidate(tenantID uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// UmbrellaByProviderOrgID resolves a provider organization id to its
// umbrella. Used by the concurrency-sync webhook.
func (r *Resolver) UmbrellaByProviderOrgID(ctx context.Context, orgID string) (*Umbrella, error) {
	var u Umbrella
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, provider_key, provider_org_id, concurrency_limit,
			last_reported_current, last_sync_at, active, created_at
		FROM umbrellas WHERE provider_org_id = $1
	`, orgID).Scan(
		&u.ID, &u.Name, &u.ProviderKey, &u.ProviderOrgID, &u.Limit,
		&u.LastReportedCurrent, &u.LastSyncAt, &u.Active, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveUmbrellas lists all active umbrellas.
func (r *Resolver) ActiveUmbrellas(ctx context.Context) ([]*Umbrella, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, provider_key, provider_org_id, concurrency_limit,
			last_reported_current, last_sync_at, active, created_at
		FROM umbrellas WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("listing active umbrellas: %w", err)
	}
	defer rows.Close()

	var result []*Umbrella
	for rows.Next() {
		var u Umbrella
		if err := rows.Scan(&u.ID, &u.Name, &u.ProviderKey, &u.ProviderOrgID,
			&u.Limit, &u.LastReportedCurrent, &u.LastSyncAt, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning umbrella: %w", err)
		}
		result = append(result, &u)
	}
	return result, rows.Err()
}

// RecordSync persists the provider-reported counters on the umbrella row for
// dashboard reads. The authoritative runtime counters live in Redis.
func (r *Resolver) RecordSync(ctx context.Context, umbrellaID uuid.UUID, current, limit int, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE umbrellas
		SET last_reported_current = $2, concurrency_limit = $3, last_sync_at = $4
		WHERE id = $1
	`, umbrellaID, current, limit, at)
	if err != nil {
		return fmt.Errorf("recording umbrella sync: %w", err)
	}
	return nil
}
