// Package tenantprofile reads the tenant attributes the sequencer needs:
// timezone, business hours, brand voice. Profiles are written by the
// onboarding surface, which is out of scope here.
package tenantprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cadence/pkg/timeops"
)

// Profile is a tenant's outreach profile.
type Profile struct {
	TenantID      uuid.UUID
	Name          string
	Timezone      string
	Hours         timeops.BusinessHours
	BrandVoice    string
	CustomPhrases []string

	// ProviderOrgID is the voice provider's organization id for this
	// tenant, used to resolve inbound provider webhooks back to a tenant.
	ProviderOrgID string
}

// Store provides cached read access to tenant profiles. Lookups are cached
// in-process with a TTL; a missing row yields a default profile (UTC,
// default business hours) rather than an error.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu    sync.Mutex
	cache map[uuid.UUID]cachedProfile
}

type cachedProfile struct {
	profile *Profile
	expires time.Time
}

// NewStore creates a profile Store with a 5 minute cache TTL.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:  pool,
		ttl:   5 * time.Minute,
		cache: make(map[uuid.UUID]cachedProfile),
	}
}

// Get returns the tenant's profile, from cache when fresh.
func (s *Store) Get(ctx context.Context, tenantID uuid.UUID) (*Profile, error) {
	s.mu.Lock()
	if c, ok := s.cache[tenantID]; ok && time.Now().Before(c.expires) {
		s.mu.Unlock()
		return c.profile, nil
	}
	s.mu.Unlock()

	p, err := s.fetch(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			p = &Profile{
				TenantID: tenantID,
				Timezone: "UTC",
				Hours:    timeops.DefaultBusinessHours,
			}
		} else {
			return nil, err
		}
	}

	s.mu.Lock()
	s.cache[tenantID] = cachedProfile{profile: p, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return p, nil
}

// Invalidate drops a tenant's cached profile.
func (s *Store) Invalidate(tenantID uuid.UUID) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

func (s *Store) fetch(ctx context.Context, tenantID uuid.UUID) (*Profile, error) {
	var (
		p           Profile
		hoursJSON   []byte
		phrasesJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, name, timezone, business_hours, brand_voice,
			custom_phrases, provider_org_id
		FROM tenant_profiles WHERE tenant_id = $1
	`, tenantID).Scan(
		&p.TenantID, &p.Name, &p.Timezone, &hoursJSON, &p.BrandVoice,
		&phrasesJSON, &p.ProviderOrgID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching tenant profile %s: %w", tenantID, err)
	}
	if len(hoursJSON) > 0 {
		_ = json.Unmarshal(hoursJSON, &p.Hours)
	}
	if len(phrasesJSON) > 0 {
		_ = json.Unmarshal(phrasesJSON, &p.CustomPhrases)
	}
	return &p, nil
}

// TenantByProviderOrgID resolves a voice-provider organization id to a tenant
// id. Used by webhook intake; not cached (rare path).
func (s *Store) TenantByProviderOrgID(ctx context.Context, orgID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id FROM tenant_profiles WHERE provider_org_id = $1
	`, orgID).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
