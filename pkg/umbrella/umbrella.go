// Package umbrella coordinates concurrent outbound voice calls across
// tenants sharing one provider account. The scarce resource is the account's
// total-outstanding-calls limit; slot accounting lives in Redis and is
// mutated only through atomic Lua scripts so every process replica sees the
// same truth.
package umbrella

import (
	"time"

	"github.com/google/uuid"
)

// Umbrella is a shared outbound-voice provider account.
type Umbrella struct {
	ID            uuid.UUID
	Name          string
	ProviderKey   string
	ProviderOrgID string
	Limit         int

	LastReportedCurrent int
	LastSyncAt          *time.Time

	Active    bool
	CreatedAt time.Time
}

// Assignment maps a tenant onto an umbrella with fairness controls.
type Assignment struct {
	TenantID   uuid.UUID
	UmbrellaID uuid.UUID

	ProviderKey   string
	ProviderOrgID string

	// Limit is the umbrella's total concurrency limit L.
	Limit int
	// TenantCap is the per-tenant soft cap C; 0 disables it.
	TenantCap int
	// PriorityWeight is advisory; ordering inside one umbrella comes from
	// the voice queue's urgency priority, not from the tenant.
	PriorityWeight int
}

// AcquireResult is the outcome of a TryAcquire.
type AcquireResult string

const (
	Acquired     AcquireResult = "acquired"
	UmbrellaFull AcquireResult = "umbrella_full"
	TenantCap    AcquireResult = "tenant_cap"
)

// Snapshot is a point-in-time read of an umbrella's counters.
type Snapshot struct {
	Current     int
	Limit       int
	LastSyncAt  time.Time
	TenantUsage map[string]int
}
