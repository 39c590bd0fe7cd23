package umbrella

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cadence/pkg/timeops"
)

func currentKey(u uuid.UUID) string { return "cadence:umbrella:" + u.String() + ":current" }
func limitKey(u uuid.UUID) string   { return "cadence:umbrella:" + u.String() + ":limit" }
func syncKey(u uuid.UUID) string    { return "cadence:umbrella:" + u.String() + ":last_sync" }
func tenantsKey(u uuid.UUID) string { return "cadence:umbrella:" + u.String() + ":tenants" }

// tryAcquireScript checks the umbrella total and the per-tenant cap, then
// increments both counters. Runs as one transaction.
var tryAcquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
	return 'umbrella_full'
end
local cap = tonumber(ARGV[2])
if cap > 0 then
	local usage = tonumber(redis.call('HGET', KEYS[2], ARGV[3]) or '0')
	if usage >= cap then
		return 'tenant_cap'
	end
end
redis.call('INCR', KEYS[1])
redis.call('HINCRBY', KEYS[2], ARGV[3], 1)
return 'acquired'
`)

// releaseScript decrements both counters, never below zero. A double release
// is absorbed: the decrement is skipped when the counter is already zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
	redis.call('DECR', KEYS[1])
end
local usage = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if usage > 1 then
	redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
elseif usage == 1 then
	redis.call('HDEL', KEYS[2], ARGV[1])
end
return current
`)

// syncScript clamps the umbrella total to the provider-reported value. The
// per-tenant map is left alone; the cap is a soft fairness control and drift
// is reconciled by releases.
var syncScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3])
return 'OK'
`)

// Manager performs the atomic slot operations for all umbrellas.
type Manager struct {
	rdb    *redis.Client
	logger *slog.Logger
	clock  timeops.Clock
}

// NewManager creates a Manager.
func NewManager(rdb *redis.Client, logger *slog.Logger, clock timeops.Clock) *Manager {
	return &Manager{rdb: rdb, logger: logger, clock: clock}
}

// TryAcquire attempts to take one slot for the tenant under the umbrella's
// limit and the tenant's cap.
func (m *Manager) TryAcquire(ctx context.Context, umbrellaID, tenantID uuid.UUID, limit, cap int) (AcquireResult, error) {
	res, err := tryAcquireScript.Run(ctx, m.rdb,
		[]string{currentKey(umbrellaID), tenantsKey(umbrellaID)},
		limit, cap, tenantID.String(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("umbrella acquire: %w", err)
	}
	return AcquireResult(res), nil
}

// Release returns one slot. Safe to call more than once per acquisition.
func (m *Manager) Release(ctx context.Context, umbrellaID, tenantID uuid.UUID) error {
	if err := releaseScript.Run(ctx, m.rdb,
		[]string{currentKey(umbrellaID), tenantsKey(umbrellaID)},
		tenantID.String(),
	).Err(); err != nil {
		return fmt.Errorf("umbrella release: %w", err)
	}
	return nil
}

// SyncFromWebhook overwrites the umbrella's total and limit with the
// provider-reported values. This is the truth-reconciliation path; stale
// counters (missed end-of-call webhooks) are clamped here.
func (m *Manager) SyncFromWebhook(ctx context.Context, umbrellaID uuid.UUID, reportedCurrent, reportedLimit int) error {
	if err := syncScript.Run(ctx, m.rdb,
		[]string{currentKey(umbrellaID), limitKey(umbrellaID), syncKey(umbrellaID)},
		reportedCurrent, reportedLimit, m.clock.Now().UnixMilli(),
	).Err(); err != nil {
		return fmt.Errorf("umbrella sync: %w", err)
	}
	m.logger.Info("umbrella concurrency synced",
		"umbrella_id", umbrellaID,
		"current", reportedCurrent,
		"limit", reportedLimit,
	)
	return nil
}

// CleanupTenant removes a tenant's usage entry (on reassignment).
func (m *Manager) CleanupTenant(ctx context.Context, umbrellaID, tenantID uuid.UUID) error {
	if err := m.rdb.HDel(ctx, tenantsKey(umbrellaID), tenantID.String()).Err(); err != nil {
		return fmt.Errorf("umbrella tenant cleanup: %w", err)
	}
	return nil
}

// Snapshot reads the umbrella's counters. Not transactional with respect to
// in-flight operations; callers use it for reconciliation and tests.
func (m *Manager) Snapshot(ctx context.Context, umbrellaID uuid.UUID) (Snapshot, error) {
	pipe := m.rdb.Pipeline()
	current := pipe.Get(ctx, currentKey(umbrellaID))
	limit := pipe.Get(ctx, limitKey(umbrellaID))
	lastSync := pipe.Get(ctx, syncKey(umbrellaID))
	tenants := pipe.HGetAll(ctx, tenantsKey(umbrellaID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Snapshot{}, fmt.Errorf("umbrella snapshot: %w", err)
	}

	snap := Snapshot{TenantUsage: make(map[string]int)}
	if v, err := current.Int(); err == nil {
		snap.Current = v
	}
	if v, err := limit.Int(); err == nil {
		snap.Limit = v
	}
	if ms, err := strconv.ParseInt(lastSync.Val(), 10, 64); err == nil {
		snap.LastSyncAt = time.UnixMilli(ms).UTC()
	}
	for tenant, count := range tenants.Val() {
		if n, err := strconv.Atoi(count); err == nil {
			snap.TenantUsage[tenant] = n
		}
	}
	return snap, nil
}

// StaleSince reports whether the umbrella's last provider sync is older than
// the reconciliation horizon.
func (m *Manager) StaleSince(ctx context.Context, umbrellaID uuid.UUID, horizon time.Duration) (bool, error) {
	val, err := m.rdb.Get(ctx, syncKey(umbrellaID)).Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("umbrella sync age: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return true, nil
	}
	return m.clock.Now().Sub(time.UnixMilli(ms)) > horizon, nil
}
