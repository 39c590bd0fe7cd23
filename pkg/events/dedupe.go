package events

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/cadence/pkg/execlog"
)

// PGDeduper implements Deduper on the execution log: a unique index on
// (provider_id, action) makes the first insert win and every replay a no-op.
type PGDeduper struct {
	pool *pgxpool.Pool
}

// NewPGDeduper creates a PGDeduper.
func NewPGDeduper(pool *pgxpool.Pool) *PGDeduper {
	return &PGDeduper{pool: pool}
}

// MarkProcessed implements Deduper.
func (d *PGDeduper) MarkProcessed(ctx context.Context, providerID, eventType string) (bool, error) {
	return execlog.InsertProviderAction(ctx, d.pool, execlog.Entry{
		Action:     "event:" + eventType,
		Status:     "processed",
		ProviderID: providerID,
	})
}
