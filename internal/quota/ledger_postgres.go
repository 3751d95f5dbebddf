package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger reads plans from the subscriptions table and usage from
// usage_entries. The ref primary key makes CommitUsage idempotent.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	catalog Catalog
}

func NewPostgresLedger(pool *pgxpool.Pool, catalog Catalog) *PostgresLedger {
	return &PostgresLedger{pool: pool, catalog: catalog}
}

func (l *PostgresLedger) SetPlan(ctx context.Context, ownerID, plan string) error {
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO subscriptions (owner_id, plan, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (owner_id) DO UPDATE SET plan = EXCLUDED.plan, updated_at = now()
	`, ownerID, plan); err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

func (l *PostgresLedger) GetUsage(ctx context.Context, ownerID string, kind domain.JobKind) (Usage, error) {
	var plan string
	err := l.pool.QueryRow(ctx, `SELECT plan FROM subscriptions WHERE owner_id = $1`, ownerID).Scan(&plan)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Usage{}, fmt.Errorf("get subscription: %w", err)
	}

	var used int64
	if err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_entries
		WHERE owner_id = $1 AND kind = $2 AND period = $3
	`, ownerID, string(kind), Period(time.Now())).Scan(&used); err != nil {
		return Usage{}, fmt.Errorf("sum usage: %w", err)
	}

	return Usage{Used: used, Limit: l.catalog.Plan(plan).Limit(kind)}, nil
}

func (l *PostgresLedger) CommitUsage(ctx context.Context, entry UsageEntry) error {
	if entry.Period == "" {
		entry.Period = Period(time.Now())
	}
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO usage_entries (ref, owner_id, kind, period, quantity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO NOTHING
	`, entry.Ref, entry.OwnerID, string(entry.Kind), entry.Period, entry.Quantity); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

func (l *PostgresLedger) RevertUsage(ctx context.Context, ref string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM usage_entries WHERE ref = $1`, ref); err != nil {
		return fmt.Errorf("revert usage: %w", err)
	}
	return nil
}
