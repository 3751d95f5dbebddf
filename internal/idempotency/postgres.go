package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/genjobs-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in the idempotency_records table. The claim
// is an INSERT .. ON CONFLICT that only overwrites a row whose claim window
// or retention window has passed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Claim(ctx context.Context, key string, claimTTL time.Duration) (domain.IdempotencyRecord, bool, error) {
	now := time.Now().UTC()
	claimExpiresAt := now.Add(claimTTL)
	token := uuid.NewString()

	var claimedKey string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records (key, status, result, claim_token, claim_expires_at, expires_at)
		VALUES ($1, 'claimed', NULL, $4, $2, $2)
		ON CONFLICT (key) DO UPDATE
		SET status = 'claimed',
			result = NULL,
			claim_token = EXCLUDED.claim_token,
			claim_expires_at = EXCLUDED.claim_expires_at,
			expires_at = EXCLUDED.expires_at
		WHERE (idempotency_records.status = 'claimed' AND idempotency_records.claim_expires_at <= $3)
		   OR (idempotency_records.status = 'completed' AND idempotency_records.expires_at <= $3)
		RETURNING key
	`, key, claimExpiresAt, now, token).Scan(&claimedKey)
	if err == nil {
		return domain.IdempotencyRecord{
			Key:            key,
			Status:         domain.IdempotencyClaimed,
			Token:          token,
			ClaimExpiresAt: claimExpiresAt,
			ExpiresAt:      claimExpiresAt,
		}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("claim record: %w", err)
	}

	var (
		record domain.IdempotencyRecord
		status string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT key, status, result, claim_expires_at, expires_at
		FROM idempotency_records
		WHERE key = $1
	`, key).Scan(&record.Key, &status, &record.Result, &record.ClaimExpiresAt, &record.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the insert and the read; report an expired claim so
		// the caller retries.
		return domain.IdempotencyRecord{Key: key, Status: domain.IdempotencyClaimed, ClaimExpiresAt: now}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("load record: %w", err)
	}
	record.Status = domain.IdempotencyStatus(status)
	return record, false, nil
}

func (s *PostgresStore) Extend(ctx context.Context, key, token string, claimTTL time.Duration) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET claim_expires_at = $3,
			expires_at = $3
		WHERE key = $1 AND status = 'claimed' AND claim_token = $2
	`, key, token, time.Now().UTC().Add(claimTTL))
	if err != nil {
		return fmt.Errorf("extend claim: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = 'completed',
			result = $2,
			claim_token = '',
			expires_at = $3
		WHERE key = $1 AND status = 'claimed' AND claim_token = $4
	`, key, result, time.Now().UTC().Add(ttl), token)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key, token string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE key = $1 AND status = 'claimed' AND claim_token = $2
	`, key, token); err != nil {
		return fmt.Errorf("release record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	command, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE expires_at <= $1
		  AND NOT (status = 'claimed' AND claim_expires_at > $1)
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return command.RowsAffected(), nil
}
