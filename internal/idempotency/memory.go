package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/genjobs-back/internal/domain"
)

// MemoryStore keeps records in process memory. It is only durable for the
// lifetime of the process and is meant for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string, claimTTL time.Duration) (domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[key]; ok {
		expired := existing.Status == domain.IdempotencyCompleted && !now.Before(existing.ExpiresAt)
		if !expired && (existing.Status == domain.IdempotencyCompleted || existing.Live(now)) {
			holder := cloneRecord(existing)
			holder.Token = ""
			return holder, false, nil
		}
	}

	record := domain.IdempotencyRecord{
		Key:            key,
		Status:         domain.IdempotencyClaimed,
		Token:          uuid.NewString(),
		ClaimExpiresAt: now.Add(claimTTL),
		ExpiresAt:      now.Add(claimTTL),
	}
	s.records[key] = record
	return cloneRecord(record), true, nil
}

func (s *MemoryStore) Extend(_ context.Context, key, token string, claimTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.held(key, token)
	if !ok {
		return ErrClaimLost
	}
	existing.ClaimExpiresAt = s.now().Add(claimTTL)
	existing.ExpiresAt = existing.ClaimExpiresAt
	s.records[key] = existing
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, key, token string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.held(key, token)
	if !ok {
		return ErrClaimLost
	}
	now := s.now()
	s.records[key] = domain.IdempotencyRecord{
		Key:            key,
		Status:         domain.IdempotencyCompleted,
		Result:         append([]byte(nil), result...),
		ClaimExpiresAt: existing.ClaimExpiresAt,
		ExpiresAt:      now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.held(key, token); ok {
		delete(s.records, key)
	}
	return nil
}

// held returns the record when key is still claimed under token. Callers hold mu.
func (s *MemoryStore) held(key, token string) (domain.IdempotencyRecord, bool) {
	existing, ok := s.records[key]
	if !ok || existing.Status != domain.IdempotencyClaimed || existing.Token != token {
		return domain.IdempotencyRecord{}, false
	}
	return existing, true
}

func (s *MemoryStore) Purge(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var purged int64
	for key, record := range s.records {
		if record.Live(now) {
			continue
		}
		if now.Before(record.ExpiresAt) {
			continue
		}
		delete(s.records, key)
		purged++
	}
	return purged, nil
}

func cloneRecord(record domain.IdempotencyRecord) domain.IdempotencyRecord {
	clone := record
	clone.Result = append([]byte(nil), record.Result...)
	return clone
}
