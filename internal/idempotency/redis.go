package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iago/genjobs-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps records as JSON values. Claims are SET NX PX, so an
// abandoned claim disappears on its own once the claim window passes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// swapScript replaces a claimed value only while it still carries the
// caller's token. Extend and Complete both go through it.
var swapScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local decoded = cjson.decode(current)
if decoded["status"] ~= "claimed" or decoded["token"] ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
local decoded = cjson.decode(current)
if decoded["status"] == "claimed" and decoded["token"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisRecord struct {
	Status         domain.IdempotencyStatus `json:"status"`
	Token          string                   `json:"token,omitempty"`
	Result         []byte                   `json:"result,omitempty"`
	ClaimExpiresAt time.Time                `json:"claim_expires_at"`
	ExpiresAt      time.Time                `json:"expires_at"`
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "genjobs:idem:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Claim(ctx context.Context, key string, claimTTL time.Duration) (domain.IdempotencyRecord, bool, error) {
	now := time.Now().UTC()
	claim := redisRecord{
		Status:         domain.IdempotencyClaimed,
		Token:          uuid.NewString(),
		ClaimExpiresAt: now.Add(claimTTL),
		ExpiresAt:      now.Add(claimTTL),
	}
	encoded, err := json.Marshal(claim)
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("encode claim: %w", err)
	}

	won, err := s.client.SetNX(ctx, s.prefix+key, encoded, claimTTL).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("setnx claim: %w", err)
	}
	if won {
		return toRecord(key, claim), true, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.IdempotencyRecord{Key: key, Status: domain.IdempotencyClaimed, ClaimExpiresAt: now}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("get record: %w", err)
	}
	var existing redisRecord
	if err := json.Unmarshal(raw, &existing); err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("decode record: %w", err)
	}
	existing.Token = ""
	return toRecord(key, existing), false, nil
}

func (s *RedisStore) Extend(ctx context.Context, key, token string, claimTTL time.Duration) error {
	expiresAt := time.Now().UTC().Add(claimTTL)
	encoded, err := json.Marshal(redisRecord{
		Status:         domain.IdempotencyClaimed,
		Token:          token,
		ClaimExpiresAt: expiresAt,
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	return s.swap(ctx, key, token, encoded, claimTTL, "extend claim")
}

func (s *RedisStore) Complete(ctx context.Context, key, token string, result []byte, ttl time.Duration) error {
	encoded, err := json.Marshal(redisRecord{
		Status:    domain.IdempotencyCompleted,
		Result:    result,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("encode completed record: %w", err)
	}
	return s.swap(ctx, key, token, encoded, ttl, "complete record")
}

func (s *RedisStore) swap(ctx context.Context, key, token string, value []byte, ttl time.Duration, action string) error {
	swapped, err := swapScript.Run(ctx, s.client, []string{s.prefix + key}, token, value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if swapped == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release record: %w", err)
	}
	return nil
}

// Purge is a no-op: Redis expires records through their TTL.
func (s *RedisStore) Purge(context.Context) (int64, error) {
	return 0, nil
}

func toRecord(key string, value redisRecord) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:            key,
		Status:         value.Status,
		Token:          value.Token,
		Result:         value.Result,
		ClaimExpiresAt: value.ClaimExpiresAt,
		ExpiresAt:      value.ExpiresAt,
	}
}
