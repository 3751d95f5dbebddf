package domain

import "time"

type IdempotencyStatus string

const (
	IdempotencyClaimed   IdempotencyStatus = "claimed"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is the dedupe ledger entry for one guarded operation.
type IdempotencyRecord struct {
	Key            string
	Status         IdempotencyStatus
	// Token identifies the claim holder. Only the holder may extend, complete
	// or release the claim.
	Token          string
	Result         []byte
	ClaimExpiresAt time.Time
	ExpiresAt      time.Time
}

// Live reports whether an unfinished claim still blocks other callers at now.
func (r IdempotencyRecord) Live(now time.Time) bool {
	return r.Status == IdempotencyClaimed && now.Before(r.ClaimExpiresAt)
}
