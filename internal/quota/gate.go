package quota

import (
	"context"
	"fmt"

	"github.com/iago/genjobs-back/internal/domain"
)

// Decision is the outcome of a quota check. Remaining is -1 for unlimited
// plans.
type Decision struct {
	Allowed   bool
	Reason    string
	Used      int64
	Limit     int64
	Remaining int64
}

// Gate answers whether an owner may start work. It only reads from the
// ledger: usage is committed when a job completes, not when it is admitted.
type Gate struct {
	ledger Ledger
}

func NewGate(ledger Ledger) *Gate {
	return &Gate{ledger: ledger}
}

func (g *Gate) CheckAndReserve(ctx context.Context, ownerID string, kind domain.JobKind, quantity int64) (Decision, error) {
	if !kind.Valid() {
		return Decision{}, fmt.Errorf("kind %q: %w", kind, domain.ErrInvalidParameters)
	}
	if quantity <= 0 {
		return Decision{}, fmt.Errorf("quantity must be positive: %w", domain.ErrInvalidParameters)
	}

	usage, err := g.ledger.GetUsage(ctx, ownerID, kind)
	if err != nil {
		return Decision{}, fmt.Errorf("get usage: %w", err)
	}

	decision := Decision{Used: usage.Used, Limit: usage.Limit}
	switch {
	case usage.Limit == Unlimited:
		decision.Allowed = true
		decision.Remaining = Unlimited
	case usage.Limit == 0:
		decision.Reason = fmt.Sprintf("plan does not include %s generation", kind)
	default:
		decision.Remaining = max(usage.Limit-usage.Used, 0)
		if quantity <= decision.Remaining {
			decision.Allowed = true
		} else {
			decision.Reason = fmt.Sprintf("requested %d %s of %s exceeds remaining allowance of %d",
				quantity, Unit(kind), kind, decision.Remaining)
		}
	}
	return decision, nil
}
