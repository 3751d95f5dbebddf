package quota

import (
	"context"
	"sync"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
)

type Usage struct {
	Used  int64
	Limit int64
}

// UsageEntry is one committed unit of work. Ref is unique per entry, so a
// repeated commit with the same Ref is a no-op.
type UsageEntry struct {
	Ref      string
	OwnerID  string
	Kind     domain.JobKind
	Quantity int64
	Period   string
}

// Ledger is the quota/billing collaborator. CommitUsage is the only call that
// adds usage.
type Ledger interface {
	GetUsage(ctx context.Context, ownerID string, kind domain.JobKind) (Usage, error)
	CommitUsage(ctx context.Context, entry UsageEntry) error
	RevertUsage(ctx context.Context, ref string) error
}

// Period returns the monthly accounting bucket for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MemoryLedger is an in-process ledger for local development and tests.
type MemoryLedger struct {
	mu      sync.RWMutex
	catalog Catalog
	plans   map[string]string
	entries map[string]UsageEntry
	now     func() time.Time
}

func NewMemoryLedger(catalog Catalog) *MemoryLedger {
	return &MemoryLedger{
		catalog: catalog,
		plans:   make(map[string]string),
		entries: make(map[string]UsageEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) SetPlan(ownerID, plan string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plans[ownerID] = plan
}

func (l *MemoryLedger) GetUsage(_ context.Context, ownerID string, kind domain.JobKind) (Usage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	period := Period(l.now())
	var used int64
	for _, entry := range l.entries {
		if entry.OwnerID == ownerID && entry.Kind == kind && entry.Period == period {
			used += entry.Quantity
		}
	}
	return Usage{
		Used:  used,
		Limit: l.catalog.Plan(l.plans[ownerID]).Limit(kind),
	}, nil
}

func (l *MemoryLedger) CommitUsage(_ context.Context, entry UsageEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[entry.Ref]; exists {
		return nil
	}
	if entry.Period == "" {
		entry.Period = Period(l.now())
	}
	l.entries[entry.Ref] = entry
	return nil
}

func (l *MemoryLedger) RevertUsage(_ context.Context, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, ref)
	return nil
}
