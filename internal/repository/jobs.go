package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
)

// JobsRepository is the job registry: persistence plus state-machine enforcement.
type JobsRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	AttachProviderID(ctx context.Context, jobID, providerJobID string) (*domain.Job, error)
	Transition(ctx context.Context, jobID string, to domain.JobState, details domain.TransitionDetails) (*domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, percent int) error
	// StageResult keeps a provider-delivered result on a processing job until
	// its completion is settled.
	StageResult(ctx context.Context, jobID string, result *domain.JobResult) error
	// SetUsageCharged records whether the ledger holds usage for the job. It
	// is not a state change and is accepted in every state.
	SetUsageCharged(ctx context.Context, jobID string, charged bool) error
	Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	FindByProviderJobID(ctx context.Context, provider domain.Provider, providerJobID string) (*domain.Job, error)
	ListActive(ctx context.Context, provider domain.Provider) ([]*domain.Job, error)
	ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.Job, error)
	// ListPendingReverts returns failed or cancelled jobs still marked as charged.
	ListPendingReverts(ctx context.Context) ([]*domain.Job, error)
	ListByOwner(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error)
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu         sync.RWMutex
	jobs       map[string]*domain.Job
	byProvider map[string]string
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs:       make(map[string]*domain.Job),
		byProvider: make(map[string]string),
	}
}

func (r *MemoryJobsRepository) Create(_ context.Context, job *domain.Job) error {
	if job.State != domain.JobStateQueued {
		return fmt.Errorf("create job in state %s: %w", job.State, domain.ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) AttachProviderID(_ context.Context, jobID, providerJobID string) (*domain.Job, error) {
	if providerJobID == "" {
		return nil, fmt.Errorf("attach empty provider job id: %w", domain.ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.State != domain.JobStateQueued || job.ProviderJobID != "" {
		return nil, fmt.Errorf("attach provider id from %s: %w", job.State, domain.ErrInvalidTransition)
	}

	job.ProviderJobID = providerJobID
	job.State = domain.JobStateProcessing
	job.UpdatedAt = time.Now().UTC()
	r.byProvider[providerKey(job.Provider, providerJobID)] = job.ID
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) Transition(
	_ context.Context,
	jobID string,
	to domain.JobState,
	details domain.TransitionDetails,
) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if to == domain.JobStateProcessing || !domain.CanTransition(job.State, to) {
		return nil, fmt.Errorf("transition %s -> %s: %w", job.State, to, domain.ErrInvalidTransition)
	}

	applyTransition(job, to, details)
	job.UpdatedAt = time.Now().UTC()
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) UpdateProgress(_ context.Context, jobID string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return fmt.Errorf("update progress in %s: %w", job.State, domain.ErrInvalidTransition)
	}
	job.Progress = clampPercent(percent)
	return nil
}

func (r *MemoryJobsRepository) StageResult(_ context.Context, jobID string, result *domain.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return fmt.Errorf("stage result in %s: %w", job.State, domain.ErrInvalidTransition)
	}
	job.PendingResult = result.Clone()
	return nil
}

func (r *MemoryJobsRepository) SetUsageCharged(_ context.Context, jobID string, charged bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.UsageCharged = charged
	return nil
}

func (r *MemoryJobsRepository) Get(_ context.Context, jobID, ownerID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) FindByProviderJobID(
	_ context.Context,
	provider domain.Provider,
	providerJobID string,
) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobID, ok := r.byProvider[providerKey(provider, providerJobID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.jobs[jobID].Clone(), nil
}

func (r *MemoryJobsRepository) ListActive(_ context.Context, provider domain.Provider) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.Provider == provider && job.State == domain.JobStateProcessing {
			items = append(items, job.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	return items, nil
}

func (r *MemoryJobsRepository) ListStale(_ context.Context, createdBefore time.Time) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if !job.State.Terminal() && job.CreatedAt.Before(createdBefore) {
			items = append(items, job.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (r *MemoryJobsRepository) ListPendingReverts(context.Context) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.NeedsRevert() {
			items = append(items, job.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	return items, nil
}

func (r *MemoryJobsRepository) ListByOwner(_ context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error) {
	filter.Normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		items = append(items, job.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := filter.Offset()
	if start >= total {
		return []*domain.Job{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return items[start:end], total, nil
}

func applyTransition(job *domain.Job, to domain.JobState, details domain.TransitionDetails) {
	job.State = to
	job.PendingResult = nil
	switch to {
	case domain.JobStateCompleted:
		job.Result = details.Result.Clone()
		job.Progress = 100
	case domain.JobStateFailed:
		job.FailureReason = details.FailureReason
	}
}

// sourceStates lists every state from which the registry accepts a move to the target.
func sourceStates(to domain.JobState) []string {
	states := []domain.JobState{
		domain.JobStateQueued,
		domain.JobStateProcessing,
		domain.JobStateCompleted,
		domain.JobStateFailed,
		domain.JobStateCancelled,
	}
	from := make([]string, 0, 2)
	for _, state := range states {
		if domain.CanTransition(state, to) {
			from = append(from, string(state))
		}
	}
	return from
}

func providerKey(provider domain.Provider, providerJobID string) string {
	return string(provider) + "/" + providerJobID
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
