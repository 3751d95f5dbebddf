package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueuedJob(id, owner string, provider domain.Provider) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:         id,
		OwnerID:    owner,
		Kind:       domain.JobKindVideo,
		Provider:   provider,
		Parameters: json.RawMessage(`{"duration":6}`),
		State:      domain.JobStateQueued,
		Quantity:   6,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryJobsRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderRunway)))

	job, err := repo.AttachProviderID(ctx, "job-1", "rw-123")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateProcessing, job.State)
	assert.Equal(t, "rw-123", job.ProviderJobID)

	found, err := repo.FindByProviderJobID(ctx, domain.ProviderRunway, "rw-123")
	require.NoError(t, err)
	assert.Equal(t, "job-1", found.ID)

	require.NoError(t, repo.UpdateProgress(ctx, "job-1", 140))
	job, err = repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)

	job, err = repo.Transition(ctx, "job-1", domain.JobStateCompleted, domain.TransitionDetails{
		Result: &domain.JobResult{Ref: "https://cdn.example.com/rw-123.mp4"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, "https://cdn.example.com/rw-123.mp4", job.Result.Ref)
}

func TestMemoryJobsRepositoryRejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderRunway)))

	_, err := repo.Transition(ctx, "job-1", domain.JobStateCompleted, domain.TransitionDetails{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = repo.Transition(ctx, "job-1", domain.JobStateProcessing, domain.TransitionDetails{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = repo.AttachProviderID(ctx, "job-1", "rw-1")
	require.NoError(t, err)
	_, err = repo.AttachProviderID(ctx, "job-1", "rw-2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	cancelled, err := repo.Transition(ctx, "job-1", domain.JobStateCancelled, domain.TransitionDetails{})
	require.NoError(t, err)

	_, err = repo.Transition(ctx, "job-1", domain.JobStateCompleted, domain.TransitionDetails{
		Result: &domain.JobResult{Ref: "late"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	after, err := repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, after.State)
	assert.Equal(t, cancelled.UpdatedAt, after.UpdatedAt)
	assert.Nil(t, after.Result)
	assert.Equal(t, "rw-1", after.ProviderJobID)
}

func TestMemoryJobsRepositorySubmissionFailureSkipsProcessing(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderPika)))

	job, err := repo.Transition(ctx, "job-1", domain.JobStateFailed, domain.TransitionDetails{
		FailureReason: "provider unavailable",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, "provider unavailable", job.FailureReason)
	assert.Empty(t, job.ProviderJobID)
}

func TestMemoryJobsRepositoryOwnerIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderRunway)))

	_, err := repo.Get(ctx, "job-1", "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.Get(ctx, "missing", "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job, err := repo.Get(ctx, "job-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", job.OwnerID)
}

func TestMemoryJobsRepositoryListings(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()

	for i := 0; i < 5; i++ {
		job := newQueuedJob(fmt.Sprintf("job-%d", i), "u1", domain.ProviderRunway)
		job.CreatedAt = job.CreatedAt.Add(time.Duration(-i) * time.Hour)
		require.NoError(t, repo.Create(ctx, job))
	}
	require.NoError(t, repo.Create(ctx, newQueuedJob("other", "u2", domain.ProviderPika)))

	_, err := repo.AttachProviderID(ctx, "job-0", "rw-0")
	require.NoError(t, err)
	_, err = repo.AttachProviderID(ctx, "job-1", "rw-1")
	require.NoError(t, err)

	active, err := repo.ListActive(ctx, domain.ProviderRunway)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	active, err = repo.ListActive(ctx, domain.ProviderPika)
	require.NoError(t, err)
	assert.Empty(t, active)

	stale, err := repo.ListStale(ctx, time.Now().UTC().Add(-90*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 3)
	assert.Equal(t, "job-4", stale[0].ID)

	page, total, err := repo.ListByOwner(ctx, domain.JobListFilter{OwnerID: "u1", PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "job-2", page[0].ID)

	processing, total, err := repo.ListByOwner(ctx, domain.JobListFilter{OwnerID: "u1", State: domain.JobStateProcessing})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, processing, 2)
}

func TestMemoryJobsRepositoryConcurrentTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderRunway)))
	_, err := repo.AttachProviderID(ctx, "job-1", "rw-1")
	require.NoError(t, err)

	targets := []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed, domain.JobStateCancelled}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(to domain.JobState) {
			defer wg.Done()
			_, err := repo.Transition(ctx, "job-1", to, domain.TransitionDetails{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			rejected++
		}(targets[i%len(targets)])
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 29, rejected)
}

func TestMemoryJobsRepositoryHugePageIsEmpty(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderRunway)))

	page, total, err := repo.ListByOwner(ctx, domain.JobListFilter{OwnerID: "u1", Page: math.MaxInt / 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Empty(t, page)
}

func TestMemoryJobsRepositoryStagedResultClearsOnTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	require.NoError(t, repo.Create(ctx, newQueuedJob("job-1", "u1", domain.ProviderDALLE3)))

	staged := &domain.JobResult{Ref: "https://images.example/1.png"}
	assert.ErrorIs(t, repo.StageResult(ctx, "job-1", staged), domain.ErrInvalidTransition)

	_, err := repo.AttachProviderID(ctx, "job-1", "dalle3-1")
	require.NoError(t, err)
	require.NoError(t, repo.StageResult(ctx, "job-1", staged))

	job, err := repo.GetByID(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.PendingResult)
	assert.Equal(t, staged.Ref, job.PendingResult.Ref)
	assert.Nil(t, job.Result)

	job, err = repo.Transition(ctx, "job-1", domain.JobStateCompleted, domain.TransitionDetails{Result: staged})
	require.NoError(t, err)
	assert.Nil(t, job.PendingResult)
	assert.Equal(t, staged.Ref, job.Result.Ref)
}

func TestMemoryJobsRepositoryPendingReverts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryJobsRepository()
	for _, id := range []string{"cancelled", "completed", "processing"} {
		require.NoError(t, repo.Create(ctx, newQueuedJob(id, "u1", domain.ProviderRunway)))
		_, err := repo.AttachProviderID(ctx, id, "rw-"+id)
		require.NoError(t, err)
		require.NoError(t, repo.SetUsageCharged(ctx, id, true))
	}
	_, err := repo.Transition(ctx, "cancelled", domain.JobStateCancelled, domain.TransitionDetails{})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, "completed", domain.JobStateCompleted, domain.TransitionDetails{})
	require.NoError(t, err)

	pending, err := repo.ListPendingReverts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cancelled", pending[0].ID)

	require.NoError(t, repo.SetUsageCharged(ctx, "cancelled", false))
	pending, err = repo.ListPendingReverts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, repo.SetUsageCharged(ctx, "missing", true), domain.ErrNotFound)
}
