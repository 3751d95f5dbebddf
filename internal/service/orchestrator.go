package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/idempotency"
	"github.com/iago/genjobs-back/internal/policy"
	"github.com/iago/genjobs-back/internal/provider"
	"github.com/iago/genjobs-back/internal/quality"
	"github.com/iago/genjobs-back/internal/quota"
	"github.com/iago/genjobs-back/internal/repository"
)

const (
	defaultCompletionRetention = 24 * time.Hour
	maxFailureDetail           = 200
	sideEffectTimeout          = 5 * time.Second
)

// Outcome is what an idempotent completion did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDiscarded Outcome = "discarded"
)

type completionRecord struct {
	Outcome Outcome         `json:"outcome,omitempty"`
	State   domain.JobState `json:"state"`
}

type OrchestratorConfig struct {
	// CompletionRetention is how long completion and callback dedupe records
	// are kept.
	CompletionRetention time.Duration
	Logger              *slog.Logger
}

// Orchestrator owns the job lifecycle: admission, submission, reconciliation,
// cancellation and the timeout sweep.
type Orchestrator struct {
	jobs      repository.JobsRepository
	providers *provider.Registry
	gate      *quota.Gate
	ledger    quota.Ledger
	once      *idempotency.Runner
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(
	jobs repository.JobsRepository,
	providers *provider.Registry,
	ledger quota.Ledger,
	once *idempotency.Runner,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.CompletionRetention <= 0 {
		cfg.CompletionRetention = defaultCompletionRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		jobs:      jobs,
		providers: providers,
		gate:      quota.NewGate(ledger),
		ledger:    ledger,
		once:      once,
		retention: cfg.CompletionRetention,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartJob admits, records and submits a job. Usage is not touched here; it is
// committed only when the job completes.
func (o *Orchestrator) StartJob(
	ctx context.Context,
	ownerID string,
	kind domain.JobKind,
	providerName domain.Provider,
	parameters json.RawMessage,
) (*domain.Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner id is required: %w", domain.ErrInvalidParameters)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("kind %q: %w", kind, domain.ErrInvalidParameters)
	}

	adapter, err := o.providers.Resolve(providerName, kind)
	if err != nil {
		return nil, err
	}

	// The provider receives exactly the quantity that is billed.
	parameters, quantity, err := quota.Normalize(kind, parameters)
	if err != nil {
		return nil, err
	}

	decision, err := o.gate.CheckAndReserve(ctx, ownerID, kind, quantity)
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if !decision.Allowed {
		return nil, &domain.QuotaExceededError{
			Kind:   kind,
			Reason: decision.Reason,
			Used:   decision.Used,
			Limit:  decision.Limit,
		}
	}

	now := o.now()
	job := &domain.Job{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Kind:       kind,
		Provider:   providerName,
		Parameters: append(json.RawMessage(nil), parameters...),
		State:      domain.JobStateQueued,
		Quantity:   quantity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	logger := o.logger.With(
		slog.String("job_id", job.ID),
		slog.String("provider", string(providerName)),
		slog.String("owner_id", ownerID),
	)

	submitted, err := adapter.Submit(ctx, kind, parameters)
	if err != nil {
		reason := summarizeSubmitError(err)
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		if _, transitionErr := o.jobs.Transition(failCtx, job.ID, domain.JobStateFailed, domain.TransitionDetails{
			FailureReason: reason,
		}); transitionErr != nil {
			logger.Error("mark job failed after submit error", slog.Any("error", transitionErr))
		}
		logger.Warn("provider submission failed", slog.String("error", policy.Redact(err.Error())))
		return nil, fmt.Errorf("submit job: %w", err)
	}

	job, err = o.jobs.AttachProviderID(ctx, job.ID, submitted.ProviderJobID)
	if err != nil {
		return nil, fmt.Errorf("attach provider job id: %w", err)
	}
	logger.Info("job submitted", slog.String("provider_job_id", submitted.ProviderJobID))

	if submitted.Immediate != nil {
		if immediate := submitted.Immediate; immediate.Status == domain.ProviderStatusCompleted {
			// Staged first so Reconcile can settle it if this attempt fails.
			staged := &domain.JobResult{Ref: immediate.ResultRef, Metadata: immediate.Metadata}
			if err := o.jobs.StageResult(ctx, job.ID, staged); err != nil {
				logger.Error("stage immediate result", slog.Any("error", err))
			}
		}
		applied, err := o.apply(ctx, job, *submitted.Immediate)
		if err != nil {
			// The job stays processing; the reaper settles it if nothing else does.
			logger.Error("apply immediate result", slog.Any("error", err))
			return job, nil
		}
		job = applied
	}
	return job, nil
}

func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	return o.jobs.Get(ctx, jobID, ownerID)
}

func (o *Orchestrator) ListJobs(ctx context.Context, ownerID string, filter domain.JobListFilter) ([]*domain.Job, int, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, 0, fmt.Errorf("kind %q: %w", filter.Kind, domain.ErrInvalidParameters)
	}
	filter.OwnerID = ownerID
	filter.Normalize()
	return o.jobs.ListByOwner(ctx, filter)
}

// CancelJob is authoritative locally: the job is cancelled whether or not the
// provider honours the upstream cancel.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, err := o.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("cancel %s job: %w", job.State, domain.ErrInvalidState)
	}
	if job.State != domain.JobStateProcessing {
		return nil, fmt.Errorf("cancel job not yet submitted: %w", domain.ErrInvalidState)
	}

	logger := o.logger.With(slog.String("job_id", job.ID), slog.String("provider", string(job.Provider)))
	if adapter, err := o.providers.Get(job.Provider); err == nil && adapter.Traits().Cancellable {
		if _, cancelErr := adapter.Cancel(ctx, job.ProviderJobID); cancelErr != nil {
			logger.Warn("provider cancel failed", slog.Any("error", cancelErr))
		}
	}

	cancelled, err := o.jobs.Transition(ctx, job.ID, domain.JobStateCancelled, domain.TransitionDetails{})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil, fmt.Errorf("cancel job: %w", domain.ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	logger.Info("job cancelled")
	return cancelled, nil
}

// Reconcile polls the provider for one job and applies what it reports.
// Transient provider errors are returned and leave the job untouched. A
// staged result is applied without polling, and a terminal job still holding
// a charge it should not has the charge reverted.
func (o *Orchestrator) Reconcile(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.NeedsRevert() {
		return o.revertCharge(ctx, job)
	}
	if job.State != domain.JobStateProcessing {
		return nil
	}
	if staged := job.PendingResult; staged != nil {
		_, err := o.apply(ctx, job, provider.PollResult{
			Status:    domain.ProviderStatusCompleted,
			ResultRef: staged.Ref,
			Metadata:  staged.Metadata,
		})
		return err
	}

	adapter, err := o.providers.Get(job.Provider)
	if err != nil {
		return err
	}
	result, err := adapter.Poll(ctx, job.ProviderJobID)
	if errors.Is(err, provider.ErrPushOnly) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll %s: %w", job.Provider, err)
	}

	_, err = o.apply(ctx, job, result)
	return err
}

// HandleCallback applies a provider webhook delivery. Redeliveries of the same
// delivery id are absorbed by the idempotency store.
func (o *Orchestrator) HandleCallback(ctx context.Context, message domain.CallbackMessage) error {
	if message.DeliveryID == "" || message.ProviderJobID == "" {
		return fmt.Errorf("callback without delivery or provider job id: %w", domain.ErrInvalidParameters)
	}
	if _, err := o.providers.Get(message.Provider); err != nil {
		return err
	}

	key := fmt.Sprintf("callback:%s:%s", message.Provider, message.DeliveryID)
	_, err := o.once.RunOnce(ctx, key, o.retention, func(ctx context.Context) ([]byte, error) {
		job, err := o.jobs.FindByProviderJobID(ctx, message.Provider, message.ProviderJobID)
		if err != nil {
			// The webhook can beat AttachProviderID; failing releases the
			// claim so a redelivery retries the lookup.
			return nil, fmt.Errorf("route callback: %w", err)
		}

		result := provider.PollResult{
			Status:        message.Status,
			Progress:      message.Progress,
			ResultRef:     message.ResultRef,
			FailureDetail: message.FailureDetail,
		}
		if len(message.Metadata) > 0 {
			if err := json.Unmarshal(policy.RedactJSON(message.Metadata), &result.Metadata); err != nil {
				o.logger.Warn("ignore callback metadata", slog.String("job_id", job.ID), slog.Any("error", err))
			}
		}

		applied, err := o.apply(ctx, job, result)
		if err != nil {
			return nil, err
		}
		return json.Marshal(completionRecord{State: applied.State})
	})
	return err
}

// SweepStale fails jobs that reached no terminal state within maxAge. A job
// that completes concurrently keeps its completion.
func (o *Orchestrator) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := o.jobs.ListStale(ctx, o.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := 0
	for _, job := range stale {
		_, err := o.jobs.Transition(ctx, job.ID, domain.JobStateFailed, domain.TransitionDetails{
			FailureReason: fmt.Sprintf("timed out after %s without a provider result", maxAge),
		})
		switch {
		case err == nil:
			swept++
			o.logger.Warn("job timed out", slog.String("job_id", job.ID), slog.String("provider", string(job.Provider)))
		case errors.Is(err, domain.ErrInvalidTransition):
		default:
			return swept, fmt.Errorf("time out job %s: %w", job.ID, err)
		}
	}
	return swept, nil
}

// ActiveJobIDs lists processing jobs that Reconcile can advance: every job of
// a pollable provider plus jobs of any provider holding a staged result.
func (o *Orchestrator) ActiveJobIDs(ctx context.Context) ([]string, error) {
	pollable := make(map[domain.Provider]bool)
	for _, name := range o.providers.Pollable() {
		pollable[name] = true
	}

	ids := make([]string, 0)
	for _, name := range o.providers.Providers() {
		jobs, err := o.jobs.ListActive(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list active %s jobs: %w", name, err)
		}
		for _, job := range jobs {
			if pollable[name] || job.PendingResult != nil {
				ids = append(ids, job.ID)
			}
		}
	}
	return ids, nil
}

// SettleCharges reverts usage still charged to failed or cancelled jobs,
// which happens when a revert failed after a completion lost its race.
func (o *Orchestrator) SettleCharges(ctx context.Context) (int, error) {
	pending, err := o.jobs.ListPendingReverts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending reverts: %w", err)
	}
	settled := 0
	for _, job := range pending {
		if err := o.revertCharge(ctx, job); err != nil {
			return settled, err
		}
		settled++
	}
	return settled, nil
}

// revertCharge drops the usage entry of a job and then clears its charge
// flag. A failure in between leaves the flag set for the next attempt.
func (o *Orchestrator) revertCharge(ctx context.Context, job *domain.Job) error {
	if err := o.ledger.RevertUsage(ctx, job.ID); err != nil {
		return fmt.Errorf("revert usage of job %s: %w", job.ID, err)
	}
	if err := o.jobs.SetUsageCharged(ctx, job.ID, false); err != nil {
		return fmt.Errorf("clear charge of job %s: %w", job.ID, err)
	}
	o.logger.Info("usage reverted", slog.String("job_id", job.ID), slog.String("state", string(job.State)))
	return nil
}

// apply is the single path from a provider status to a local state change.
func (o *Orchestrator) apply(ctx context.Context, job *domain.Job, result provider.PollResult) (*domain.Job, error) {
	switch result.Status {
	case domain.ProviderStatusQueued, domain.ProviderStatusProcessing:
		if err := o.jobs.UpdateProgress(ctx, job.ID, result.Progress); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("update progress: %w", err)
		}
		return o.jobs.GetByID(ctx, job.ID)
	case domain.ProviderStatusCompleted:
		if err := quality.ValidateResult(result.ResultRef, result.Metadata); err != nil {
			o.logger.Warn("provider completion rejected", slog.String("job_id", job.ID), slog.Any("error", err))
			return o.markFailed(ctx, job, "provider returned an unusable result")
		}
		outcome, err := o.complete(ctx, job, result)
		if err != nil {
			return nil, err
		}
		if outcome == OutcomeDiscarded {
			o.logger.Info("late completion discarded", slog.String("job_id", job.ID))
		}
		return o.jobs.GetByID(ctx, job.ID)
	case domain.ProviderStatusFailed:
		return o.markFailed(ctx, job, summarizeFailure(result.FailureDetail))
	default:
		return nil, fmt.Errorf("unknown provider status %q", result.Status)
	}
}

// markFailed moves a job to failed unless it already reached a terminal state.
func (o *Orchestrator) markFailed(ctx context.Context, job *domain.Job, reason string) (*domain.Job, error) {
	failed, err := o.jobs.Transition(ctx, job.ID, domain.JobStateFailed, domain.TransitionDetails{FailureReason: reason})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return o.jobs.GetByID(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark job failed: %w", err)
	}
	o.logger.Info("job failed at provider", slog.String("job_id", job.ID), slog.String("reason", reason))
	return failed, nil
}

// complete commits usage and marks the job completed exactly once per job.
// When the completed transition loses to a cancel, failure or timeout, the
// usage entry is reverted so only verified completions are charged.
func (o *Orchestrator) complete(ctx context.Context, job *domain.Job, result provider.PollResult) (Outcome, error) {
	raw, err := o.once.RunOnce(ctx, job.ID+":complete", o.retention, func(ctx context.Context) ([]byte, error) {
		current, err := o.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if current.State.Terminal() {
			if current.NeedsRevert() {
				if err := o.revertCharge(ctx, current); err != nil {
					return nil, err
				}
			}
			return json.Marshal(completionRecord{Outcome: OutcomeDiscarded, State: current.State})
		}

		// The flag goes in before the charge so a crash or failed revert
		// leaves a record that SettleCharges can act on.
		if err := o.jobs.SetUsageCharged(ctx, current.ID, true); err != nil {
			return nil, fmt.Errorf("mark usage charged: %w", err)
		}
		if err := o.ledger.CommitUsage(ctx, quota.UsageEntry{
			Ref:      current.ID,
			OwnerID:  current.OwnerID,
			Kind:     current.Kind,
			Quantity: current.Quantity,
		}); err != nil {
			return nil, fmt.Errorf("commit usage: %w", err)
		}

		completed, err := o.jobs.Transition(ctx, current.ID, domain.JobStateCompleted, domain.TransitionDetails{
			Result: &domain.JobResult{Ref: result.ResultRef, Metadata: result.Metadata},
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			latest, getErr := o.jobs.GetByID(ctx, current.ID)
			if getErr != nil {
				return nil, getErr
			}
			if latest.NeedsRevert() {
				if revertErr := o.revertCharge(ctx, latest); revertErr != nil {
					return nil, fmt.Errorf("after lost transition: %w", revertErr)
				}
			}
			return json.Marshal(completionRecord{Outcome: OutcomeDiscarded, State: latest.State})
		}
		if err != nil {
			return nil, fmt.Errorf("mark job completed: %w", err)
		}

		o.logger.Info("job completed",
			slog.String("job_id", completed.ID),
			slog.String("provider", string(completed.Provider)),
			slog.Int64("quantity", completed.Quantity),
		)
		return json.Marshal(completionRecord{Outcome: OutcomeCompleted, State: completed.State})
	})
	if err != nil {
		return "", fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	var record completionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", fmt.Errorf("decode completion record: %w", err)
	}
	return record.Outcome, nil
}

func summarizeSubmitError(err error) string {
	switch {
	case errors.Is(err, provider.ErrProviderRejected):
		return "provider rejected the request"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "provider unavailable"
	default:
		return "submission failed"
	}
}

func summarizeFailure(detail string) string {
	detail = strings.Join(strings.Fields(policy.Redact(detail)), " ")
	if detail == "" {
		return "provider reported failure"
	}
	if runes := []rune(detail); len(runes) > maxFailureDetail {
		detail = string(runes[:maxFailureDetail])
	}
	return "provider reported failure: " + detail
}
