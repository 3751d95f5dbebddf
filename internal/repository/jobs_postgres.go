package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, owner_id, kind, provider, parameters, state, provider_job_id, result,
	pending_result, failure_reason, quantity, usage_charged, progress, created_at, updated_at`

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(pool *pgxpool.Pool) *PostgresJobsRepository {
	return &PostgresJobsRepository{pool: pool}
}

func (r *PostgresJobsRepository) Create(ctx context.Context, job *domain.Job) error {
	if job.State != domain.JobStateQueued {
		return fmt.Errorf("create job in state %s: %w", job.State, domain.ErrInvalidTransition)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO generation_jobs (
			id,
			owner_id,
			kind,
			provider,
			parameters,
			state,
			quantity,
			progress,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9)
	`,
		job.ID,
		job.OwnerID,
		string(job.Kind),
		string(job.Provider),
		[]byte(job.Parameters),
		string(job.State),
		job.Quantity,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) AttachProviderID(ctx context.Context, jobID, providerJobID string) (*domain.Job, error) {
	if providerJobID == "" {
		return nil, fmt.Errorf("attach empty provider job id: %w", domain.ErrInvalidTransition)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE generation_jobs
		SET provider_job_id = $2,
			state = $3,
			updated_at = $4
		WHERE id = $1 AND state = $5 AND provider_job_id IS NULL
		RETURNING `+jobColumns,
		jobID,
		providerJobID,
		string(domain.JobStateProcessing),
		time.Now().UTC(),
		string(domain.JobStateQueued),
	)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, r.guardFailure(ctx, jobID, "attach provider id")
	}
	return job, err
}

func (r *PostgresJobsRepository) Transition(
	ctx context.Context,
	jobID string,
	to domain.JobState,
	details domain.TransitionDetails,
) (*domain.Job, error) {
	from := sourceStates(to)
	if to == domain.JobStateProcessing || len(from) == 0 {
		return nil, fmt.Errorf("transition to %s: %w", to, domain.ErrInvalidTransition)
	}

	var resultJSON []byte
	if to == domain.JobStateCompleted && details.Result != nil {
		encoded, err := json.Marshal(details.Result)
		if err != nil {
			return nil, fmt.Errorf("encode job result: %w", err)
		}
		resultJSON = encoded
	}
	failureReason := ""
	if to == domain.JobStateFailed {
		failureReason = details.FailureReason
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE generation_jobs
		SET state = $2,
			result = COALESCE($3, result),
			failure_reason = CASE WHEN $2 = 'failed' THEN $4 ELSE failure_reason END,
			progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
			pending_result = NULL,
			updated_at = $5
		WHERE id = $1 AND state = ANY($6)
		RETURNING `+jobColumns,
		jobID,
		string(to),
		resultJSON,
		failureReason,
		time.Now().UTC(),
		from,
	)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, r.guardFailure(ctx, jobID, "transition to "+string(to))
	}
	return job, err
}

func (r *PostgresJobsRepository) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET progress = $2
		WHERE id = $1 AND state = $3
	`, jobID, clampPercent(percent), string(domain.JobStateProcessing))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.guardFailure(ctx, jobID, "update progress")
	}
	return nil
}

func (r *PostgresJobsRepository) StageResult(ctx context.Context, jobID string, result *domain.JobResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode pending result: %w", err)
	}
	command, err := r.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET pending_result = $2
		WHERE id = $1 AND state = $3
	`, jobID, encoded, string(domain.JobStateProcessing))
	if err != nil {
		return fmt.Errorf("stage result: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.guardFailure(ctx, jobID, "stage result")
	}
	return nil
}

func (r *PostgresJobsRepository) SetUsageCharged(ctx context.Context, jobID string, charged bool) error {
	command, err := r.pool.Exec(ctx, `UPDATE generation_jobs SET usage_charged = $2 WHERE id = $1`, jobID, charged)
	if err != nil {
		return fmt.Errorf("set usage charged: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PostgresJobsRepository) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 AND owner_id = $2`, jobID, ownerID)
	return scanJob(row)
}

func (r *PostgresJobsRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (r *PostgresJobsRepository) FindByProviderJobID(
	ctx context.Context,
	provider domain.Provider,
	providerJobID string,
) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE provider = $1 AND provider_job_id = $2
	`, string(provider), providerJobID)
	return scanJob(row)
}

func (r *PostgresJobsRepository) ListActive(ctx context.Context, provider domain.Provider) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE provider = $1 AND state = $2
		ORDER BY updated_at ASC
	`, string(provider), string(domain.JobStateProcessing))
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *PostgresJobsRepository) ListStale(ctx context.Context, createdBefore time.Time) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE state = ANY($1) AND created_at < $2
		ORDER BY created_at ASC
	`, []string{string(domain.JobStateQueued), string(domain.JobStateProcessing)}, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *PostgresJobsRepository) ListPendingReverts(ctx context.Context) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE usage_charged AND state = ANY($1)
		ORDER BY updated_at ASC
	`, []string{string(domain.JobStateFailed), string(domain.JobStateCancelled)})
	if err != nil {
		return nil, fmt.Errorf("list pending reverts: %w", err)
	}
	return collectJobs(rows)
}

func (r *PostgresJobsRepository) ListByOwner(
	ctx context.Context,
	filter domain.JobListFilter,
) ([]*domain.Job, int, error) {
	filter.Normalize()
	baseQuery, args := buildOwnerFilters(filter)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		jobColumns,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, filter.Offset())
	rows, err := r.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	items, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// guardFailure distinguishes a missing job from a rejected transition after a
// guarded UPDATE matched no rows.
func (r *PostgresJobsRepository) guardFailure(ctx context.Context, jobID, action string) error {
	var state string
	err := r.pool.QueryRow(ctx, `SELECT state FROM generation_jobs WHERE id = $1`, jobID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("load job state: %w", err)
	}
	return fmt.Errorf("%s from %s: %w", action, state, domain.ErrInvalidTransition)
}

func buildOwnerFilters(filter domain.JobListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM generation_jobs WHERE owner_id = $1")

	args := []any{filter.OwnerID}
	argIndex := 2

	if filter.Kind != "" {
		query.WriteString(fmt.Sprintf(" AND kind = $%d", argIndex))
		args = append(args, string(filter.Kind))
		argIndex++
	}
	if filter.State != "" {
		query.WriteString(fmt.Sprintf(" AND state = $%d", argIndex))
		args = append(args, string(filter.State))
	}

	return query.String(), args
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job           domain.Job
		kind          string
		provider      string
		state         string
		parameters    []byte
		providerJobID *string
		result        []byte
		pendingResult []byte
	)

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&provider,
		&parameters,
		&state,
		&providerJobID,
		&result,
		&pendingResult,
		&job.FailureReason,
		&job.Quantity,
		&job.UsageCharged,
		&job.Progress,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Kind = domain.JobKind(kind)
	job.Provider = domain.Provider(provider)
	job.State = domain.JobState(state)
	job.Parameters = json.RawMessage(parameters)
	if providerJobID != nil {
		job.ProviderJobID = *providerJobID
	}
	if job.Result, err = decodeResult(result); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	if job.PendingResult, err = decodeResult(pendingResult); err != nil {
		return nil, fmt.Errorf("decode pending result: %w", err)
	}
	return &job, nil
}

func decodeResult(raw []byte) (*domain.JobResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded domain.JobResult
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}
