package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/http/middleware"
)

type createJobRequest struct {
	Kind       domain.JobKind  `json:"kind"`
	Provider   domain.Provider `json:"provider"`
	Parameters json.RawMessage `json:"parameters"`
}

type jobResultView struct {
	Ref      string         `json:"ref"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type jobView struct {
	JobID         string          `json:"job_id"`
	Kind          domain.JobKind  `json:"kind"`
	Provider      domain.Provider `json:"provider"`
	State         domain.JobState `json:"state"`
	Progress      int             `json:"progress"`
	Quantity      int64           `json:"quantity"`
	Result        *jobResultView  `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	StatusURL     string          `json:"status_url"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type jobListResponse struct {
	Items    []jobView `json:"items"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int       `json:"total"`
}

// requestRecord is what an Idempotency-Key remembers.
type requestRecord struct {
	PayloadHash string `json:"payload_hash"`
	JobID       string `json:"job_id"`
}

func newJobView(job *domain.Job) jobView {
	view := jobView{
		JobID:         job.ID,
		Kind:          job.Kind,
		Provider:      job.Provider,
		State:         job.State,
		Progress:      job.Progress,
		Quantity:      job.Quantity,
		FailureReason: job.FailureReason,
		StatusURL:     "/v1/jobs/" + job.ID,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.Result != nil {
		view.Result = &jobResultView{Ref: job.Result.Ref, Metadata: job.Result.Metadata}
	}
	return view
}

func (api *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.OwnerID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var request createJobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	request.Kind = domain.JobKind(strings.ToLower(strings.TrimSpace(string(request.Kind))))
	request.Provider = domain.Provider(strings.ToLower(strings.TrimSpace(string(request.Provider))))
	if request.Kind == "" || request.Provider == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "kind and provider are required")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" || api.requests == nil {
		job, err := api.jobs.StartJob(r.Context(), ownerID, request.Kind, request.Provider, request.Parameters)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		writeAccepted(w, job)
		return
	}
	if len(idempotencyKey) < minIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key is too short")
		return
	}

	payloadHash, err := hashPayload(request)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	key := "request:" + ownerID + ":" + idempotencyKey
	raw, err := api.requests.RunOnce(r.Context(), key, requestKeyRetention, func(ctx context.Context) ([]byte, error) {
		job, err := api.jobs.StartJob(ctx, ownerID, request.Kind, request.Provider, request.Parameters)
		if err != nil {
			return nil, err
		}
		return json.Marshal(requestRecord{PayloadHash: payloadHash, JobID: job.ID})
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	var record requestRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if record.PayloadHash != payloadHash {
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
		return
	}

	job, err := api.jobs.GetJobStatus(r.Context(), record.JobID, ownerID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, job)
}

func writeAccepted(w http.ResponseWriter, job *domain.Job) {
	if !job.State.Terminal() {
		w.Header().Set("Retry-After", "2")
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, newJobView(job))
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	job, err := api.jobs.GetJobStatus(r.Context(), jobID, middleware.OwnerID(r.Context()))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.JobListFilter{
		Kind:  domain.JobKind(strings.ToLower(query.Get("kind"))),
		State: domain.JobState(strings.ToLower(query.Get("state"))),
	}

	var err error
	if filter.Page, err = parseOptionalInt(query.Get("page")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "page must be a number")
		return
	}
	if filter.PageSize, err = parseOptionalInt(query.Get("page_size")); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "page_size must be a number")
		return
	}
	filter.Normalize()

	jobs, total, err := api.jobs.ListJobs(r.Context(), middleware.OwnerID(r.Context()), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	response := jobListResponse{
		Items:    make([]jobView, 0, len(jobs)),
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Total:    total,
	}
	for _, job := range jobs {
		response.Items = append(response.Items, newJobView(job))
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.CancelJob(r.Context(), chi.URLParam(r, "jobID"), middleware.OwnerID(r.Context()))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func parseOptionalInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

// hashPayload fingerprints the normalized request so a reused
// Idempotency-Key with a different body is detected.
func hashPayload(value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("hash request payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
