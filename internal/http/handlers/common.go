package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/http/middleware"
	"github.com/iago/genjobs-back/internal/idempotency"
	"github.com/iago/genjobs-back/internal/provider"
	"github.com/iago/genjobs-back/internal/queue"
)

const (
	maxBodyBytes         = 1 << 20
	requestKeyRetention  = 24 * time.Hour
	minIdempotencyKeyLen = 8
)

var errInvalidPayload = errors.New("invalid payload")

// JobService is the orchestrator surface the API drives.
type JobService interface {
	StartJob(ctx context.Context, ownerID string, kind domain.JobKind, providerName domain.Provider, parameters json.RawMessage) (*domain.Job, error)
	GetJobStatus(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	ListJobs(ctx context.Context, ownerID string, filter domain.JobListFilter) ([]*domain.Job, int, error)
	CancelJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
}

type Dependencies struct {
	Jobs      JobService
	Providers *provider.Registry
	Callbacks queue.Producer
	// Requests dedupes POST /v1/jobs by Idempotency-Key. Optional.
	Requests       *idempotency.Runner
	CallbackSecret string
	Logger         *slog.Logger
}

type API struct {
	jobs           JobService
	providers      *provider.Registry
	callbacks      queue.Producer
	requests       *idempotency.Runner
	callbackSecret []byte
	logger         *slog.Logger
	now            func() time.Time
}

func NewAPI(deps Dependencies) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		jobs:           deps.Jobs,
		providers:      deps.Providers,
		callbacks:      deps.Callbacks,
		requests:       deps.Requests,
		callbackSecret: []byte(deps.CallbackSecret),
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

type quotaErrorPayload struct {
	errorPayload
	Used   int64  `json:"used"`
	Limit  int64  `json:"limit"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, newErrorPayload(r, code, message))
}

func newErrorPayload(r *http.Request, code, message string) errorPayload {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	return payload
}

// writeServiceError maps orchestrator errors onto status codes. Messages are
// fixed strings so provider payloads never leak to clients.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *domain.QuotaExceededError
	switch {
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusPaymentRequired, quotaErrorPayload{
			errorPayload: newErrorPayload(r, "quota_exceeded", "quota exceeded"),
			Used:         exceeded.Used,
			Limit:        exceeded.Limit,
			Reason:       exceeded.Reason,
		})
	case errors.Is(err, domain.ErrInvalidParameters):
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid generation parameters")
	case errors.Is(err, domain.ErrUnknownProvider):
		writeError(w, r, http.StatusBadRequest, "unknown_provider", "unknown provider")
	case errors.Is(err, provider.ErrProviderRejected):
		writeError(w, r, http.StatusUnprocessableEntity, "provider_rejected", "provider rejected the request")
	case errors.Is(err, provider.ErrProviderUnavailable):
		writeError(w, r, http.StatusBadGateway, "provider_unavailable", "provider unavailable")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "invalid_state", "job is already in a terminal state")
	default:
		api.logger.Error("request failed",
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}
