package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/iago/genjobs-back/internal/domain"
	"github.com/iago/genjobs-back/internal/queue"
)

type callbackRequest struct {
	DeliveryID    string                `json:"delivery_id"`
	ProviderJobID string                `json:"provider_job_id"`
	Status        domain.ProviderStatus `json:"status"`
	Progress      int                   `json:"progress"`
	ResultRef     string                `json:"result_ref"`
	FailureDetail string                `json:"failure_detail"`
	Metadata      json.RawMessage       `json:"metadata"`
}

// Callback accepts a provider webhook and hands it to the callback queue. The
// job itself is updated asynchronously by the callback processor.
func (api *API) Callback(w http.ResponseWriter, r *http.Request) {
	providerName := domain.Provider(strings.ToLower(chi.URLParam(r, "provider")))
	if _, err := api.providers.Get(providerName); err != nil {
		writeError(w, r, http.StatusNotFound, "unknown_provider", "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}
	if len(api.callbackSecret) > 0 && !validSignature(api.callbackSecret, body, r.Header.Get("X-Signature")) {
		writeError(w, r, http.StatusUnauthorized, "invalid_signature", "signature mismatch")
		return
	}

	var request callbackRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if strings.TrimSpace(request.ProviderJobID) == "" || !knownStatus(request.Status) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "provider_job_id and a known status are required")
		return
	}

	deliveryID := strings.TrimSpace(request.DeliveryID)
	if deliveryID == "" {
		deliveryID = strings.TrimSpace(r.Header.Get("X-Delivery-Id"))
	}
	if deliveryID == "" {
		// Identical redeliveries hash to the same id and are deduped downstream.
		sum := sha256.Sum256(body)
		deliveryID = hex.EncodeToString(sum[:])
	}

	message := domain.CallbackMessage{
		DeliveryID:    deliveryID,
		Provider:      providerName,
		ProviderJobID: request.ProviderJobID,
		Status:        request.Status,
		Progress:      request.Progress,
		ResultRef:     request.ResultRef,
		FailureDetail: request.FailureDetail,
		Metadata:      request.Metadata,
		ReceivedAt:    api.now(),
	}
	if err := api.callbacks.Enqueue(r.Context(), message); err != nil {
		if errors.Is(err, queue.ErrQueueBackpressure) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusServiceUnavailable, "backpressure", "callback queue is full")
			return
		}
		api.logger.Error("enqueue callback",
			slog.String("provider", string(providerName)),
			slog.String("delivery_id", deliveryID),
			slog.Any("error", err),
		)
		writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", "callback queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "delivery_id": deliveryID})
}

// validSignature checks a hex HMAC-SHA256 of the raw body, with or without a
// "sha256=" prefix.
func validSignature(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func knownStatus(status domain.ProviderStatus) bool {
	switch status {
	case domain.ProviderStatusQueued, domain.ProviderStatusProcessing,
		domain.ProviderStatusCompleted, domain.ProviderStatusFailed:
		return true
	default:
		return false
	}
}
