package domain

import (
	"encoding/json"
	"time"
)

// ProviderStatus is the provider-side lifecycle normalized across vendors.
type ProviderStatus string

const (
	ProviderStatusQueued     ProviderStatus = "queued"
	ProviderStatusProcessing ProviderStatus = "processing"
	ProviderStatusCompleted  ProviderStatus = "completed"
	ProviderStatusFailed     ProviderStatus = "failed"
)

// CallbackMessage is the transport format for inbound provider callbacks.
type CallbackMessage struct {
	DeliveryID    string          `json:"delivery_id"`
	Provider      Provider        `json:"provider"`
	ProviderJobID string          `json:"provider_job_id"`
	Status        ProviderStatus  `json:"status"`
	Progress      int             `json:"progress,omitempty"`
	ResultRef     string          `json:"result_ref,omitempty"`
	FailureDetail string          `json:"failure_detail,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Attempt       int             `json:"attempt"`
	ReceivedAt    time.Time       `json:"received_at"`
}
