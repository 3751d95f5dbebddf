package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/iago/genjobs-back/internal/domain"
)

var (
	// ErrProviderUnavailable covers transport failures, auth problems, rate
	// limiting and vendor 5xx. The job may be retried later.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected is a vendor validation failure. Retrying the same
	// request will not help.
	ErrProviderRejected = errors.New("provider rejected the request")
	// ErrPushOnly is returned by Poll for providers that only report status
	// through callbacks, or that finish synchronously on submit.
	ErrPushOnly = errors.New("provider does not support polling")
)

type SubmitResult struct {
	ProviderJobID string
	Estimate      string
	// Immediate is set by synchronous providers that return the artifact
	// with the submission response.
	Immediate *PollResult
}

type PollResult struct {
	Status        domain.ProviderStatus
	Progress      int
	ResultRef     string
	Metadata      map[string]any
	FailureDetail string
}

// Traits describes what an adapter supports so callers never branch on the
// provider name.
type Traits struct {
	Kinds       []domain.JobKind
	Pollable    bool
	Cancellable bool
}

func (t Traits) Supports(kind domain.JobKind) bool {
	return slices.Contains(t.Kinds, kind)
}

// Adapter normalizes one vendor API into the submit/poll/cancel contract.
type Adapter interface {
	Name() domain.Provider
	Traits() Traits
	Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error)
	Poll(ctx context.Context, providerJobID string) (PollResult, error)
	// Cancel reports supported=false when the vendor has no cancel endpoint.
	Cancel(ctx context.Context, providerJobID string) (bool, error)
}

// generationParameters is the union of request fields the adapters read.
type generationParameters struct {
	Prompt      string `json:"prompt"`
	ImageURL    string `json:"image_url"`
	Duration    int    `json:"duration"`
	Count       int    `json:"count"`
	Size        string `json:"size"`
	AspectRatio string `json:"aspect_ratio"`
	Text        string `json:"text"`
	Voice       string `json:"voice"`
	Language    string `json:"language"`
	Model       string `json:"model"`
}

func decodeParameters(parameters json.RawMessage) (generationParameters, error) {
	var params generationParameters
	if len(parameters) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(parameters, &params); err != nil {
		return params, fmt.Errorf("decode parameters: %w", ErrProviderRejected)
	}
	return params, nil
}

func unsupportedKind(provider domain.Provider, kind domain.JobKind) error {
	return fmt.Errorf("%s does not generate %s: %w", provider, kind, ErrProviderRejected)
}

func missingField(provider domain.Provider, field string) error {
	return fmt.Errorf("%s: %s is required: %w", provider, field, ErrProviderRejected)
}
