package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/genjobs-back/internal/domain"
)

// Stability runs image and image-to-video generations asynchronously and
// exposes a shared results endpoint. A 202 from that endpoint means the
// generation is still running.
type Stability struct {
	client *httpClient
}

func NewStability(config ClientConfig) *Stability {
	return &Stability{
		client: newHTTPClient("stability", "https://api.stability.ai", config, bearer(config.APIKey)),
	}
}

func (s *Stability) Name() domain.Provider { return domain.ProviderStability }

func (s *Stability) Traits() Traits {
	return Traits{Kinds: []domain.JobKind{domain.JobKindImage, domain.JobKindVideo}, Pollable: true}
}

type stabilityResult struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	FinishReason string   `json:"finish_reason"`
	URL          string   `json:"url"`
	Seed         int64    `json:"seed"`
	Errors       []string `json:"errors"`
	Name         string   `json:"name"`
}

func (s *Stability) Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error) {
	params, err := decodeParameters(parameters)
	if err != nil {
		return SubmitResult{}, err
	}

	var (
		path    string
		payload map[string]any
	)
	switch kind {
	case domain.JobKindImage:
		if strings.TrimSpace(params.Prompt) == "" {
			return SubmitResult{}, missingField(s.Name(), "prompt")
		}
		path = "/v2beta/stable-image/generate/async"
		payload = map[string]any{
			"prompt":        params.Prompt,
			"aspect_ratio":  firstNonEmpty(params.AspectRatio, "1:1"),
			"samples":       max(params.Count, 1),
			"output_format": "png",
		}
	case domain.JobKindVideo:
		if strings.TrimSpace(params.ImageURL) == "" {
			return SubmitResult{}, missingField(s.Name(), "image_url")
		}
		path = "/v2beta/image-to-video"
		payload = map[string]any{
			"image_url":   params.ImageURL,
			"motion_hint": params.Prompt,
			"seconds":     params.Duration,
		}
	default:
		return SubmitResult{}, unsupportedKind(s.Name(), kind)
	}

	var created stabilityResult
	if _, err := s.client.doJSON(ctx, request{method: http.MethodPost, path: path, body: payload}, &created); err != nil {
		return SubmitResult{}, fmt.Errorf("stability submit: %w", err)
	}
	if created.ID == "" {
		return SubmitResult{}, fmt.Errorf("stability submit without id: %w", ErrProviderUnavailable)
	}
	return SubmitResult{ProviderJobID: created.ID}, nil
}

func (s *Stability) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	var result stabilityResult
	status, err := s.client.doJSON(ctx, request{
		method: http.MethodGet,
		path:   "/v2beta/results/" + url.PathEscape(providerJobID),
	}, &result)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return PollResult{Status: domain.ProviderStatusFailed, FailureDetail: "generation expired"}, nil
		}
		return PollResult{}, fmt.Errorf("stability poll: %w", err)
	}
	if status == http.StatusAccepted || strings.EqualFold(result.Status, "in-progress") {
		return PollResult{Status: domain.ProviderStatusProcessing}, nil
	}

	switch strings.ToUpper(result.FinishReason) {
	case "SUCCESS":
		if result.URL == "" {
			return PollResult{Status: domain.ProviderStatusFailed, FailureDetail: "generation finished without artifact"}, nil
		}
		return PollResult{
			Status:    domain.ProviderStatusCompleted,
			Progress:  100,
			ResultRef: result.URL,
			Metadata:  map[string]any{"seed": result.Seed},
		}, nil
	case "CONTENT_FILTERED":
		return PollResult{Status: domain.ProviderStatusFailed, FailureDetail: "content filtered"}, nil
	default:
		return PollResult{
			Status:        domain.ProviderStatusFailed,
			FailureDetail: firstNonEmpty(strings.Join(result.Errors, "; "), result.Name, result.FinishReason, "generation failed"),
		}, nil
	}
}

func (s *Stability) Cancel(context.Context, string) (bool, error) {
	return false, nil
}
