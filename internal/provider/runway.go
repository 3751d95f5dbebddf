package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iago/genjobs-back/internal/domain"
)

const runwayAPIVersion = "2024-11-06"

// Runway generates video through its task API. Tasks are polled and can be
// cancelled.
type Runway struct {
	client *httpClient
	model  string
}

func NewRunway(config ClientConfig) *Runway {
	return &Runway{
		client: newHTTPClient("runway", "https://api.dev.runwayml.com", config, bearer(config.APIKey)),
		model:  "gen4_turbo",
	}
}

func (r *Runway) Name() domain.Provider { return domain.ProviderRunway }

func (r *Runway) Traits() Traits {
	return Traits{Kinds: []domain.JobKind{domain.JobKindVideo}, Pollable: true, Cancellable: true}
}

type runwayTask struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Progress float64  `json:"progress"`
	Output   []string `json:"output"`
	Failure  string   `json:"failure"`
	Code     string   `json:"failureCode"`
}

func (r *Runway) Submit(ctx context.Context, kind domain.JobKind, parameters json.RawMessage) (SubmitResult, error) {
	if kind != domain.JobKindVideo {
		return SubmitResult{}, unsupportedKind(r.Name(), kind)
	}
	params, err := decodeParameters(parameters)
	if err != nil {
		return SubmitResult{}, err
	}
	if strings.TrimSpace(params.Prompt) == "" && strings.TrimSpace(params.ImageURL) == "" {
		return SubmitResult{}, missingField(r.Name(), "prompt or image_url")
	}

	payload := map[string]any{
		"model":      firstNonEmpty(params.Model, r.model),
		"promptText": params.Prompt,
		"duration":   params.Duration,
		"ratio":      firstNonEmpty(params.AspectRatio, "1280:720"),
	}
	path := "/v1/text_to_video"
	if params.ImageURL != "" {
		payload["promptImage"] = params.ImageURL
		path = "/v1/image_to_video"
	}

	var task runwayTask
	if _, err := r.client.doJSON(ctx, request{
		method:  http.MethodPost,
		path:    path,
		body:    payload,
		headers: map[string]string{"X-Runway-Version": runwayAPIVersion},
	}, &task); err != nil {
		return SubmitResult{}, fmt.Errorf("runway submit: %w", err)
	}
	if task.ID == "" {
		return SubmitResult{}, fmt.Errorf("runway submit without task id: %w", ErrProviderUnavailable)
	}
	return SubmitResult{ProviderJobID: task.ID}, nil
}

func (r *Runway) Poll(ctx context.Context, providerJobID string) (PollResult, error) {
	var task runwayTask
	if _, err := r.client.doJSON(ctx, request{
		method:  http.MethodGet,
		path:    "/v1/tasks/" + url.PathEscape(providerJobID),
		headers: map[string]string{"X-Runway-Version": runwayAPIVersion},
	}, &task); err != nil {
		return PollResult{}, fmt.Errorf("runway poll: %w", err)
	}

	result := PollResult{Progress: clampProgress(task.Progress * 100)}
	switch strings.ToUpper(task.Status) {
	case "PENDING", "THROTTLED":
		result.Status = domain.ProviderStatusQueued
	case "RUNNING":
		result.Status = domain.ProviderStatusProcessing
	case "SUCCEEDED":
		if len(task.Output) == 0 {
			result.Status = domain.ProviderStatusFailed
			result.FailureDetail = "task succeeded without output"
			break
		}
		result.Status = domain.ProviderStatusCompleted
		result.Progress = 100
		result.ResultRef = task.Output[0]
		result.Metadata = map[string]any{"outputs": task.Output}
	case "FAILED", "CANCELLED":
		result.Status = domain.ProviderStatusFailed
		result.FailureDetail = firstNonEmpty(task.Failure, task.Code, strings.ToLower(task.Status))
	default:
		return PollResult{}, fmt.Errorf("runway unknown task status %q: %w", task.Status, ErrProviderUnavailable)
	}
	return result, nil
}

func (r *Runway) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	if _, err := r.client.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/v1/tasks/" + url.PathEscape(providerJobID),
		headers: map[string]string{"X-Runway-Version": runwayAPIVersion},
	}); err != nil {
		return true, fmt.Errorf("runway cancel: %w", err)
	}
	return true, nil
}
